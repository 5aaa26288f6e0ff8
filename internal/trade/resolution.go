package trade

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/gridtrade/escrow-engine/internal/model"
	"github.com/gridtrade/escrow-engine/internal/settlement"
)

// Resolution is an admin's ruling on a disputed trade. The set of
// implementations is closed: Release, Refund and Partial.
type Resolution interface {
	// delivered returns the units the ruling treats as delivered.
	delivered(requested decimal.Decimal) (decimal.Decimal, error)
	escrowStatus() model.EscrowStatus
	String() string
}

// Release pays the seller as if delivery was complete.
type Release struct{}

// Refund returns the full amount to the buyer.
type Refund struct{}

// Partial settles pro rata for the units the admin finds were delivered.
type Partial struct {
	UnitsDelivered decimal.Decimal
}

func (Release) delivered(requested decimal.Decimal) (decimal.Decimal, error) {
	return requested, nil
}

func (Release) escrowStatus() model.EscrowStatus { return model.EscrowReleased }
func (Release) String() string                   { return "release" }

func (Refund) delivered(decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (Refund) escrowStatus() model.EscrowStatus { return model.EscrowRefunded }
func (Refund) String() string                   { return "refund" }

func (p Partial) delivered(requested decimal.Decimal) (decimal.Decimal, error) {
	if p.UnitsDelivered.IsNegative() || p.UnitsDelivered.GreaterThan(requested) {
		return decimal.Zero, fmt.Errorf("%w: units_delivered %s outside [0, %s]",
			ErrInvalidResolution, p.UnitsDelivered, requested)
	}
	if !settlement.WithinScale(p.UnitsDelivered, settlement.UnitScale) {
		return decimal.Zero, fmt.Errorf("%w: units_delivered %s has more than %d decimal places",
			ErrInvalidResolution, p.UnitsDelivered, settlement.UnitScale)
	}
	return p.UnitsDelivered, nil
}

func (Partial) escrowStatus() model.EscrowStatus { return model.EscrowPartial }
func (Partial) String() string                   { return "partial" }

// ResolutionRequest is the wire form of a Resolution.
type ResolutionRequest struct {
	Resolution     string           `json:"resolution"`
	UnitsDelivered *decimal.Decimal `json:"units_delivered,omitempty"`
}

// ParseResolution validates a wire payload. Partial requires
// units_delivered; the other variants reject it.
func ParseResolution(req ResolutionRequest) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(req.Resolution)) {
	case "release":
		if req.UnitsDelivered != nil {
			return nil, fmt.Errorf("%w: units_delivered only applies to partial", ErrInvalidResolution)
		}
		return Release{}, nil
	case "refund":
		if req.UnitsDelivered != nil {
			return nil, fmt.Errorf("%w: units_delivered only applies to partial", ErrInvalidResolution)
		}
		return Refund{}, nil
	case "partial":
		if req.UnitsDelivered == nil {
			return nil, fmt.Errorf("%w: partial requires units_delivered", ErrInvalidResolution)
		}
		if req.UnitsDelivered.IsNegative() {
			return nil, fmt.Errorf("%w: units_delivered must not be negative", ErrInvalidResolution)
		}
		return Partial{UnitsDelivered: *req.UnitsDelivered}, nil
	default:
		return nil, fmt.Errorf("%w: unknown resolution %q", ErrInvalidResolution, req.Resolution)
	}
}
