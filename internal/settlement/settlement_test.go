package settlement

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSettle_FullDelivery(t *testing.T) {
	split, err := Settle(d("20"), d("0.5"), d("1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !split.Seller.Equal(d("19.5")) {
		t.Errorf("expected seller=19.5, got %s", split.Seller)
	}
	if !split.Refund.IsZero() {
		t.Errorf("expected refund=0, got %s", split.Refund)
	}
	if !split.Fee.Equal(d("0.5")) {
		t.Errorf("expected fee=0.5, got %s", split.Fee)
	}
}

func TestSettle_HalfDelivery(t *testing.T) {
	split, err := Settle(d("20"), d("0.5"), d("0.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !split.Seller.Equal(d("9.75")) {
		t.Errorf("expected seller=9.75, got %s", split.Seller)
	}
	if !split.Refund.Equal(d("10")) {
		t.Errorf("expected refund=10, got %s", split.Refund)
	}
	// Platform keeps the fee on the delivered half only.
	if !split.Fee.Equal(d("0.25")) {
		t.Errorf("expected fee=0.25, got %s", split.Fee)
	}
}

func TestSettle_NoDelivery(t *testing.T) {
	split, err := Settle(d("20"), d("0.5"), decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !split.Seller.IsZero() || !split.Fee.IsZero() {
		t.Errorf("expected seller=0 fee=0, got seller=%s fee=%s", split.Seller, split.Fee)
	}
	if !split.Refund.Equal(d("20")) {
		t.Errorf("expected full refund, got %s", split.Refund)
	}
}

func TestSettle_ConservationAcrossRatios(t *testing.T) {
	totals := []string{"0", "0.01", "0.03", "1", "7.77", "20", "123.45", "99999.99"}
	rates := []string{"0", "0.025", "0.1", "0.333"}

	for _, ts := range totals {
		for _, rs := range rates {
			total := d(ts)
			fee := Fee(total, d(rs))
			for i := 0; i <= 100; i++ {
				ratio := decimal.NewFromInt(int64(i)).Div(decimal.NewFromInt(100))
				split, err := Settle(total, fee, ratio)
				if err != nil {
					t.Fatalf("total=%s fee=%s ratio=%s: %v", total, fee, ratio, err)
				}
				if !split.Sum().Equal(total) {
					t.Fatalf("conservation violated: total=%s ratio=%s split=%+v", total, ratio, split)
				}
				if split.Seller.IsNegative() || split.Refund.IsNegative() || split.Fee.IsNegative() {
					t.Fatalf("negative component: total=%s ratio=%s split=%+v", total, ratio, split)
				}
				if split.Fee.GreaterThan(fee.Add(d("0.01"))) {
					t.Fatalf("retained fee %s exceeds nominal %s", split.Fee, fee)
				}
			}
		}
	}
}

func TestSettle_RoundingOvershootClamped(t *testing.T) {
	// 0.005 rounds up on both sides; the seller absorbs the overshoot.
	split, err := Settle(d("0.01"), decimal.Zero, d("0.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !split.Sum().Equal(d("0.01")) {
		t.Errorf("expected sum=0.01, got %s (%+v)", split.Sum(), split)
	}
	if !split.Refund.Equal(d("0.01")) {
		t.Errorf("expected refund=0.01, got %s", split.Refund)
	}
}

func TestSettle_RatioClamped(t *testing.T) {
	over, _ := Settle(d("10"), d("1"), d("1.5"))
	if !over.Seller.Equal(d("9")) || !over.Refund.IsZero() {
		t.Errorf("ratio > 1 should clamp to 1, got %+v", over)
	}
	under, _ := Settle(d("10"), d("1"), d("-0.2"))
	if !under.Refund.Equal(d("10")) {
		t.Errorf("ratio < 0 should clamp to 0, got %+v", under)
	}
}

func TestSettle_InvalidInputs(t *testing.T) {
	if _, err := Settle(d("-1"), decimal.Zero, d("1")); err != ErrNegativeTotal {
		t.Errorf("expected ErrNegativeTotal, got %v", err)
	}
	if _, err := Settle(d("10"), d("11"), d("1")); err != ErrInvalidFee {
		t.Errorf("expected ErrInvalidFee, got %v", err)
	}
	if _, err := Settle(d("10"), d("-1"), d("1")); err != ErrInvalidFee {
		t.Errorf("expected ErrInvalidFee, got %v", err)
	}
}

func TestRatio(t *testing.T) {
	tests := []struct {
		delivered, requested, want string
	}{
		{"4", "4", "1"},
		{"2", "4", "0.5"},
		{"0", "4", "0"},
		{"5", "4", "1"},
		{"3", "0", "0"},
	}
	for _, tt := range tests {
		got := Ratio(d(tt.delivered), d(tt.requested))
		if !got.Equal(d(tt.want)) {
			t.Errorf("Ratio(%s, %s) = %s, want %s", tt.delivered, tt.requested, got, tt.want)
		}
	}
}

func TestFeeAndTotal(t *testing.T) {
	total := Total(d("4"), d("5"))
	if !total.Equal(d("20")) {
		t.Errorf("expected total=20, got %s", total)
	}
	if fee := Fee(total, d("0.025")); !fee.Equal(d("0.5")) {
		t.Errorf("expected fee=0.5, got %s", fee)
	}
	// Half-up at the minor unit.
	if fee := Fee(d("1"), d("0.025")); !fee.Equal(d("0.03")) {
		t.Errorf("expected fee=0.03, got %s", fee)
	}
}

func TestWithinScale(t *testing.T) {
	tests := []struct {
		v     string
		scale int32
		want  bool
	}{
		{"1000.33", MoneyScale, true},
		{"1000.333", MoneyScale, false},
		{"10", MoneyScale, true},
		{"10.0000", UnitScale, true},
		{"10.00005", UnitScale, false},
		{"0.00002", UnitScale, false},
		{"-1.5", UnitScale, true},
	}
	for _, tt := range tests {
		if got := WithinScale(d(tt.v), tt.scale); got != tt.want {
			t.Errorf("WithinScale(%s, %d) = %v, want %v", tt.v, tt.scale, got, tt.want)
		}
	}
}
