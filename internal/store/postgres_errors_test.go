package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapError(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, ErrNotFound},
		{"unique", &pgconn.PgError{Code: pgUniqueViolation}, ErrAlreadyExists},
		{"check constraint", fmt.Errorf("insert trade: %w", &pgconn.PgError{Code: pgCheckViolation}), ErrInvalidValue},
		{"numeric overflow", &pgconn.PgError{Code: pgNumericOutOfRange}, ErrInvalidValue},
		{"lock timeout", &pgconn.PgError{Code: pgLockNotAvailable}, ErrConflict},
		{"deadlock", &pgconn.PgError{Code: pgDeadlockDetected}, ErrConflict},
		{"passthrough", boom, boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("mapError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
