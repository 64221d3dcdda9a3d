// Package rate supplies the token to ledger exchange rate.
package rate

import (
	"context"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"custody/apps/custody/internal/money"
)

// Source returns the current ledger units per token unit.
type Source interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// Static is a fixed rate that can be replaced at runtime.
type Static struct {
	current atomic.Pointer[decimal.Decimal]
}

func NewStatic(rate decimal.Decimal) (*Static, error) {
	s := &Static{}
	if err := s.Set(rate); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Static) Set(rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return money.ErrInvalidRate
	}
	s.current.Store(&rate)
	return nil
}

func (s *Static) Rate(context.Context) (decimal.Decimal, error) {
	return *s.current.Load(), nil
}
