// Package service holds the campaign, invitation and contribution ledger
// logic. Every invariant on accrued amounts is enforced here, inside store
// transactions that lock the campaign row.
package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/fundledger/internal/domain"
	"github.com/punchamoorthee/fundledger/internal/store"
	"github.com/shopspring/decimal"
)

// amountScale is the number of fractional digits amounts are persisted with.
const amountScale = 2

type clock func() time.Time

func utcNow() time.Time { return time.Now().UTC() }

// notFound converts store.ErrNotFound into a terse domain error and wraps
// anything else as an infrastructure failure.
func notFound(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.NotFoundf("%s not found", what)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

func validAmount(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(amountScale))
}

func money(d decimal.Decimal) string {
	return d.StringFixed(amountScale)
}
