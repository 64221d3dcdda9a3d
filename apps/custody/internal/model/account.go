package model

import (
	"time"

	"custody/apps/custody/internal/money"
)

type Account struct {
	ID              int64       `db:"id"`
	UserRef         string      `db:"user_ref"`
	Balance         money.Minor `db:"balance"`
	Address         string      `db:"address"`
	DerivationIndex uint32      `db:"derivation_index"`
	Active          bool        `db:"active"`
	CreatedAt       time.Time   `db:"created_at"`
}
