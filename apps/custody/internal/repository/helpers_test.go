package repository

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

var (
	testTime    = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	testAddress = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
	testTxHash  = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func accountRows(id, balance int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_ref", "balance", "address", "derivation_index", "active", "created_at"}).
		AddRow(id, "user-1", balance, testAddress, int64(1), true, testTime)
}

var depositCols = []string{"id", "account_id", "tx_hash", "from_address", "to_address", "token_amount", "rate",
	"ledger_amount", "status", "failure_reason", "source", "block_timestamp", "created_at", "verified_at"}

func depositRows(id int64, status string, ledger int64, reason string) *sqlmock.Rows {
	return sqlmock.NewRows(depositCols).
		AddRow(id, int64(1), testTxHash, "0x1111111111111111111111111111111111111111", testAddress, "5", "130",
			ledger, status, reason, "poller", testTime, testTime, testTime)
}

var withdrawalCols = []string{"id", "request_id", "account_id", "to_address", "ledger_amount", "token_amount", "rate",
	"status", "tx_hash", "failure_reason", "created_at", "updated_at"}

func withdrawalRows(id int64, status, txHash, reason string) *sqlmock.Rows {
	return sqlmock.NewRows(withdrawalCols).
		AddRow(id, "req-1", int64(1), "0x2222222222222222222222222222222222222222", int64(130000), "10", "130",
			status, txHash, reason, testTime, testTime)
}
