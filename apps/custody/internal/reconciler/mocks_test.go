package reconciler

import (
	"context"
	"crypto/ecdsa"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/repository"
)

type mockAccounts struct{ mock.Mock }

func (m *mockAccounts) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	args := m.Called(ctx, id)
	acct, _ := args.Get(0).(*model.Account)
	return acct, args.Error(1)
}

func (m *mockAccounts) ListActiveAccounts(ctx context.Context, afterID int64, limit int) ([]model.Account, error) {
	args := m.Called(ctx, afterID, limit)
	accts, _ := args.Get(0).([]model.Account)
	return accts, args.Error(1)
}

type mockDeposits struct{ mock.Mock }

func (m *mockDeposits) CreditDeposit(ctx context.Context, d model.Deposit) (*repository.CreditResult, error) {
	args := m.Called(ctx, d)
	res, _ := args.Get(0).(*repository.CreditResult)
	return res, args.Error(1)
}

func (m *mockDeposits) RejectDeposit(ctx context.Context, d model.Deposit, reason string) (*model.Deposit, error) {
	args := m.Called(ctx, d, reason)
	dep, _ := args.Get(0).(*model.Deposit)
	return dep, args.Error(1)
}

func (m *mockDeposits) DiscardVerifying(ctx context.Context, accountID int64, txHash, reason string) (*model.Deposit, error) {
	args := m.Called(ctx, accountID, txHash, reason)
	dep, _ := args.Get(0).(*model.Deposit)
	return dep, args.Error(1)
}

func (m *mockDeposits) MarkVerifying(ctx context.Context, accountID int64, txHash string) (*model.Deposit, error) {
	args := m.Called(ctx, accountID, txHash)
	dep, _ := args.Get(0).(*model.Deposit)
	return dep, args.Error(1)
}

func (m *mockDeposits) ListVerifying(ctx context.Context, limit int) ([]model.Deposit, error) {
	args := m.Called(ctx, limit)
	deps, _ := args.Get(0).([]model.Deposit)
	return deps, args.Error(1)
}

func (m *mockDeposits) IsKnown(ctx context.Context, txHash string) (bool, error) {
	args := m.Called(ctx, txHash)
	return args.Bool(0), args.Error(1)
}

func (m *mockDeposits) KnownTransactions(ctx context.Context, txHashes []string) (map[string]struct{}, error) {
	args := m.Called(ctx, txHashes)
	known, _ := args.Get(0).(map[string]struct{})
	return known, args.Error(1)
}

type mockGateway struct{ mock.Mock }

func (m *mockGateway) ListIncomingTransfers(ctx context.Context, address string, limit int) ([]chain.Transfer, error) {
	args := m.Called(ctx, address, limit)
	ts, _ := args.Get(0).([]chain.Transfer)
	return ts, args.Error(1)
}

func (m *mockGateway) TokenBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	args := m.Called(ctx, address)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockGateway) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	args := m.Called(ctx, address)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockGateway) SubmitTransfer(ctx context.Context, key *ecdsa.PrivateKey, from, to string, amount decimal.Decimal) (string, error) {
	args := m.Called(ctx, key, from, to, amount)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) GetTransferByHash(ctx context.Context, txHash, to string) (*chain.Transfer, error) {
	args := m.Called(ctx, txHash, to)
	t, _ := args.Get(0).(*chain.Transfer)
	return t, args.Error(1)
}
