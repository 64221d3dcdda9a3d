package api

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/reconciler"
	"custody/apps/custody/internal/repository"
	"custody/apps/custody/internal/sweeper"
	"custody/apps/custody/internal/withdrawal"
)

type mockAccounts struct{ mock.Mock }

func (m *mockAccounts) CreateAccount(ctx context.Context, userRef string, deriver repository.AddressDeriver) (*model.Account, error) {
	args := m.Called(ctx, userRef, deriver)
	acct, _ := args.Get(0).(*model.Account)
	return acct, args.Error(1)
}

func (m *mockAccounts) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	args := m.Called(ctx, id)
	acct, _ := args.Get(0).(*model.Account)
	return acct, args.Error(1)
}

func (m *mockAccounts) SetActive(ctx context.Context, id int64, active bool) error {
	return m.Called(ctx, id, active).Error(0)
}

func (m *mockAccounts) ListLedgerEntries(ctx context.Context, accountID int64, limit int) ([]model.LedgerEntry, error) {
	args := m.Called(ctx, accountID, limit)
	entries, _ := args.Get(0).([]model.LedgerEntry)
	return entries, args.Error(1)
}

type mockDeposits struct{ mock.Mock }

func (m *mockDeposits) ListDeposits(ctx context.Context, accountID int64, limit int) ([]model.Deposit, error) {
	args := m.Called(ctx, accountID, limit)
	deposits, _ := args.Get(0).([]model.Deposit)
	return deposits, args.Error(1)
}

func (m *mockDeposits) GetDepositByTxHash(ctx context.Context, txHash string) (*model.Deposit, error) {
	args := m.Called(ctx, txHash)
	d, _ := args.Get(0).(*model.Deposit)
	return d, args.Error(1)
}

type mockVerifier struct{ mock.Mock }

func (m *mockVerifier) VerifyDeposit(ctx context.Context, accountID int64, txHash string) (*model.Deposit, error) {
	args := m.Called(ctx, accountID, txHash)
	d, _ := args.Get(0).(*model.Deposit)
	return d, args.Error(1)
}

type mockBalances struct{ mock.Mock }

func (m *mockBalances) TokenBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	args := m.Called(ctx, address)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

type mockProcessor struct{ mock.Mock }

func (m *mockProcessor) Process(ctx context.Context, req withdrawal.Request) (*model.Withdrawal, error) {
	args := m.Called(ctx, req)
	w, _ := args.Get(0).(*model.Withdrawal)
	return w, args.Error(1)
}

type mockWithdrawals struct{ mock.Mock }

func (m *mockWithdrawals) GetWithdrawal(ctx context.Context, id int64) (*model.Withdrawal, error) {
	args := m.Called(ctx, id)
	w, _ := args.Get(0).(*model.Withdrawal)
	return w, args.Error(1)
}

type mockSweeper struct{ mock.Mock }

func (m *mockSweeper) Sweep(ctx context.Context) (sweeper.Report, error) {
	args := m.Called(ctx)
	return args.Get(0).(sweeper.Report), args.Error(1)
}

func (m *mockSweeper) ConfirmSubmitted(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type stubPoller struct {
	state  reconciler.State
	report reconciler.CycleReport
	runs   int
}

func (p *stubPoller) State() reconciler.State { return p.state }

func (p *stubPoller) RunOnce(context.Context) (reconciler.CycleReport, error) {
	p.runs++
	return p.report, nil
}

type fixedDeriver struct{}

func (fixedDeriver) Address(index uint32) (common.Address, error) {
	return common.BigToAddress(common.Big1), nil
}
