package withdrawal

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/hdwallet"
	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/money"
	"custody/apps/custody/internal/rate"
	"custody/apps/custody/internal/repository"
	"custody/apps/custody/internal/retry"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	hotWallet    = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
	userWallet   = "0x1111111111111111111111111111111111111111"
)

type entry struct {
	kind   model.EntryType
	amount money.Minor
}

type memStore struct {
	mu      sync.Mutex
	balance map[int64]money.Minor
	byReq   map[string]*model.Withdrawal
	byID    map[int64]*model.Withdrawal
	entries []entry

	// FailWithdrawal errors this many times before succeeding
	failRefunds int
}

func newMemStore(balance money.Minor) *memStore {
	return &memStore{
		balance: map[int64]money.Minor{1: balance},
		byReq:   map[string]*model.Withdrawal{},
		byID:    map[int64]*model.Withdrawal{},
	}
}

func (s *memStore) DebitForWithdrawal(_ context.Context, w model.Withdrawal) (*model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byReq[w.RequestID]; ok {
		cp := *existing
		return &cp, repository.ErrDuplicateRequest
	}
	bal, ok := s.balance[w.AccountID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	if bal < w.LedgerAmount {
		return nil, repository.ErrInsufficientBalance
	}
	s.balance[w.AccountID] = bal - w.LedgerAmount
	s.entries = append(s.entries, entry{model.EntryWithdrawal, -w.LedgerAmount})
	w.ID = int64(len(s.byID) + 1)
	w.Status = model.WithdrawalPending
	s.byReq[w.RequestID] = &w
	s.byID[w.ID] = &w
	cp := w
	return &cp, nil
}

func (s *memStore) CompleteWithdrawal(_ context.Context, id int64, txHash string) (*model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.byID[id]
	if w.Status != model.WithdrawalPending {
		return nil, repository.ErrInvalidTransition
	}
	w.Status = model.WithdrawalCompleted
	w.TxHash = txHash
	cp := *w
	return &cp, nil
}

func (s *memStore) FailWithdrawal(_ context.Context, id int64, reason string) (*model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRefunds > 0 {
		s.failRefunds--
		return nil, errors.New("connection reset")
	}
	w := s.byID[id]
	if w.Status != model.WithdrawalPending {
		return nil, repository.ErrInvalidTransition
	}
	w.Status = model.WithdrawalFailed
	w.FailureReason = reason
	s.balance[w.AccountID] += w.LedgerAmount
	s.entries = append(s.entries, entry{model.EntryRefund, w.LedgerAmount})
	cp := *w
	return &cp, nil
}

func (s *memStore) refunds() []entry {
	var out []entry
	for _, e := range s.entries {
		if e.kind == model.EntryRefund {
			out = append(out, e)
		}
	}
	return out
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

func masterKey() interface{} {
	return mock.MatchedBy(func(k *ecdsa.PrivateKey) bool {
		return crypto.PubkeyToAddress(k.PublicKey).Hex() == hotWallet
	})
}

func tokens(s string) interface{} {
	want := decimal.RequireFromString(s)
	return mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(want) })
}

func newTestProcessor(t *testing.T, store Store, gw chain.Gateway) *Processor {
	t.Helper()
	wallet, err := hdwallet.New(testMnemonic, "", "m/44'/60'/0'/0")
	require.NoError(t, err)
	rates, err := rate.NewStatic(decimal.NewFromInt(130))
	require.NoError(t, err)

	return NewProcessor(Config{
		Min:           decimal.NewFromInt(10),
		Max:           decimal.NewFromInt(100000),
		GasFloor:      decimal.RequireFromString("0.002"),
		TokenDecimals: 6,
		HotWallet:     hotWallet,
		RefundRetry:   retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}, store, gw, wallet, rates, zaptest.NewLogger(t))
}

func fundedHotWallet(gw *mockGateway) {
	gw.On("TokenBalance", mock.Anything, hotWallet).Return(decimal.NewFromInt(1000), nil)
	gw.On("NativeBalance", mock.Anything, hotWallet).Return(decimal.NewFromInt(1), nil)
}

func TestProcessSuccess(t *testing.T) {
	store := newMemStore(130000)
	gw := &mockGateway{}
	fundedHotWallet(gw)
	gw.On("SubmitTransfer", mock.Anything, masterKey(), hotWallet, userWallet, tokens("10")).Return("0xabc", nil)

	w, err := newTestProcessor(t, store, gw).Process(context.Background(), Request{
		RequestID: "req-1", AccountID: 1, ToAddress: userWallet, Amount: 130000,
	})
	require.NoError(t, err)

	assert.Equal(t, model.WithdrawalCompleted, w.Status)
	assert.Equal(t, "0xabc", w.TxHash)
	assert.True(t, w.TokenAmount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, money.Minor(0), store.balance[1])
	assert.Empty(t, store.refunds())
	gw.AssertExpectations(t)
}

func TestProcessTransferFailureRefunds(t *testing.T) {
	store := newMemStore(130000)
	gw := &mockGateway{}
	fundedHotWallet(gw)
	gw.On("SubmitTransfer", mock.Anything, masterKey(), hotWallet, userWallet, tokens("10")).
		Return("", errors.New("nonce too low"))

	w, err := newTestProcessor(t, store, gw).Process(context.Background(), Request{
		RequestID: "req-1", AccountID: 1, ToAddress: userWallet, Amount: 130000,
	})
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.Contains(t, err.Error(), "nonce too low")

	require.NotNil(t, w)
	assert.Equal(t, model.WithdrawalFailed, w.Status)
	assert.Equal(t, money.Minor(130000), store.balance[1])
	require.Len(t, store.refunds(), 1)
	assert.Equal(t, money.Minor(130000), store.refunds()[0].amount)
}

func TestProcessRefundRetriesWriteError(t *testing.T) {
	store := newMemStore(130000)
	store.failRefunds = 2
	gw := &mockGateway{}
	fundedHotWallet(gw)
	gw.On("SubmitTransfer", mock.Anything, masterKey(), hotWallet, userWallet, tokens("10")).
		Return("", errors.New("nonce too low"))

	p := newTestProcessor(t, store, gw)
	w, err := p.Process(context.Background(), Request{
		RequestID: "req-1", AccountID: 1, ToAddress: userWallet, Amount: 130000,
	})
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, model.WithdrawalFailed, w.Status)
	assert.Equal(t, money.Minor(130000), store.balance[1])
	assert.Equal(t, 0, p.PendingRefunds())
}

func TestProcessRefundPendingIsResumedOnRedelivery(t *testing.T) {
	store := newMemStore(130000)
	store.failRefunds = 3
	gw := &mockGateway{}
	fundedHotWallet(gw)
	gw.On("SubmitTransfer", mock.Anything, masterKey(), hotWallet, userWallet, tokens("10")).
		Return("", errors.New("nonce too low")).Once()

	p := newTestProcessor(t, store, gw)
	req := Request{RequestID: "req-1", AccountID: 1, ToAddress: userWallet, Amount: 130000}

	w, err := p.Process(context.Background(), req)
	require.ErrorIs(t, err, ErrRefundPending)
	assert.NotErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, model.WithdrawalPending, w.Status)
	assert.Equal(t, money.Minor(0), store.balance[1])
	assert.Equal(t, 1, p.PendingRefunds())

	w, err = p.Process(context.Background(), req)
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.Contains(t, err.Error(), "nonce too low")
	assert.Equal(t, model.WithdrawalFailed, w.Status)
	assert.Equal(t, money.Minor(130000), store.balance[1])
	assert.Len(t, store.refunds(), 1)
	assert.Equal(t, 0, p.PendingRefunds())
	gw.AssertNumberOfCalls(t, "SubmitTransfer", 1)
}

func TestRetryRefunds(t *testing.T) {
	store := newMemStore(130000)
	store.failRefunds = 3
	gw := &mockGateway{}
	fundedHotWallet(gw)
	gw.On("SubmitTransfer", mock.Anything, masterKey(), hotWallet, userWallet, tokens("10")).
		Return("", errors.New("nonce too low"))

	p := newTestProcessor(t, store, gw)
	_, err := p.Process(context.Background(), Request{
		RequestID: "req-1", AccountID: 1, ToAddress: userWallet, Amount: 130000,
	})
	require.ErrorIs(t, err, ErrRefundPending)

	store.failRefunds = 1
	assert.Equal(t, 0, p.RetryRefunds(context.Background()))
	assert.Equal(t, 1, p.PendingRefunds())

	assert.Equal(t, 1, p.RetryRefunds(context.Background()))
	assert.Equal(t, 0, p.PendingRefunds())
	assert.Equal(t, money.Minor(130000), store.balance[1])
	require.Len(t, store.refunds(), 1)

	assert.Equal(t, 0, p.RetryRefunds(context.Background()))
}

func TestProcessInsufficientLiquidityRefunds(t *testing.T) {
	store := newMemStore(130000)
	gw := &mockGateway{}
	gw.On("TokenBalance", mock.Anything, hotWallet).Return(decimal.NewFromInt(5), nil)

	w, err := newTestProcessor(t, store, gw).Process(context.Background(), Request{
		RequestID: "req-1", AccountID: 1, ToAddress: userWallet, Amount: 130000,
	})
	require.ErrorIs(t, err, chain.ErrInsufficientLiquidity)
	assert.Equal(t, model.WithdrawalFailed, w.Status)
	assert.Equal(t, money.Minor(130000), store.balance[1])
	gw.AssertNotCalled(t, "SubmitTransfer", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessInsufficientGasRefunds(t *testing.T) {
	store := newMemStore(130000)
	gw := &mockGateway{}
	gw.On("TokenBalance", mock.Anything, hotWallet).Return(decimal.NewFromInt(1000), nil)
	gw.On("NativeBalance", mock.Anything, hotWallet).Return(decimal.RequireFromString("0.0001"), nil)

	w, err := newTestProcessor(t, store, gw).Process(context.Background(), Request{
		RequestID: "req-1", AccountID: 1, ToAddress: userWallet, Amount: 130000,
	})
	require.ErrorIs(t, err, chain.ErrInsufficientGas)
	assert.Equal(t, model.WithdrawalFailed, w.Status)
	assert.Equal(t, money.Minor(130000), store.balance[1])
	assert.Len(t, store.refunds(), 1)
}

func TestProcessRejectsBeforeDebit(t *testing.T) {
	cases := map[string]Request{
		"below minimum": {AccountID: 1, ToAddress: userWallet, Amount: 999},
		"above maximum": {AccountID: 1, ToAddress: userWallet, Amount: 10000001},
		"zero":          {AccountID: 1, ToAddress: userWallet, Amount: 0},
		"bad address":   {AccountID: 1, ToAddress: "0x123", Amount: 130000},
		"empty address": {AccountID: 1, ToAddress: "", Amount: 130000},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			store := newMemStore(130000)
			gw := &mockGateway{}

			w, err := newTestProcessor(t, store, gw).Process(context.Background(), req)
			require.Error(t, err)
			assert.Nil(t, w)
			assert.True(t, errors.Is(err, ErrAmountOutOfBounds) || errors.Is(err, chain.ErrInvalidAddress), err.Error())
			assert.Equal(t, money.Minor(130000), store.balance[1])
			assert.Empty(t, store.entries)
			gw.AssertExpectations(t)
		})
	}
}

func TestProcessInsufficientBalance(t *testing.T) {
	store := newMemStore(1000)
	gw := &mockGateway{}

	_, err := newTestProcessor(t, store, gw).Process(context.Background(), Request{
		RequestID: "req-1", AccountID: 1, ToAddress: userWallet, Amount: 130000,
	})
	require.ErrorIs(t, err, repository.ErrInsufficientBalance)
	assert.Equal(t, money.Minor(1000), store.balance[1])
}

func TestProcessDuplicateRequest(t *testing.T) {
	store := newMemStore(260000)
	gw := &mockGateway{}
	fundedHotWallet(gw)
	gw.On("SubmitTransfer", mock.Anything, masterKey(), hotWallet, userWallet, tokens("10")).Return("0xabc", nil).Once()

	p := newTestProcessor(t, store, gw)
	req := Request{RequestID: "req-1", AccountID: 1, ToAddress: userWallet, Amount: 130000}

	first, err := p.Process(context.Background(), req)
	require.NoError(t, err)

	again, err := p.Process(context.Background(), req)
	require.ErrorIs(t, err, repository.ErrDuplicateRequest)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, money.Minor(130000), store.balance[1])
	gw.AssertNumberOfCalls(t, "SubmitTransfer", 1)
}

func TestProcessGeneratesRequestID(t *testing.T) {
	store := newMemStore(130000)
	gw := &mockGateway{}
	fundedHotWallet(gw)
	gw.On("SubmitTransfer", mock.Anything, masterKey(), hotWallet, userWallet, tokens("10")).Return("0xabc", nil)

	w, err := newTestProcessor(t, store, gw).Process(context.Background(), Request{
		AccountID: 1, ToAddress: userWallet, Amount: 130000,
	})
	require.NoError(t, err)
	assert.Len(t, w.RequestID, 36)
}

func TestProcessTruncatesTokenAmount(t *testing.T) {
	store := newMemStore(100000)
	gw := &mockGateway{}
	fundedHotWallet(gw)
	// 1000.00 / 130 = 7.692307692..., truncated to 6 decimals
	gw.On("SubmitTransfer", mock.Anything, masterKey(), hotWallet, userWallet, tokens("7.692307")).Return("0xabc", nil)

	w, err := newTestProcessor(t, store, gw).Process(context.Background(), Request{
		RequestID: "req-2", AccountID: 1, ToAddress: userWallet, Amount: 100000,
	})
	require.NoError(t, err)
	assert.True(t, w.TokenAmount.Equal(decimal.RequireFromString("7.692307")))
	assert.Equal(t, money.Minor(0), store.balance[1])
}
