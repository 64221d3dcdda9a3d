package reconciler

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/money"
	"custody/apps/custody/internal/repository"
)

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func address(n int64) string {
	return common.BigToAddress(big.NewInt(n)).Hex()
}

// memStore mirrors the claim-or-reject semantics of the SQL store.
type memStore struct {
	mu       sync.Mutex
	accounts map[int64]*model.Account
	deposits map[string]*model.Deposit
	markers  map[string]bool
	entries  int
	nextID   int64
}

func newMemStore(n int) *memStore {
	s := &memStore{
		accounts: map[int64]*model.Account{},
		deposits: map[string]*model.Deposit{},
		markers:  map[string]bool{},
	}
	for i := int64(1); i <= int64(n); i++ {
		s.accounts[i] = &model.Account{ID: i, UserRef: fmt.Sprintf("user-%d", i), Address: address(i), DerivationIndex: uint32(i), Active: true}
	}
	return s
}

func (s *memStore) balance(id int64) money.Minor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id].Balance
}

func (s *memStore) deposit(tx string) *model.Deposit {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deposits[tx]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

func (s *memStore) GetAccount(_ context.Context, id int64) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) ListActiveAccounts(_ context.Context, afterID int64, limit int) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.accounts))
	for id, a := range s.accounts {
		if a.Active && id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]model.Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.accounts[id])
	}
	return out, nil
}

func (s *memStore) CreditDeposit(_ context.Context, d model.Deposit) (*repository.CreditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[d.AccountID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	if s.markers[d.TxHash] {
		return nil, repository.ErrAlreadyProcessed
	}
	if existing, ok := s.deposits[d.TxHash]; ok && existing.Status.Terminal() {
		return nil, repository.ErrAlreadyProcessed
	}
	s.markers[d.TxHash] = true
	d.Status = model.DepositCompleted
	d.ID = s.id(d.TxHash)
	s.deposits[d.TxHash] = &d
	acct.Balance += d.LedgerAmount
	s.entries++

	cp := d
	return &repository.CreditResult{Deposit: &cp, Balance: acct.Balance}, nil
}

func (s *memStore) id(tx string) int64 {
	if existing, ok := s.deposits[tx]; ok {
		return existing.ID
	}
	s.nextID++
	return s.nextID
}

func (s *memStore) close(d model.Deposit, status model.DepositStatus, reason string) (*model.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.deposits[d.TxHash]; ok && existing.Status.Terminal() {
		return nil, repository.ErrAlreadyProcessed
	}
	d.Status = status
	d.FailureReason = reason
	d.ID = s.id(d.TxHash)
	s.deposits[d.TxHash] = &d
	cp := d
	return &cp, nil
}

func (s *memStore) RejectDeposit(_ context.Context, d model.Deposit, reason string) (*model.Deposit, error) {
	return s.close(d, model.DepositRejected, reason)
}

func (s *memStore) DiscardVerifying(_ context.Context, accountID int64, tx, reason string) (*model.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := model.Deposit{AccountID: accountID, TxHash: tx, Source: model.SourceManual}
	if existing, ok := s.deposits[tx]; ok && existing.AccountID == accountID && existing.Status == model.DepositVerifying {
		d = *existing
		delete(s.deposits, tx)
	}
	d.Status = model.DepositFailed
	d.FailureReason = reason
	return &d, nil
}

func (s *memStore) MarkVerifying(_ context.Context, accountID int64, tx string) (*model.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.deposits[tx]; ok {
		if existing.Status.Terminal() {
			return nil, repository.ErrAlreadyProcessed
		}
		cp := *existing
		return &cp, nil
	}
	d := &model.Deposit{ID: s.id(tx), AccountID: accountID, TxHash: tx, Status: model.DepositVerifying, Source: model.SourceManual, CreatedAt: time.Now()}
	s.deposits[tx] = d
	cp := *d
	return &cp, nil
}

func (s *memStore) ListVerifying(_ context.Context, limit int) ([]model.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Deposit
	for _, d := range s.deposits {
		if d.Status == model.DepositVerifying && len(out) < limit {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *memStore) known(tx string) bool {
	if s.markers[tx] {
		return true
	}
	d, ok := s.deposits[tx]
	return ok && d.Status.Terminal()
}

func (s *memStore) IsKnown(_ context.Context, tx string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known(tx), nil
}

func (s *memStore) KnownTransactions(_ context.Context, hashes []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]struct{}{}
	for _, h := range hashes {
		if s.known(h) {
			out[h] = struct{}{}
		}
	}
	return out, nil
}

type fakeChain struct {
	mu       sync.Mutex
	incoming map[string][]chain.Transfer
	byHash   map[string]chain.Transfer
	listErr  map[string]error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		incoming: map[string][]chain.Transfer{},
		byHash:   map[string]chain.Transfer{},
		listErr:  map[string]error{},
	}
}

func (f *fakeChain) add(t chain.Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incoming[t.To] = append(f.incoming[t.To], t)
	f.byHash[t.TxHash] = t
}

func (f *fakeChain) ListIncomingTransfers(_ context.Context, addr string, limit int) ([]chain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[addr]; err != nil {
		return nil, err
	}
	ts := f.incoming[addr]
	if len(ts) > limit {
		ts = ts[len(ts)-limit:]
	}
	return append([]chain.Transfer(nil), ts...), nil
}

func (f *fakeChain) TokenBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeChain) NativeBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeChain) SubmitTransfer(context.Context, *ecdsa.PrivateKey, string, string, decimal.Decimal) (string, error) {
	return "", fmt.Errorf("not supported")
}

func (f *fakeChain) GetTransferByHash(_ context.Context, tx, to string) (*chain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byHash[tx]
	if !ok {
		return nil, chain.ErrNotFound
	}
	if !strings.EqualFold(t.To, to) {
		return nil, chain.ErrRecipientMismatch
	}
	return &t, nil
}
