package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"custody/apps/custody/internal/money"
)

const nativeDecimals = 18

// EthClient is the subset of *ethclient.Client the gateway uses.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type EVMGatewayConfig struct {
	TokenContract string
	TokenDecimals int32
	ChainID       int64
	// LogBlockRange bounds how far back ListIncomingTransfers scans when no lister is set.
	LogBlockRange uint64
}

// EVMGateway talks to an EVM node for balances, submission and receipts. Incoming
// transfers come from Transfer logs unless an indexer lister is configured.
type EVMGateway struct {
	client     EthClient
	lister     TransferLister
	token      common.Address
	decimals   int32
	chainID    *big.Int
	blockRange uint64
	logger     *zap.Logger
}

func NewEVMGateway(client EthClient, cfg EVMGatewayConfig, lister TransferLister, logger *zap.Logger) (*EVMGateway, error) {
	if !common.IsHexAddress(cfg.TokenContract) {
		return nil, fmt.Errorf("%w: token contract %q", ErrInvalidAddress, cfg.TokenContract)
	}
	if cfg.LogBlockRange == 0 {
		cfg.LogBlockRange = 5000
	}

	return &EVMGateway{
		client:     client,
		lister:     lister,
		token:      common.HexToAddress(cfg.TokenContract),
		decimals:   cfg.TokenDecimals,
		chainID:    big.NewInt(cfg.ChainID),
		blockRange: cfg.LogBlockRange,
		logger:     logger,
	}, nil
}

func (g *EVMGateway) ListIncomingTransfers(ctx context.Context, address string, limit int) ([]Transfer, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	if g.lister != nil {
		return g.lister.ListIncomingTransfers(ctx, address, limit)
	}

	head, err := g.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}
	var from uint64
	if head > g.blockRange {
		from = head - g.blockRange
	}

	recipient := common.HexToAddress(address)
	logs, err := g.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{g.token},
		Topics:    [][]common.Hash{{TransferEventSig}, nil, {common.BytesToHash(recipient.Bytes())}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter transfer logs: %w", err)
	}

	transfers := g.collectTransfers(logs, recipient, head)
	if limit > 0 && len(transfers) > limit {
		transfers = transfers[len(transfers)-limit:]
	}

	timestamps := make(map[uint64]time.Time)
	for i := range transfers {
		ts, ok := timestamps[transfers[i].BlockNumber]
		if !ok {
			header, err := g.client.HeaderByNumber(ctx, new(big.Int).SetUint64(transfers[i].BlockNumber))
			if err != nil {
				return nil, fmt.Errorf("failed to get block %d: %w", transfers[i].BlockNumber, err)
			}
			ts = time.Unix(int64(header.Time), 0).UTC()
			timestamps[transfers[i].BlockNumber] = ts
		}
		transfers[i].BlockTimestamp = ts
	}

	return transfers, nil
}

// collectTransfers folds logs into one Transfer per transaction hash, in log order.
// Multiple Transfer events to the same recipient in one transaction are summed.
func (g *EVMGateway) collectTransfers(logs []types.Log, recipient common.Address, head uint64) []Transfer {
	var transfers []Transfer
	byHash := make(map[common.Hash]int)

	for _, lg := range logs {
		if lg.Removed || lg.Address != g.token {
			continue
		}
		parsed, ok := parseTransferLog(lg)
		if !ok || parsed.to != recipient {
			g.logger.Debug("Skipping unrecognised log", zap.String("tx_hash", lg.TxHash.Hex()), zap.Uint("log_index", lg.Index))
			continue
		}

		amount := money.FromBaseUnits(parsed.value, g.decimals)
		if i, seen := byHash[lg.TxHash]; seen {
			transfers[i].Amount = transfers[i].Amount.Add(amount)
			continue
		}

		byHash[lg.TxHash] = len(transfers)
		transfers = append(transfers, Transfer{
			TxHash:        lg.TxHash.Hex(),
			From:          parsed.from.Hex(),
			To:            parsed.to.Hex(),
			Amount:        amount,
			BlockNumber:   lg.BlockNumber,
			Confirmations: confirmations(head, lg.BlockNumber),
		})
	}

	return transfers
}

func confirmations(head, block uint64) uint64 {
	if block > head {
		return 0
	}
	return head - block + 1
}

func (g *EVMGateway) TokenBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	data, err := erc20ABI.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &g.token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	var balance *big.Int
	if err := erc20ABI.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return decimal.Zero, fmt.Errorf("failed to unpack balanceOf result: %w", err)
	}

	return money.FromBaseUnits(balance, g.decimals), nil
}

func (g *EVMGateway) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	wei, err := g.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get native balance: %w", err)
	}
	return money.FromBaseUnits(wei, nativeDecimals), nil
}

// SubmitTransfer signs and broadcasts an ERC-20 transfer of amount from the key's
// address. It returns once the node accepts the transaction.
func (g *EVMGateway) SubmitTransfer(ctx context.Context, key *ecdsa.PrivateKey, from, to string, amount decimal.Decimal) (string, error) {
	if !common.IsHexAddress(from) || !common.IsHexAddress(to) {
		return "", fmt.Errorf("%w: %q -> %q", ErrInvalidAddress, from, to)
	}
	sender := common.HexToAddress(from)
	if crypto.PubkeyToAddress(key.PublicKey) != sender {
		return "", fmt.Errorf("signing key does not control %s", sender.Hex())
	}

	value := money.ToBaseUnits(amount, g.decimals)
	if value.Sign() <= 0 {
		return "", fmt.Errorf("transfer amount must be positive, got %s", amount)
	}

	data, err := erc20ABI.Pack("transfer", common.HexToAddress(to), value)
	if err != nil {
		return "", fmt.Errorf("failed to pack transfer call: %w", err)
	}

	nonce, err := g.client.PendingNonceAt(ctx, sender)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce from blockchain: %w", err)
	}

	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price from blockchain: %w", err)
	}

	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{From: sender, To: &g.token, Data: data})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}

	wei, err := g.client.BalanceAt(ctx, sender, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get native balance: %w", err)
	}
	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	if wei.Cmp(fee) < 0 {
		return "", fmt.Errorf("%w: have %s wei, need %s wei", ErrInsufficientGas, wei, fee)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &g.token,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	g.logger.Info("Submitted token transfer",
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.String("from", sender.Hex()),
		zap.String("to", to),
		zap.String("amount", amount.String()),
		zap.Uint64("nonce", nonce))
	return signed.Hash().Hex(), nil
}

// GetTransferByHash returns the token transferred to the given recipient by txHash,
// summed over every Transfer log paying it. Unknown, pending and reverted transactions,
// and transactions without a token transfer, yield ErrNotFound. A transaction whose
// token transfers all pay other addresses yields ErrRecipientMismatch.
func (g *EVMGateway) GetTransferByHash(ctx context.Context, txHash, to string) (*Transfer, error) {
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, to)
	}
	hash := common.HexToHash(txHash)
	recipient := common.HexToAddress(to)

	receipt, err := g.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, ErrNotFound
	}

	var found *Transfer
	tokenLogs := 0
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != g.token {
			continue
		}
		parsed, ok := parseTransferLog(*lg)
		if !ok {
			continue
		}
		tokenLogs++
		if parsed.to != recipient {
			continue
		}
		amount := money.FromBaseUnits(parsed.value, g.decimals)
		if found == nil {
			found = &Transfer{
				TxHash:      hash.Hex(),
				From:        parsed.from.Hex(),
				To:          parsed.to.Hex(),
				Amount:      amount,
				BlockNumber: receipt.BlockNumber.Uint64(),
			}
			continue
		}
		found.Amount = found.Amount.Add(amount)
	}
	if found == nil {
		if tokenLogs > 0 {
			return nil, fmt.Errorf("%w: %s", ErrRecipientMismatch, recipient.Hex())
		}
		return nil, ErrNotFound
	}

	head, err := g.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}
	found.Confirmations = confirmations(head, found.BlockNumber)

	header, err := g.client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", found.BlockNumber, err)
	}
	found.BlockTimestamp = time.Unix(int64(header.Time), 0).UTC()

	return found, nil
}
