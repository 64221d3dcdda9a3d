package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"custody/apps/custody/internal/money"
)

// ExplorerLister lists token transfers through an Etherscan-compatible "tokentx" API.
type ExplorerLister struct {
	client   *resty.Client
	apiKey   string
	token    common.Address
	decimals int32
	logger   *zap.Logger
}

func NewExplorerLister(baseURL, apiKey, tokenContract string, decimals int32, logger *zap.Logger) *ExplorerLister {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Accept", "application/json")

	return &ExplorerLister{
		client:   client,
		apiKey:   apiKey,
		token:    common.HexToAddress(tokenContract),
		decimals: decimals,
		logger:   logger,
	}
}

type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type explorerTransfer struct {
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	ContractAddress string `json:"contractAddress"`
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Confirmations   string `json:"confirmations"`
}

func (e *ExplorerLister) ListIncomingTransfers(ctx context.Context, address string, limit int) ([]Transfer, error) {
	resp, err := e.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"module":          "account",
			"action":          "tokentx",
			"contractaddress": e.token.Hex(),
			"address":         address,
			"page":            "1",
			"offset":          strconv.Itoa(limit),
			"sort":            "desc",
			"apikey":          e.apiKey,
		}).
		Get("")
	if err != nil {
		return nil, fmt.Errorf("failed to query explorer: %w", err)
	}
	if resp.StatusCode() == 429 || resp.StatusCode() >= 500 {
		return nil, fmt.Errorf("explorer returned status %d", resp.StatusCode())
	}

	var body explorerResponse
	var rows []explorerTransfer
	if resp.StatusCode() != 200 || json.Unmarshal(resp.Body(), &body) != nil || json.Unmarshal(body.Result, &rows) != nil {
		// "No transactions found" and rate-limit notices arrive as a string result
		e.logger.Debug("Explorer returned no usable transfers",
			zap.String("address", address),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("message", body.Message))
		return nil, nil
	}

	recipient := common.HexToAddress(address)
	transfers := make([]Transfer, 0, len(rows))
	byHash := make(map[string]int, len(rows))
	// Rows are newest first and one per log; the gateway contract is oldest first
	// and one per transaction.
	for i := len(rows) - 1; i >= 0; i-- {
		t, ok := e.parse(rows[i])
		if !ok || common.HexToAddress(t.To) != recipient {
			continue
		}
		if j, seen := byHash[t.TxHash]; seen {
			transfers[j].Amount = transfers[j].Amount.Add(t.Amount)
			continue
		}
		byHash[t.TxHash] = len(transfers)
		transfers = append(transfers, t)
	}
	return transfers, nil
}

func (e *ExplorerLister) parse(row explorerTransfer) (Transfer, bool) {
	if !strings.EqualFold(row.ContractAddress, e.token.Hex()) || len(row.Hash) != 66 ||
		!common.IsHexAddress(row.From) || !common.IsHexAddress(row.To) {
		return Transfer{}, false
	}

	value, ok := new(big.Int).SetString(row.Value, 10)
	if !ok || value.Sign() < 0 {
		return Transfer{}, false
	}
	block, err := strconv.ParseUint(row.BlockNumber, 10, 64)
	if err != nil {
		return Transfer{}, false
	}
	ts, err := strconv.ParseInt(row.TimeStamp, 10, 64)
	if err != nil {
		return Transfer{}, false
	}
	confs, _ := strconv.ParseUint(row.Confirmations, 10, 64)

	return Transfer{
		TxHash:         common.HexToHash(row.Hash).Hex(),
		From:           common.HexToAddress(row.From).Hex(),
		To:             common.HexToAddress(row.To).Hex(),
		Amount:         money.FromBaseUnits(value, e.decimals),
		BlockNumber:    block,
		BlockTimestamp: time.Unix(ts, 0).UTC(),
		Confirmations:  confs,
	}, true
}
