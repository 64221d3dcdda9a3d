package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const ERC20ABI = `[
	{
		"constant": true,
		"inputs": [{"name": "_owner", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "balance", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [{"name": "_to", "type": "address"}, {"name": "_value", "type": "uint256"}],
		"name": "transfer",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "from", "type": "address"},
			{"indexed": true, "name": "to", "type": "address"},
			{"indexed": false, "name": "value", "type": "uint256"}
		],
		"name": "Transfer",
		"type": "event"
	}
]`

var TransferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var erc20ABI = mustParseABI(ERC20ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("failed to parse ERC20 ABI: %v", err))
	}
	return parsed
}

type transferLog struct {
	from  common.Address
	to    common.Address
	value *big.Int
}

// parseTransferLog decodes an ERC-20 Transfer log, reporting false for anything else.
func parseTransferLog(lg types.Log) (transferLog, bool) {
	if len(lg.Topics) != 3 || lg.Topics[0] != TransferEventSig || len(lg.Data) != 32 {
		return transferLog{}, false
	}
	return transferLog{
		from:  common.BytesToAddress(lg.Topics[1].Bytes()),
		to:    common.BytesToAddress(lg.Topics[2].Bytes()),
		value: new(big.Int).SetBytes(lg.Data),
	}, true
}
