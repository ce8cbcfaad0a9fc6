package EVMRPC

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// bridge token ABI, only what the relay needs
const BridgeTokenABI = `[
	{"type":"event","name":"TokensBurned","anonymous":false,"inputs":[
		{"name":"user","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"TokensMinted","anonymous":false,"inputs":[
		{"name":"user","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[
		{"name":"to","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"burnFrom","stateMutability":"nonpayable","inputs":[
		{"name":"user","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var bridgeABI abi.ABI

// TokensBurnedTopic is topic0 of TokensBurned(address,uint256)
var TokensBurnedTopic common.Hash

func init() {
	parsed, err := abi.JSON(strings.NewReader(BridgeTokenABI))
	if err != nil {
		panic(fmt.Sprintf("bridge token abi: %s", err))
	}
	bridgeABI = parsed
	TokensBurnedTopic = bridgeABI.Events["TokensBurned"].ID
}

var ErrNotBurnEvent = errors.New("log is not a TokensBurned event")

type BurnEvent struct {
	User        common.Address
	Amount      *big.Int
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

func DecodeBurn(l ethtypes.Log) (*BurnEvent, error) {
	if len(l.Topics) < 2 || l.Topics[0] != TokensBurnedTopic {
		return nil, ErrNotBurnEvent
	}
	values, err := bridgeABI.Unpack("TokensBurned", l.Data)
	if err != nil {
		return nil, fmt.Errorf("cannot unpack TokensBurned in %s: %w", l.TxHash.Hex(), err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected TokensBurned data in %s", l.TxHash.Hex())
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected TokensBurned amount type %T", values[0])
	}
	return &BurnEvent{
		User:        common.BytesToAddress(l.Topics[1].Bytes()),
		Amount:      amount,
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
	}, nil
}

// PackMint encodes mint(to, amount) call data.
func PackMint(to common.Address, amount *big.Int) ([]byte, error) {
	return bridgeABI.Pack("mint", to, amount)
}

// BurnLog builds a TokensBurned log, used by tests and tooling.
func BurnLog(contract common.Address, user common.Address, amount *big.Int, txHash common.Hash, block uint64) ethtypes.Log {
	data, err := bridgeABI.Events["TokensBurned"].Inputs.NonIndexed().Pack(amount)
	if err != nil {
		panic(err)
	}
	return ethtypes.Log{
		Address:     contract,
		Topics:      []common.Hash{TokensBurnedTopic, common.BytesToHash(user.Bytes())},
		Data:        data,
		TxHash:      txHash,
		BlockNumber: block,
	}
}
