package web3

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"SoroTask/internal/task"
)

// ChainHost is a task.Host bound to a single chain.
type ChainHost interface {
	task.Host
	// BlockTimestamp returns the timestamp of the latest block.
	BlockTimestamp(ctx context.Context) (uint64, error)
	Close()
}

// Identity is a contract address optionally qualified with a chain name,
// written as "name:0x..." or a bare "0x...".
type Identity struct {
	Chain   string
	Address common.Address
}

// ParseIdentity splits a chain-qualified identity and validates the address.
func ParseIdentity(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	var id Identity
	if idx := strings.LastIndex(raw, ":"); idx >= 0 {
		id.Chain = strings.TrimSpace(raw[:idx])
		raw = strings.TrimSpace(raw[idx+1:])
		if id.Chain == "" {
			return Identity{}, fmt.Errorf("身份 %q 缺少链名称", raw)
		}
	}
	if !common.IsHexAddress(raw) {
		return Identity{}, fmt.Errorf("%q 不是合法的合约地址", raw)
	}
	id.Address = common.HexToAddress(raw)
	return id, nil
}

// String renders the identity in its canonical form.
func (i Identity) String() string {
	if i.Chain == "" {
		return i.Address.Hex()
	}
	return i.Chain + ":" + i.Address.Hex()
}

// BlockClock reports the latest block timestamp of a chain as the task clock.
type BlockClock struct {
	Host ChainHost
}

// Now implements task.Clock.
func (c BlockClock) Now(ctx context.Context) (uint64, error) {
	if c.Host == nil {
		return 0, fmt.Errorf("未配置区块时钟所用的链")
	}
	return c.Host.BlockTimestamp(ctx)
}

var _ task.Clock = BlockClock{}
