package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "SoroTask/internal/errors"
	"SoroTask/internal/task"
	"SoroTask/internal/web3"
)

// DefaultResolverSignature is the Solidity function a resolver contract exposes
// for the condition check.
const DefaultResolverSignature = "checkCondition(bytes)"

// Backend is the subset of the JSON-RPC surface the host needs.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config describes how to construct an EVM host.
type Config struct {
	Name   string
	RPCURL string
	// ChainID, when non-zero, must match the id reported by the node.
	ChainID int64
	// PrivateKey is a hex encoded secp256k1 key; Invoke fails without it.
	PrivateKey        string
	GasLimit          uint64
	ResolverSignature string
	ReceiptTimeout    time.Duration
	PollInterval      time.Duration
}

// Host evaluates resolvers with eth_call and invokes targets with signed
// transactions on a single EVM chain.
type Host struct {
	name     string
	backend  Backend
	closer   func()
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address
	resolver abi.Method
	gasLimit uint64
	timeout  time.Duration
	poll     time.Duration

	// sendMu 串行化 nonce 获取与交易发送。
	sendMu sync.Mutex
}

// NewHost dials the configured RPC endpoint and returns a ready-to-use host.
func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "连接以太坊节点失败")
	}
	eth := ethclient.NewClient(rpcClient)
	host, err := NewHostWithBackend(ctx, eth, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	host.closer = eth.Close
	return host, nil
}

// NewHostWithBackend wraps an existing backend, e.g. a test double.
func NewHostWithBackend(ctx context.Context, backend Backend, cfg Config) (*Host, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供链访问后端")
	}
	signature := cfg.ResolverSignature
	if strings.TrimSpace(signature) == "" {
		signature = DefaultResolverSignature
	}
	resolver, err := parseSignature(signature, "bool")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "resolver 签名配置错误")
	}
	if len(resolver.Inputs) != 1 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("resolver 签名 %s 必须恰好接收一个参数", signature))
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
	}
	if cfg.ChainID != 0 && chainID.Cmp(big.NewInt(cfg.ChainID)) != 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("链 %s 的节点返回 chain id %s，与配置的 %d 不一致", cfg.Name, chainID, cfg.ChainID))
	}

	h := &Host{
		name:     cfg.Name,
		backend:  backend,
		chainID:  chainID,
		resolver: resolver,
		gasLimit: cfg.GasLimit,
		timeout:  cfg.ReceiptTimeout,
		poll:     cfg.PollInterval,
	}
	if h.timeout <= 0 {
		h.timeout = 2 * time.Minute
	}
	if h.poll <= 0 {
		h.poll = time.Second
	}
	if raw := strings.TrimSpace(cfg.PrivateKey); raw != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析签名私钥失败")
		}
		h.key = key
		h.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return h, nil
}

// KeyFromEnv reads a signer key from the named environment variable.
func KeyFromEnv(name string) string {
	if strings.TrimSpace(name) == "" {
		return ""
	}
	return os.Getenv(name)
}

// Name returns the chain name.
func (h *Host) Name() string { return h.name }

// From returns the signer address, zero when no key is configured.
func (h *Host) From() common.Address { return h.from }

// TryInvoke performs a read-only eth_call. The condition check is routed to
// the configured resolver signature and must return a single bool.
func (h *Host) TryInvoke(ctx context.Context, target, function string, args []task.Value) (task.Value, error) {
	to, err := h.address(target)
	if err != nil {
		return task.Value{}, err
	}

	method := h.resolver
	var data []byte
	if function == task.ConditionFunction {
		data, err = h.packCondition(args)
	} else {
		method, err = parseSignature(function)
		if err == nil {
			data, err = packCall(method, args)
		}
	}
	if err != nil {
		return task.Value{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码调用数据失败")
	}

	output, err := h.backend.CallContract(ctx, gethcore.CallMsg{From: h.from, To: &to, Data: data}, nil)
	if err != nil {
		return task.Value{}, xerrors.Wrap(xerrors.CodeChainFailure, err, fmt.Sprintf("eth_call %s 失败", method.Sig))
	}
	if len(method.Outputs) == 0 {
		return task.Bytes(output), nil
	}
	values, err := method.Outputs.Unpack(output)
	if err != nil {
		return task.Value{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "解码返回值失败")
	}
	if len(values) != 1 {
		return task.Value{}, xerrors.New(xerrors.CodeChainFailure, "返回值数量不正确")
	}
	ok, isBool := values[0].(bool)
	if !isBool {
		return task.Value{}, xerrors.New(xerrors.CodeChainFailure, "返回值不是 bool")
	}
	return task.Bool(ok), nil
}

// packCondition 将唯一的列表参数编码为 resolver 的输入。
// 参数类型为 bytes 时按元素的自然类型 abi.encode，否则逐元素转换为参数类型。
func (h *Host) packCondition(args []task.Value) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("条件检查只接收一个参数，实际为 %d", len(args))
	}
	param := h.resolver.Inputs[0].Type
	if param.T != abi.BytesTy {
		return packCall(h.resolver, args)
	}
	items, ok := args[0].AsList()
	if !ok {
		return nil, errors.New("条件检查的参数必须是列表")
	}
	encoded, err := encodeNatural(items)
	if err != nil {
		return nil, err
	}
	return packCall(h.resolver, []task.Value{task.Bytes(encoded)})
}

// Invoke sends a signed legacy transaction calling function on target and
// waits for its receipt. A reverted transaction is reported as an error.
func (h *Host) Invoke(ctx context.Context, target, function string, args []task.Value) (task.Value, error) {
	if h.key == nil {
		return task.Value{}, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("链 %s 未配置签名私钥", h.name))
	}
	to, err := h.address(target)
	if err != nil {
		return task.Value{}, err
	}
	method, err := parseSignature(function)
	if err != nil {
		return task.Value{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析目标函数失败")
	}
	data, err := packCall(method, args)
	if err != nil {
		return task.Value{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码调用数据失败")
	}

	signed, err := h.send(ctx, to, data)
	if err != nil {
		return task.Value{}, err
	}
	receipt, err := h.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return task.Value{}, err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return task.Value{}, xerrors.New(xerrors.CodeChainFailure,
			fmt.Sprintf("交易 %s 执行失败", signed.Hash().Hex()),
			xerrors.WithMetadata("tx_hash", signed.Hash().Hex()))
	}
	return task.Value{}, nil
}

func (h *Host) send(ctx context.Context, to common.Address, data []byte) (*coretypes.Transaction, error) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	nonce, err := h.backend.PendingNonceAt(ctx, h.from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取 nonce 失败")
	}
	gasPrice, err := h.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取 gas price 失败")
	}
	gas := h.gasLimit
	if gas == 0 {
		gas, err = h.backend.EstimateGas(ctx, gethcore.CallMsg{From: h.from, To: &to, Data: data})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "估算 gas 失败")
		}
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(h.chainID), h.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "签名交易失败")
	}
	if err := h.backend.SendTransaction(ctx, signed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "发送交易失败")
	}
	return signed, nil
}

func (h *Host) waitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()
	for {
		receipt, err := h.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询交易回执失败")
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), fmt.Sprintf("等待交易 %s 上链超时", hash.Hex()))
		case <-ticker.C:
		}
	}
}

// BlockTimestamp returns the timestamp of the latest block header.
func (h *Host) BlockTimestamp(ctx context.Context) (uint64, error) {
	header, err := h.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块失败")
	}
	return header.Time, nil
}

// Close releases the RPC connection.
func (h *Host) Close() {
	if h != nil && h.closer != nil {
		h.closer()
		h.closer = nil
	}
}

func (h *Host) address(identity string) (common.Address, error) {
	id, err := web3.ParseIdentity(identity)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析合约身份失败")
	}
	if id.Chain != "" && h.name != "" && id.Chain != h.name {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 不属于链 %s", identity, h.name))
	}
	return id.Address, nil
}

var _ web3.ChainHost = (*Host)(nil)
