package ethereum

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "SoroTask/internal/errors"
	"SoroTask/internal/task"
	"SoroTask/internal/web3"
)

const targetHex = "0x00000000000000000000000000000000000000aa"

type fakeBackend struct {
	mu            sync.Mutex
	chainID       *big.Int
	callOutput    []byte
	callErr       error
	calls         []gethcore.CallMsg
	sent          []*coretypes.Transaction
	nonce         uint64
	estimate      uint64
	receiptStatus uint64
	notFoundLeft  int
	headerTime    uint64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{chainID: big.NewInt(1337), estimate: 50_000, receiptStatus: coretypes.ReceiptStatusSuccessful}
}

func (f *fakeBackend) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	return f.callOutput, f.callErr
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return f.estimate, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notFoundLeft > 0 {
		f.notFoundLeft--
		return nil, gethcore.NotFound
	}
	return &coretypes.Receipt{TxHash: hash, Status: f.receiptStatus}, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{Number: big.NewInt(10), Time: f.headerTime}, nil
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

func mustPack(t *testing.T, types []string, values ...any) []byte {
	t.Helper()
	args, err := buildArguments(types)
	if err != nil {
		t.Fatalf("build arguments: %v", err)
	}
	packed, err := args.Pack(values...)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return packed
}

func newTestHost(t *testing.T, backend *fakeBackend, cfg Config) *Host {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "local"
	}
	cfg.PollInterval = time.Millisecond
	host, err := NewHostWithBackend(context.Background(), backend, cfg)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	return host
}

func TestTryInvokeConditionEncodesArgsAsBytes(t *testing.T) {
	backend := newFakeBackend()
	backend.callOutput = mustPack(t, []string{"bool"}, true)
	host := newTestHost(t, backend, Config{})

	peer := "0x00000000000000000000000000000000000000bb"
	args := []task.Value{task.List(task.Int(3), task.Address(peer))}
	result, err := host.TryInvoke(context.Background(), "local:"+targetHex, task.ConditionFunction, args)
	if err != nil {
		t.Fatalf("try invoke: %v", err)
	}
	if ok, isBool := result.AsBool(); !isBool || !ok {
		t.Fatalf("expected true, got %s", result)
	}

	inner := mustPack(t, []string{"int256", "address"}, big.NewInt(3), common.HexToAddress(peer))
	want := append(crypto.Keccak256([]byte("checkCondition(bytes)"))[:4], mustPack(t, []string{"bytes"}, inner)...)
	call := backend.calls[0]
	if !bytes.Equal(call.Data, want) {
		t.Fatalf("unexpected calldata:\n got %x\nwant %x", call.Data, want)
	}
	if *call.To != common.HexToAddress(targetHex) {
		t.Fatalf("unexpected target %s", call.To.Hex())
	}
}

func TestTryInvokeConditionWithArrayParameter(t *testing.T) {
	backend := newFakeBackend()
	backend.callOutput = mustPack(t, []string{"bool"}, false)
	host := newTestHost(t, backend, Config{ResolverSignature: "shouldRun(uint256[])"})

	result, err := host.TryInvoke(context.Background(), targetHex, task.ConditionFunction,
		[]task.Value{task.List(task.Int(1), task.Int(2))})
	if err != nil {
		t.Fatalf("try invoke: %v", err)
	}
	if ok, isBool := result.AsBool(); !isBool || ok {
		t.Fatalf("expected false, got %s", result)
	}
	decoded, err := host.resolver.Inputs.Unpack(backend.calls[0].Data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	values := decoded[0].([]*big.Int)
	if len(values) != 2 || values[1].Int64() != 2 {
		t.Fatalf("unexpected decoded args: %v", values)
	}
}

func TestTryInvokeFailures(t *testing.T) {
	backend := newFakeBackend()
	backend.callErr = errors.New("execution reverted")
	host := newTestHost(t, backend, Config{})
	args := []task.Value{task.List()}

	if _, err := host.TryInvoke(context.Background(), targetHex, task.ConditionFunction, args); xerrors.CodeOf(err) != xerrors.CodeChainFailure {
		t.Fatalf("expected chain failure, got %v", err)
	}

	backend.callErr = nil
	backend.callOutput = nil
	if _, err := host.TryInvoke(context.Background(), targetHex, task.ConditionFunction, args); err == nil {
		t.Fatal("expected error for empty return data")
	}
	if _, err := host.TryInvoke(context.Background(), "other:"+targetHex, task.ConditionFunction, args); err == nil {
		t.Fatal("expected error for identity on another chain")
	}
}

func TestInvokeSendsSignedTransaction(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	backend := newFakeBackend()
	backend.nonce = 4
	backend.notFoundLeft = 2
	host := newTestHost(t, backend, Config{PrivateKey: common.Bytes2Hex(crypto.FromECDSA(key)), GasLimit: 90_000})

	if _, err := host.Invoke(context.Background(), targetHex, "increment(uint256)", []task.Value{task.Int(5)}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(big.NewInt(1337)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != crypto.PubkeyToAddress(key.PublicKey) || sender != host.From() {
		t.Fatalf("unexpected sender %s", sender.Hex())
	}
	if tx.Nonce() != 4 || tx.Gas() != 90_000 || *tx.To() != common.HexToAddress(targetHex) {
		t.Fatalf("unexpected tx fields: nonce=%d gas=%d to=%s", tx.Nonce(), tx.Gas(), tx.To().Hex())
	}
	want := append(crypto.Keccak256([]byte("increment(uint256)"))[:4], mustPack(t, []string{"uint256"}, big.NewInt(5))...)
	if !bytes.Equal(tx.Data(), want) {
		t.Fatalf("unexpected calldata %x", tx.Data())
	}
}

func TestInvokeFailures(t *testing.T) {
	backend := newFakeBackend()
	unsigned := newTestHost(t, backend, Config{})
	if _, err := unsigned.Invoke(context.Background(), targetHex, "ping()", nil); err == nil {
		t.Fatal("expected error without signer key")
	}

	key, _ := crypto.GenerateKey()
	backend.receiptStatus = coretypes.ReceiptStatusFailed
	host := newTestHost(t, backend, Config{PrivateKey: "0x" + common.Bytes2Hex(crypto.FromECDSA(key))})
	_, err := host.Invoke(context.Background(), targetHex, "ping()", nil)
	if xerrors.CodeOf(err) != xerrors.CodeChainFailure {
		t.Fatalf("expected reverted transaction to fail, got %v", err)
	}
	if backend.sent[0].Gas() != 50_000 {
		t.Fatalf("expected estimated gas, got %d", backend.sent[0].Gas())
	}

	if _, err := host.Invoke(context.Background(), targetHex, "ping(uint8)", []task.Value{task.Int(300)}); err == nil {
		t.Fatal("expected out of range argument to fail")
	}
	if _, err := host.Invoke(context.Background(), targetHex, "ping", nil); err == nil {
		t.Fatal("expected malformed signature to fail")
	}
}

func TestNewHostValidatesChainID(t *testing.T) {
	_, err := NewHostWithBackend(context.Background(), newFakeBackend(), Config{Name: "local", ChainID: 1})
	if err == nil {
		t.Fatal("expected chain id mismatch")
	}
	_, err = NewHostWithBackend(context.Background(), newFakeBackend(), Config{ResolverSignature: "check(bool,bool)"})
	if err == nil {
		t.Fatal("expected resolver signature with two parameters to be rejected")
	}
}

func TestBlockClock(t *testing.T) {
	backend := newFakeBackend()
	backend.headerTime = 1_700_000_123
	host := newTestHost(t, backend, Config{})
	now, err := web3.BlockClock{Host: host}.Now(context.Background())
	if err != nil || now != 1_700_000_123 {
		t.Fatalf("unexpected block time %d %v", now, err)
	}
}

func TestConvertValue(t *testing.T) {
	mustType := func(s string) abi.Type {
		typ, err := abi.NewType(s, "", nil)
		if err != nil {
			t.Fatalf("type %s: %v", s, err)
		}
		return typ
	}
	cases := []struct {
		name    string
		value   task.Value
		typ     string
		wantErr bool
	}{
		{name: "uint8", value: task.Int(255), typ: "uint8"},
		{name: "uint8 overflow", value: task.Int(256), typ: "uint8", wantErr: true},
		{name: "uint negative", value: task.Int(-1), typ: "uint256", wantErr: true},
		{name: "int8 min", value: task.Int(-128), typ: "int8"},
		{name: "int8 underflow", value: task.Int(-129), typ: "int8", wantErr: true},
		{name: "bytes4", value: task.Bytes([]byte{1, 2, 3, 4}), typ: "bytes4"},
		{name: "bytes4 size", value: task.Bytes([]byte{1}), typ: "bytes4", wantErr: true},
		{name: "address from string", value: task.String(targetHex), typ: "address"},
		{name: "address invalid", value: task.String("nope"), typ: "address", wantErr: true},
		{name: "fixed array", value: task.List(task.Bool(true), task.Bool(false)), typ: "bool[2]"},
		{name: "fixed array size", value: task.List(task.Bool(true)), typ: "bool[2]", wantErr: true},
		{name: "kind mismatch", value: task.String("1"), typ: "uint256", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			typ := mustType(tc.typ)
			converted, err := convertValue(tc.value, typ)
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error: %v", err)
			}
			if err == nil {
				if _, err := (abi.Arguments{{Type: typ}}).Pack(converted); err != nil {
					t.Fatalf("converted value does not pack: %v", err)
				}
			}
		})
	}
}

func TestNaturalTypeRejectsMixedLists(t *testing.T) {
	if _, err := encodeNatural([]task.Value{task.List(task.Int(1), task.String("x"))}); err == nil {
		t.Fatal("expected mixed list to be rejected")
	}
	if _, err := encodeNatural([]task.Value{task.List(task.Int(1), task.Int(2)), task.Bool(true)}); err != nil {
		t.Fatalf("uniform nested list: %v", err)
	}
}
