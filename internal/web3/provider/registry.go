package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"SoroTask/internal/config"
	xerrors "SoroTask/internal/errors"
	"SoroTask/internal/task"
	"SoroTask/internal/web3"
	"SoroTask/internal/web3/ethereum"
)

// Registry manages a set of chain hosts keyed by human readable names and
// routes task calls to the chain named in each contract identity.
type Registry struct {
	defaultChain string
	hosts        map[string]web3.ChainHost
}

// NewRegistry loads chain definitions and instantiates concrete hosts.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	hosts := make(map[string]web3.ChainHost)
	closeAll := func() {
		for _, h := range hosts {
			h.Close()
		}
	}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			keyEnv := chain.PrivateKeyEnv
			if keyEnv == "" {
				keyEnv = cfg.PrivateKeyEnv
			}
			gasLimit := chain.GasLimit
			if gasLimit == 0 {
				gasLimit = cfg.GasLimit
			}
			host, err := ethereum.NewHost(ctx, ethereum.Config{
				Name:              name,
				RPCURL:            chain.RPCURL,
				ChainID:           chain.ChainID,
				PrivateKey:        ethereum.KeyFromEnv(keyEnv),
				GasLimit:          gasLimit,
				ResolverSignature: cfg.ResolverSignature,
				ReceiptTimeout:    cfg.ReceiptTimeout,
			})
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			hosts[name] = host
		default:
			closeAll()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(hosts) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		host, err := ethereum.NewHost(ctx, ethereum.Config{
			Name:              "default",
			RPCURL:            cfg.RPCURL,
			PrivateKey:        ethereum.KeyFromEnv(cfg.PrivateKeyEnv),
			GasLimit:          cfg.GasLimit,
			ResolverSignature: cfg.ResolverSignature,
			ReceiptTimeout:    cfg.ReceiptTimeout,
		})
		if err != nil {
			return nil, err
		}
		hosts["default"] = host
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	registry, err := NewRegistryFromHosts(cfg.DefaultChain, hosts)
	if err != nil {
		closeAll()
		return nil, err
	}
	return registry, nil
}

// NewRegistryFromHosts builds a registry over already constructed hosts.
func NewRegistryFromHosts(defaultChain string, hosts map[string]web3.ChainHost) (*Registry, error) {
	if len(hosts) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何链的 RPC 端点")
	}
	if defaultChain == "" {
		names := make([]string, 0, len(hosts))
		for name := range hosts {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := hosts[defaultChain]; !ok {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("默认链 %s 未在配置中找到", defaultChain))
	}
	copied := make(map[string]web3.ChainHost, len(hosts))
	for name, host := range hosts {
		copied[name] = host
	}
	return &Registry{defaultChain: defaultChain, hosts: copied}, nil
}

// DefaultHost returns the host configured as default chain.
func (r *Registry) DefaultHost() (web3.ChainHost, error) {
	if r == nil {
		return nil, errors.New("未初始化的链注册表")
	}
	host, ok := r.hosts[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return host, nil
}

// Host returns the chain host identified by name.
func (r *Registry) Host(name string) (web3.ChainHost, bool) {
	if r == nil {
		return nil, false
	}
	host, ok := r.hosts[name]
	return host, ok
}

// TryInvoke routes a best-effort call to the chain named in target.
func (r *Registry) TryInvoke(ctx context.Context, target, function string, args []task.Value) (task.Value, error) {
	host, err := r.route(target)
	if err != nil {
		return task.Value{}, err
	}
	return host.TryInvoke(ctx, target, function, args)
}

// Invoke routes a strict call to the chain named in target.
func (r *Registry) Invoke(ctx context.Context, target, function string, args []task.Value) (task.Value, error) {
	host, err := r.route(target)
	if err != nil {
		return task.Value{}, err
	}
	return host.Invoke(ctx, target, function, args)
}

// Clock returns a clock reading the default chain's latest block timestamp.
func (r *Registry) Clock() (task.Clock, error) {
	host, err := r.DefaultHost()
	if err != nil {
		return nil, err
	}
	return web3.BlockClock{Host: host}, nil
}

func (r *Registry) route(target string) (web3.ChainHost, error) {
	id, err := web3.ParseIdentity(target)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析合约身份失败")
	}
	if id.Chain == "" {
		return r.DefaultHost()
	}
	host, ok := r.Host(id.Chain)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的链 %s", id.Chain))
	}
	return host, nil
}

// Close releases all hosts managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, host := range r.hosts {
		if host != nil {
			host.Close()
		}
		delete(r.hosts, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.hosts))
	for name := range r.hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ task.Host = (*Registry)(nil)
