package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type   string `yaml:"type"`
	RPCURL string `yaml:"rpc_url"`
	// ChainID is optional; when set it must match the id reported by the node.
	ChainID int64 `yaml:"chain_id"`
	// PrivateKeyEnv names the environment variable holding the signer key.
	PrivateKeyEnv string `yaml:"private_key_env"`
	GasLimit      uint64 `yaml:"gas_limit"`
	Description   string `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name := range defs.Chains {
		if strings.Contains(name, ":") {
			return ChainDefinitions{}, fmt.Errorf("链名称 %q 不能包含冒号", name)
		}
	}
	return defs, nil
}
