package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// NetworkDefinitions models the structure of configs/networks.yaml.
type NetworkDefinitions struct {
	Default  string                       `yaml:"default"`
	Networks map[string]NetworkDefinition `yaml:"networks"`
}

// NetworkDefinition describes a single RPC endpoint / chain id pair.
type NetworkDefinition struct {
	RPCURL      string `yaml:"rpc_url"`
	ChainID     int64  `yaml:"chain_id"`
	Explorer    string `yaml:"explorer"`
	Description string `yaml:"description"`
}

// LoadNetworks parses the YAML file containing network metadata. An empty
// path yields an empty set.
func LoadNetworks(path string) (NetworkDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return NetworkDefinitions{Networks: map[string]NetworkDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return NetworkDefinitions{}, fmt.Errorf("读取网络配置失败: %w", err)
	}
	return ParseNetworks(content)
}

// ParseNetworks decodes network definitions from YAML bytes.
func ParseNetworks(content []byte) (NetworkDefinitions, error) {
	var defs NetworkDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return NetworkDefinitions{}, fmt.Errorf("解析网络配置失败: %w", err)
	}
	if defs.Networks == nil {
		defs.Networks = map[string]NetworkDefinition{}
	}
	for name, def := range defs.Networks {
		if strings.TrimSpace(def.RPCURL) == "" {
			return NetworkDefinitions{}, fmt.Errorf("网络 %s 缺少 rpc_url", name)
		}
		if def.ChainID <= 0 {
			return NetworkDefinitions{}, fmt.Errorf("网络 %s 的 chain_id 无效: %d", name, def.ChainID)
		}
	}
	if defs.Default != "" {
		if _, ok := defs.Networks[defs.Default]; !ok {
			return NetworkDefinitions{}, fmt.Errorf("默认网络 %s 未定义", defs.Default)
		}
	}
	return defs, nil
}

// Names returns the defined network names in sorted order.
func (d NetworkDefinitions) Names() []string {
	names := make([]string, 0, len(d.Networks))
	for name := range d.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
