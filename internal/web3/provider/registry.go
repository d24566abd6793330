package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"Monad-Automation/internal/config"
	"Monad-Automation/internal/web3"
	"Monad-Automation/internal/web3/ethereum"
)

// Registry resolves the single network the daemon talks to. Definitions may
// list several networks, but only the selected one is dialed.
type Registry struct {
	defs     web3.NetworkDefinitions
	selected string
}

// NewRegistry loads network definitions and falls back to the inline
// network block of the configuration.
func NewRegistry(cfg config.NetworkConfig) (*Registry, error) {
	defs, err := web3.LoadNetworks(cfg.NetworksFile)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.RPCURL) != "" {
		name := cfg.Name
		if name == "" {
			name = "default"
		}
		if _, exists := defs.Networks[name]; !exists {
			defs.Networks[name] = web3.NetworkDefinition{RPCURL: cfg.RPCURL, ChainID: cfg.ChainID}
		}
	}
	if len(defs.Networks) == 0 {
		return nil, errors.New("未配置任何网络的 RPC 端点")
	}

	selected := strings.TrimSpace(cfg.Name)
	if _, ok := defs.Networks[selected]; !ok {
		selected = defs.Default
	}
	if selected == "" {
		selected = defs.Names()[0]
	}
	if _, ok := defs.Networks[selected]; !ok {
		return nil, fmt.Errorf("网络 %s 未在配置中找到", selected)
	}
	return &Registry{defs: defs, selected: selected}, nil
}

// Selected returns the name and definition of the network to dial.
func (r *Registry) Selected() (string, web3.NetworkDefinition) {
	return r.selected, r.defs.Networks[r.selected]
}

// Networks returns every known network name.
func (r *Registry) Networks() []string {
	return r.defs.Names()
}

// Dial connects a gateway to the selected network using the gas policy from
// the configuration.
func (r *Registry) Dial(ctx context.Context, network config.NetworkConfig, gas config.GasConfig) (*ethereum.Gateway, error) {
	name, def := r.Selected()
	return ethereum.Dial(ctx, ethereum.Config{
		Name:            name,
		RPCURL:          def.RPCURL,
		ChainID:         def.ChainID,
		GasMultiplier:   gas.Multiplier,
		DefaultGasPrice: gas.DefaultGasPrice(),
		DefaultGasLimit: gas.DefaultLimit,
		RequestTimeout:  network.RequestTimeout.Std(),
	})
}
