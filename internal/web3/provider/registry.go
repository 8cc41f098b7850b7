package provider

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"UPAgent-Chain/internal/config"
	xerrors "UPAgent-Chain/internal/errors"
	"UPAgent-Chain/internal/web3"
	"UPAgent-Chain/internal/web3/ethereum"
)

// Registry manages a set of network clients keyed by human readable names.
type Registry struct {
	defaultNetwork string
	clients        map[string]web3.Client
}

// NewRegistry 读取配置中的网络列表并逐一建连。代理私钥从
// cfg.AgentKeyEnv 指定的环境变量读取，所有网络共用同一把密钥。
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	keyHex := strings.TrimSpace(os.Getenv(cfg.AgentKeyEnv))
	if keyHex == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("环境变量 %s 未设置代理私钥", cfg.AgentKeyEnv))
	}

	clients := make(map[string]web3.Client)
	for _, network := range cfg.Networks {
		name := strings.TrimSpace(network.Name)
		if name == "" {
			continue
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:    name,
			RPCURL:  network.RPCURL,
			ChainID: network.ChainID,
			KeyHex:  keyHex,
			Notes:   network.Notes,
		})
		if err != nil {
			for _, ready := range clients {
				ready.Close()
			}
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err,
				fmt.Sprintf("初始化网络 %s 失败", name))
		}
		clients[name] = client
	}
	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何网络的 RPC 端点")
	}

	defaultNetwork := cfg.DefaultNetwork
	if defaultNetwork == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultNetwork = names[0]
	}
	if _, ok := clients[defaultNetwork]; !ok {
		return nil, xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("默认网络 %s 未在配置中找到", defaultNetwork))
	}

	return &Registry{defaultNetwork: defaultNetwork, clients: clients}, nil
}

// DefaultClient returns the client configured as default network.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的网络客户端注册表")
	}
	client, ok := r.clients[r.defaultNetwork]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("默认网络 %s 未在注册表中", r.defaultNetwork))
	}
	return client, nil
}

// Client returns the network client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Networks returns the list of registered network names.
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
