package EVMRPC

import (
	"fmt"
	"math/big"

	"bridgerelay/config"

	"github.com/ethereum/go-ethereum/common"
)

// Network bundles everything needed to scan and mint on one chain.
type Network struct {
	Name     string
	ChainID  *big.Int
	Contract common.Address
	MintTo   string
	Client   ChainClient
	Signer   *Signer
}

// Networks is the startup-resolved table of configured networks,
// kept in configuration order.
type Networks struct {
	list   []*Network
	byName map[string]*Network
}

func NewNetworks(list ...*Network) *Networks {
	n := &Networks{byName: make(map[string]*Network, len(list))}
	for _, nw := range list {
		n.list = append(n.list, nw)
		n.byName[nw.Name] = nw
	}
	return n
}

// FromConfig dials nothing yet; RPC connections open on first use.
func FromConfig(cfg *config.Configuration, signer *Signer) (*Networks, error) {
	list := make([]*Network, 0, len(cfg.Networks))
	for _, nc := range cfg.Networks {
		client, err := NewClient(nc.Name, nc.RPCList)
		if err != nil {
			return nil, err
		}
		if !common.IsHexAddress(nc.ContractAddress) {
			return nil, fmt.Errorf("network %s: invalid contract address", nc.Name)
		}
		list = append(list, &Network{
			Name:     nc.Name,
			ChainID:  big.NewInt(nc.ChainID),
			Contract: common.HexToAddress(nc.ContractAddress),
			MintTo:   nc.MintTo,
			Client:   client,
			Signer:   signer,
		})
	}
	return NewNetworks(list...), nil
}

func (n *Networks) Get(name string) (*Network, bool) {
	nw, ok := n.byName[name]
	return nw, ok
}

func (n *Networks) All() []*Network {
	return n.list
}

func (n *Networks) Names() []string {
	names := make([]string, 0, len(n.list))
	for _, nw := range n.list {
		names = append(names, nw.Name)
	}
	return names
}

func (n *Networks) Close() {
	for _, nw := range n.list {
		if c, ok := nw.Client.(*Client); ok {
			c.Close()
		}
	}
}
