package EVMRPC

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

// ChainClient is the part of an EVM node the bridge talks to.
// *ethclient.Client and *Client both satisfy it.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Client keeps one long-lived connection per RPC endpoint and fails over
// to the next endpoint of the list when a call errors.
type Client struct {
	network string
	urls    []string

	mu      sync.Mutex
	clients []*ethclient.Client
}

func NewClient(network string, urls []string) (*Client, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no rpc endpoints for %s", network)
	}
	return &Client{
		network: network,
		urls:    urls,
		clients: make([]*ethclient.Client, len(urls)),
	}, nil
}

func (c *Client) get(ctx context.Context, i int) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clients[i] != nil {
		return c.clients[i], nil
	}
	cl, err := ethclient.DialContext(ctx, c.urls[i])
	if err != nil {
		return nil, err
	}
	c.clients[i] = cl
	return cl, nil
}

// WithClient runs f against every endpoint in order until one succeeds.
func WithClient[T any](ctx context.Context, c *Client, f func(client *ethclient.Client) (T, error)) (res T, err error) {
	var errs []error
	for i, url := range c.urls {
		client, dialErr := c.get(ctx, i)
		if dialErr != nil {
			log.Warn().Str("network", c.network).Str("rpc", url).Err(dialErr).Msg("Error connecting to RPC")
			errs = append(errs, dialErr)
			continue
		}

		res, err = f(client)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		log.Warn().Str("network", c.network).Str("rpc", url).Err(err).Msg("RPC call failed, trying next endpoint")
		errs = append(errs, err)
	}
	return res, fmt.Errorf("all rpc endpoints of %s failed: %w", c.network, errors.Join(errs...))
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return WithClient(ctx, c, func(client *ethclient.Client) (uint64, error) {
		return client.BlockNumber(ctx)
	})
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	return WithClient(ctx, c, func(client *ethclient.Client) ([]ethtypes.Log, error) {
		return client.FilterLogs(ctx, q)
	})
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return WithClient(ctx, c, func(client *ethclient.Client) (uint64, error) {
		return client.PendingNonceAt(ctx, account)
	})
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cl := range c.clients {
		if cl != nil {
			cl.Close()
			c.clients[i] = nil
		}
	}
}
