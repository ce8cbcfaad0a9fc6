package workers

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"bridgerelay/EVMRPC"
	"bridgerelay/queue"
	"bridgerelay/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Enqueuer is the producer side of the mint queue.
type Enqueuer interface {
	Add(ctx context.Context, name, id string, data interface{}, opts *queue.Options) (*types.Job, error)
}

type PollerConfig struct {
	BlockBatch uint64
	// start from the persisted cursor instead of the chain head
	ResumeFromCursor bool
	Job              queue.Options
}

// Poller turns TokensBurned logs into pending mint records and mint jobs.
type Poller struct {
	networks *EVMRPC.Networks
	store    types.Store
	queue    Enqueuer
	cursors  *CursorTracker
	cfg      PollerConfig

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewPoller(networks *EVMRPC.Networks, store types.Store, q Enqueuer, cursors *CursorTracker, cfg PollerConfig) *Poller {
	if cfg.BlockBatch == 0 {
		cfg.BlockBatch = 2000
	}
	return &Poller{
		networks: networks,
		store:    store,
		queue:    q,
		cursors:  cursors,
		cfg:      cfg,
		seen:     make(map[string]struct{}),
	}
}

// PollOnce polls every network. A failing network is logged and does not
// affect the others.
func (p *Poller) PollOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range p.networks.Names() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := p.PollNetwork(ctx, name); err != nil {
				log.Error().Err(err).Str("network", name).Msg("Error scanning burn events")
			}
		}(name)
	}
	wg.Wait()
}

// PollNetwork scans one network from its cursor to the current head.
// The cursor only moves past windows that were fully handled.
func (p *Poller) PollNetwork(ctx context.Context, name string) error {
	nw, ok := p.networks.Get(name)
	if !ok {
		return fmt.Errorf("unknown network %s", name)
	}
	logger := log.With().Str("network", name).Logger()

	head, err := nw.Client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("error getting last block: %w", err)
	}

	cursor, ok := p.cursors.Get(name)
	if !ok {
		if p.cfg.ResumeFromCursor && p.cursors.Restore(ctx, name, head) {
			cursor, _ = p.cursors.Get(name)
			logger.Info().Uint64("block", cursor).Uint64("head", head).Msg("Resuming scan from persisted cursor")
		} else {
			p.cursors.Init(ctx, name, head)
			logger.Info().Uint64("block", head).Msg("Scanning starts at chain head")
			return nil
		}
	}
	if head <= cursor {
		return nil
	}

	for from := cursor + 1; from <= head; from += p.cfg.BlockBatch {
		to := from + p.cfg.BlockBatch - 1
		if to > head {
			to = head
		}
		logger.Debug().Uint64("from", from).Uint64("to", to).Msg("Scanning blocks")

		logs, err := nw.Client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{nw.Contract},
			Topics:    [][]common.Hash{{EVMRPC.TokensBurnedTopic}},
		})
		if err != nil {
			return fmt.Errorf("error querying logs %d-%d: %w", from, to, err)
		}

		for _, l := range logs {
			if err := p.handleLog(ctx, logger, nw, l); err != nil {
				// don't consider this window as processed
				return err
			}
		}
		p.cursors.Advance(ctx, name, to)
	}
	return nil
}

func (p *Poller) isSeen(hash string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[hash]
	return ok
}

func (p *Poller) markSeen(hash string) {
	p.mu.Lock()
	p.seen[hash] = struct{}{}
	p.mu.Unlock()
}

func (p *Poller) handleLog(ctx context.Context, logger zerolog.Logger, nw *EVMRPC.Network, l ethtypes.Log) error {
	txHash := l.TxHash.Hex()
	key := strings.ToLower(txHash)
	if p.isSeen(key) {
		return nil
	}

	burn, err := EVMRPC.DecodeBurn(l)
	if err != nil {
		// malformed logs are skipped, the cursor still moves past them
		logger.Error().Err(err).Str("tx", txHash).Msg("Cannot decode burn event, skipping")
		p.markSeen(key)
		return nil
	}
	amount := types.FormatAmount(burn.Amount)

	// one record per burn
	existing, err := p.store.FindByOriginatorHash(ctx, txHash)
	switch {
	case err == nil && existing.Status != types.StatusPending:
		logger.Info().Str("tx", txHash).Str("status", string(existing.Status)).
			Msg("Found existing bridge transaction with same originator tx hash")
		p.markSeen(key)
		return nil
	case err == nil:
		logger.Info().Str("tx", txHash).Msg("Found pending bridge transaction, making sure its mint job exists")
	case errors.Is(err, types.ErrNotFound):
		logger.Info().Str("tx", txHash).Str("user", burn.User.Hex()).Str("amount", amount).
			Str("target", nw.MintTo).Msg("Found new burn, saving pending mint")
		err = p.store.Create(ctx, &types.BridgeTransaction{
			User:             burn.User.Hex(),
			Network:          nw.MintTo,
			Type:             types.OperationMint,
			Amount:           amount,
			TxHashOriginator: txHash,
			Status:           types.StatusPending,
		})
		if err != nil && !errors.Is(err, types.ErrDuplicateOriginator) {
			return fmt.Errorf("cannot create pending bridge transaction for %s: %w", txHash, err)
		}
	default:
		return fmt.Errorf("error searching bridge transaction %s: %w", txHash, err)
	}

	payload := types.MintPayload{
		User:             burn.User.Hex(),
		Amount:           amount,
		TargetNetwork:    nw.MintTo,
		TxHashOriginator: txHash,
	}
	if existing != nil {
		payload.User = existing.User
		payload.Amount = existing.Amount
		payload.TargetNetwork = existing.Network
	}
	opts := p.cfg.Job
	_, err = p.queue.Add(ctx, types.JobMint, txHash, payload, &opts)
	if err != nil && !errors.Is(err, queue.ErrJobExists) {
		return fmt.Errorf("cannot enqueue mint job for %s: %w", txHash, err)
	}

	p.markSeen(key)
	return nil
}
