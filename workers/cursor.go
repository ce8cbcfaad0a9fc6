package workers

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// CursorStore persists scanned block heights, see redis.CursorStore.
type CursorStore interface {
	GetScannedBlock(ctx context.Context, network string) (uint64, bool, error)
	SetScannedBlock(ctx context.Context, network string, block uint64) error
}

// CursorTracker holds, per network, the block through which burn events
// were scanned. It only ever moves forward.
type CursorTracker struct {
	mu      sync.Mutex
	blocks  map[string]uint64
	persist CursorStore
}

// NewCursorTracker returns an empty tracker. persist may be nil.
func NewCursorTracker(persist CursorStore) *CursorTracker {
	return &CursorTracker{
		blocks:  make(map[string]uint64),
		persist: persist,
	}
}

// Init sets the starting block of a network, replacing whatever was there.
func (c *CursorTracker) Init(ctx context.Context, network string, block uint64) {
	c.mu.Lock()
	c.blocks[network] = block
	c.mu.Unlock()
	c.save(ctx, network, block)
}

func (c *CursorTracker) Get(network string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	block, ok := c.blocks[network]
	return block, ok
}

// Advance moves the cursor to block if block is past it and reports whether
// it moved. Unknown networks are initialised.
func (c *CursorTracker) Advance(ctx context.Context, network string, block uint64) bool {
	c.mu.Lock()
	current, ok := c.blocks[network]
	if ok && block <= current {
		c.mu.Unlock()
		return false
	}
	c.blocks[network] = block
	c.mu.Unlock()

	c.save(ctx, network, block)
	return true
}

// Restore loads the persisted cursor of network, capped at head. It reports
// false when nothing was persisted or the store failed.
func (c *CursorTracker) Restore(ctx context.Context, network string, head uint64) bool {
	if c.persist == nil {
		return false
	}
	block, ok, err := c.persist.GetScannedBlock(ctx, network)
	if err != nil {
		log.Error().Err(err).Str("network", network).Msg("Error reading persisted cursor")
		return false
	}
	if !ok {
		return false
	}
	if block > head {
		block = head
	}
	c.mu.Lock()
	c.blocks[network] = block
	c.mu.Unlock()
	return true
}

func (c *CursorTracker) save(ctx context.Context, network string, block uint64) {
	if c.persist == nil {
		return
	}
	if err := c.persist.SetScannedBlock(ctx, network, block); err != nil {
		log.Error().Err(err).Str("network", network).Uint64("block", block).Msg("Error persisting cursor")
	}
}
