package workers

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"

	"bridgerelay/EVMRPC"
	"bridgerelay/queue"
	rstore "bridgerelay/redis"
	"bridgerelay/relay"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
)

var (
	arbContract = common.HexToAddress("0x2bA64EFB7A4Ec8983E22A49c81fa216AC33f383A")
	opContract  = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
	userA1      = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	hashAAA     = common.HexToHash("0xAAA")
	hashCCC     = common.HexToHash("0xCCC")
	tenTokens   = new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))
)

// fakeChain is an in-memory EVM node.
type fakeChain struct {
	mu      sync.Mutex
	head    uint64
	logs    []ethtypes.Log
	err     error
	logsErr map[uint64]error // by window start
	queries []ethereum.FilterQuery
	nonce   uint64
}

func (c *fakeChain) setHead(h uint64) {
	c.mu.Lock()
	c.head = h
	c.mu.Unlock()
}

func (c *fakeChain) addLogs(logs ...ethtypes.Log) {
	c.mu.Lock()
	c.logs = append(c.logs, logs...)
	c.mu.Unlock()
}

func (c *fakeChain) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	return c.head, nil
}

func (c *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
	if c.err != nil {
		return nil, c.err
	}
	if err := c.logsErr[q.FromBlock.Uint64()]; err != nil {
		return nil, err
	}
	var out []ethtypes.Log
	for _, l := range c.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (c *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	return c.nonce, nil
}

// fakeRelayer answers sponsored calls with queued task ids and reports
// task states from a map.
type fakeRelayer struct {
	mu       sync.Mutex
	taskIDs  []string
	callErr  error
	calls    []relay.SponsoredCallRequest
	states   map[string]*relay.TaskStatus
	stateErr error
	checked  []string
}

func (r *fakeRelayer) SponsoredCall(ctx context.Context, req relay.SponsoredCallRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.callErr != nil {
		return "", r.callErr
	}
	if len(r.taskIDs) == 0 {
		return "", errors.New("no task id")
	}
	id := r.taskIDs[0]
	r.taskIDs = r.taskIDs[1:]
	return id, nil
}

func (r *fakeRelayer) TaskStatus(ctx context.Context, taskID string) (*relay.TaskStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checked = append(r.checked, taskID)
	if r.stateErr != nil {
		return nil, r.stateErr
	}
	st, ok := r.states[taskID]
	if !ok {
		return &relay.TaskStatus{TaskID: taskID, TaskState: relay.StateCheckPending}, nil
	}
	return st, nil
}

type testEnv struct {
	mr       *miniredis.Miniredis
	pool     *redis.Pool
	store    *rstore.Store
	cursors  *rstore.CursorStore
	queue    *queue.Queue
	arbitrum *fakeChain
	optimism *fakeChain
	networks *EVMRPC.Networks
	signer   *EVMRPC.Signer
	relayer  *fakeRelayer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := rstore.NewPool(mr.Addr())
	t.Cleanup(func() { pool.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := EVMRPC.NewSigner(hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)

	arb := &fakeChain{head: 100}
	op := &fakeChain{head: 500, nonce: 3}
	networks := EVMRPC.NewNetworks(
		&EVMRPC.Network{Name: "arbitrum", ChainID: big.NewInt(421614), Contract: arbContract, MintTo: "optimism", Client: arb, Signer: signer},
		&EVMRPC.Network{Name: "optimism", ChainID: big.NewInt(11155420), Contract: opContract, MintTo: "arbitrum", Client: op, Signer: signer},
	)

	return &testEnv{
		mr:       mr,
		pool:     pool,
		store:    rstore.NewStore(pool),
		cursors:  rstore.NewCursorStore(pool),
		queue:    queue.New(pool, "mint"),
		arbitrum: arb,
		optimism: op,
		networks: networks,
		signer:   signer,
		relayer:  &fakeRelayer{states: map[string]*relay.TaskStatus{}},
	}
}

func (e *testEnv) poller(cursors *CursorTracker) *Poller {
	return NewPoller(e.networks, e.store, e.queue, cursors, PollerConfig{BlockBatch: 2000})
}

func burnLog(user common.Address, amount *big.Int, tx common.Hash, block uint64) ethtypes.Log {
	return EVMRPC.BurnLog(arbContract, user, amount, tx, block)
}
