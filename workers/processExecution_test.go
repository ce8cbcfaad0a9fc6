package workers

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"bridgerelay/queue"
	"bridgerelay/types"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pendingFromPoll runs the poller over one burn so the record and the job
// exist exactly as in production.
func pendingFromPoll(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	cursors := NewCursorTracker(nil)
	cursors.Init(ctx, "arbitrum", 100)
	cursors.Init(ctx, "optimism", 500)
	env.arbitrum.addLogs(burnLog(userA1, tenTokens, hashAAA, 101))
	env.arbitrum.setHead(101)
	env.poller(cursors).PollOnce(ctx)
}

func TestMintWorkerSubmitsAndMarksProcessing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pendingFromPoll(t, env)
	env.relayer.taskIDs = []string{"task-1"}

	w := NewMintWorker(env.networks, env.relayer, env.store)
	took, err := env.queue.ProcessNext(ctx, w.Handle)
	require.NoError(t, err)
	require.True(t, took)

	rec, err := env.store.FindByOriginatorHash(ctx, hashAAA.Hex())
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, rec.Status)
	assert.Equal(t, "task-1", rec.RelayTaskID)
	assert.Empty(t, rec.TxHash)

	require.Len(t, env.relayer.calls, 1)
	call := env.relayer.calls[0]
	assert.Equal(t, int64(11155420), call.ChainID.Int64())
	assert.Equal(t, opContract, call.Target)
	// mint(address,uint256)
	assert.Equal(t, "40c10f19", hex.EncodeToString(call.Data[:4]))
	assert.Equal(t, userA1.Bytes(), call.Data[4+12:4+32])

	job, err := env.queue.GetJob(ctx, hashAAA.Hex())
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.State)
}

func TestMintWorkerRejectsUnknownJobs(t *testing.T) {
	env := newTestEnv(t)
	w := NewMintWorker(env.networks, env.relayer, env.store)

	err := w.Handle(context.Background(), &types.Job{ID: "1", Name: "burnJob", Data: []byte(`{}`)})
	require.ErrorIs(t, err, queue.ErrPermanent)

	err = w.Handle(context.Background(), &types.Job{ID: "2", Name: types.JobMint,
		Data: []byte(`{"user":"0x00000000000000000000000000000000000000A1","amount":"1.0","targetNetwork":"base","txHashOriginator":"0x1"}`)})
	require.ErrorIs(t, err, queue.ErrPermanent)

	err = w.Handle(context.Background(), &types.Job{ID: "3", Name: types.JobMint, Data: []byte(`not json`)})
	require.ErrorIs(t, err, queue.ErrPermanent)
	assert.Empty(t, env.relayer.calls)
}

func TestMintWorkerRelayDownUsesAllAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	w := NewMintWorker(env.networks, env.relayer, env.store)
	var failed []*types.Job
	q := queue.New(env.pool, "mint", queue.WithClock(clock), queue.WithOnFailed(func(job *types.Job, err error) {
		w.OnFailed(job, err)
		failed = append(failed, job)
	}))
	pendingFromPoll(t, env)
	env.relayer.callErr = errors.New("relay responded 503")

	for i := 0; i < 40 && len(failed) == 0; i++ {
		took, err := q.ProcessNext(ctx, w.Handle)
		require.NoError(t, err)
		if !took {
			clock.Advance(time.Second)
		}
	}

	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].AttemptsMade)
	assert.Len(t, env.relayer.calls, 3)

	// the record is left for manual handling
	rec, err := env.store.FindByOriginatorHash(ctx, hashAAA.Hex())
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, rec.Status)
	assert.Empty(t, rec.RelayTaskID)
}

func TestMintWorkerSkipsRedeliveredJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	pendingFromPoll(t, env)

	// the record already went out under task-1, the job is delivered again
	_, err := env.store.UpdateByOriginatorHash(ctx, hashAAA.Hex(), types.Patch{Status: types.StatusProcessing, RelayTaskID: "task-1"})
	require.NoError(t, err)
	env.relayer.taskIDs = []string{"task-4", "task-5", "task-6"}

	w := NewMintWorker(env.networks, env.relayer, env.store)
	q := queue.New(env.pool, "mint", queue.WithClock(clock))
	for i := 0; i < 40; i++ {
		took, err := q.ProcessNext(ctx, w.Handle)
		require.NoError(t, err)
		if !took {
			clock.Advance(time.Second)
		}
	}

	assert.Empty(t, env.relayer.calls)
	job, err := q.GetJob(ctx, hashAAA.Hex())
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.State)

	rec, err := env.store.FindByOriginatorHash(ctx, hashAAA.Hex())
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, rec.Status)
	assert.Equal(t, "task-1", rec.RelayTaskID)
}

func TestMintWorkerSkipsFailedRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pendingFromPoll(t, env)

	_, err := env.store.UpdateByOriginatorHash(ctx, hashAAA.Hex(), types.Patch{Status: types.StatusFailed})
	require.NoError(t, err)

	w := NewMintWorker(env.networks, env.relayer, env.store)
	took, err := env.queue.ProcessNext(ctx, w.Handle)
	require.NoError(t, err)
	require.True(t, took)
	assert.Empty(t, env.relayer.calls)
}

// conflictStore accepts the lookup but rejects the processing update, as
// when another delivery stored its task first.
type conflictStore struct {
	types.Store
	updates int
}

func (s *conflictStore) UpdateByOriginatorHash(ctx context.Context, hash string, p types.Patch) (*types.BridgeTransaction, error) {
	s.updates++
	return nil, types.ErrRelayTaskConflict
}

func TestMintWorkerTaskConflictIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pendingFromPoll(t, env)
	env.relayer.taskIDs = []string{"task-2"}

	store := &conflictStore{Store: env.store}
	w := NewMintWorker(env.networks, env.relayer, store)
	var failed int
	q := queue.New(env.pool, "mint", queue.WithOnFailed(func(job *types.Job, err error) { failed++ }))

	took, err := q.ProcessNext(ctx, w.Handle)
	require.NoError(t, err)
	require.True(t, took)

	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, store.updates)
	assert.Len(t, env.relayer.calls, 1)
	job, err := q.GetJob(ctx, hashAAA.Hex())
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
}
