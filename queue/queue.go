// Package queue is a small durable job queue on Redis with bounded retries
// and backoff. Jobs move between a wait list, an active list, a delayed
// sorted set (retries) and a failed list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"bridgerelay/types"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrJobExists = errors.New("job already exists")
	ErrPermanent = errors.New("permanent job failure")

	errUnreadableJob = errors.New("unreadable job record")
)

// addScript stores the job record and makes it ready in one step.
// KEYS: job, wait. ARGV: job json, id.
var addScript = redis.NewScript(2, `
if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("LPUSH", KEYS[2], ARGV[2])
return 1
`)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() []error { return []error{e.err, ErrPermanent} }

// Permanent marks err so the job fails right away without using its
// remaining attempts.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// Handler processes one job. A returned error makes the queue retry the
// job until its attempts are used up.
type Handler func(ctx context.Context, job *types.Job) error

type Options struct {
	Attempts int
	Backoff  types.Backoff
}

// completed jobs are kept this long so re-adding the same id stays a no-op
const completedTTL = 7 * 24 * time.Hour

type Queue struct {
	pool     *redis.Pool
	name     string
	clock    clockwork.Clock
	defaults Options
	poll     time.Duration
	workers  int
	onFailed func(job *types.Job, err error)
	logger   zerolog.Logger
}

type Option func(*Queue)

func WithClock(c clockwork.Clock) Option { return func(q *Queue) { q.clock = c } }

func WithDefaults(o Options) Option { return func(q *Queue) { q.defaults = o } }

func WithPollInterval(d time.Duration) Option { return func(q *Queue) { q.poll = d } }

func WithConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithOnFailed registers a hook called once a job has used all attempts.
func WithOnFailed(f func(job *types.Job, err error)) Option {
	return func(q *Queue) { q.onFailed = f }
}

func New(pool *redis.Pool, name string, opts ...Option) *Queue {
	q := &Queue{
		pool:  pool,
		name:  name,
		clock: clockwork.NewRealClock(),
		defaults: Options{
			Attempts: 3,
			Backoff:  types.Backoff{Type: types.BackoffExponential, DelayMs: 5000},
		},
		poll:    500 * time.Millisecond,
		workers: 1,
	}
	for _, o := range opts {
		o(q)
	}
	q.logger = log.With().Str("component", "queue").Str("queue", name).Logger()
	return q
}

func (q *Queue) prefix() string { return "bull:" + q.name }
func (q *Queue) jobKey(id string) string { return q.prefix() + ":job:" + id }
func (q *Queue) waitKey() string { return q.prefix() + ":wait" }
func (q *Queue) activeKey() string { return q.prefix() + ":active" }
func (q *Queue) delayedKey() string { return q.prefix() + ":delayed" }
func (q *Queue) failedKey() string { return q.prefix() + ":failed" }

// BackoffDelay is the wait before the next attempt once attemptsMade
// attempts have failed.
func BackoffDelay(b types.Backoff, attemptsMade int) time.Duration {
	base := time.Duration(b.DelayMs) * time.Millisecond
	if b.Type != types.BackoffExponential || attemptsMade < 1 {
		return base
	}
	return time.Duration(float64(base) * math.Pow(2, float64(attemptsMade-1)))
}

// Add stores a job and makes it ready. An empty id gets a random one;
// adding an id that already exists returns ErrJobExists and changes nothing.
func (q *Queue) Add(ctx context.Context, name, id string, data interface{}, opts *Options) (*types.Job, error) {
	o := q.defaults
	if opts != nil {
		if opts.Attempts > 0 {
			o.Attempts = opts.Attempts
		}
		if opts.Backoff.Type != "" {
			o.Backoff = opts.Backoff
		}
	}
	if id == "" {
		id = uuid.New().String()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal job data: %w", err)
	}
	job := &types.Job{
		ID:          id,
		Name:        name,
		Data:        raw,
		MaxAttempts: o.Attempts,
		Backoff:     o.Backoff,
		State:       types.JobWaiting,
		TsCreated:   q.clock.Now().UnixMilli(),
	}
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	created, err := redis.Int(addScript.Do(conn, q.jobKey(id), q.waitKey(), jobJSON, id))
	if err != nil {
		return nil, err
	}
	if created == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	return job, nil
}

func (q *Queue) GetJob(ctx context.Context, id string) (*types.Job, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return q.loadJob(conn, id)
}

func (q *Queue) loadJob(conn redis.Conn, id string) (*types.Job, error) {
	raw, err := redis.Bytes(conn.Do("GET", q.jobKey(id)))
	if errors.Is(err, redis.ErrNil) {
		return nil, fmt.Errorf("%w: %s has no record", errUnreadableJob, id)
	}
	if err != nil {
		return nil, err
	}
	var job types.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("%w: cannot unmarshal job %s: %v", errUnreadableJob, id, err)
	}
	return &job, nil
}

// promoteDelayed moves retries whose time has come back to the wait list.
// ZREM decides which consumer wins a job.
func (q *Queue) promoteDelayed(conn redis.Conn) error {
	now := q.clock.Now().UnixMilli()
	ids, err := redis.Strings(conn.Do("ZRANGEBYSCORE", q.delayedKey(), "-inf", now))
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := redis.Int(conn.Do("ZREM", q.delayedKey(), id))
		if err != nil {
			return err
		}
		if removed == 1 {
			if _, err := conn.Do("LPUSH", q.waitKey(), id); err != nil {
				return err
			}
		}
	}
	return nil
}

// ProcessNext runs at most one ready job through h. It reports whether a
// job was taken.
func (q *Queue) ProcessNext(ctx context.Context, h Handler) (bool, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := q.promoteDelayed(conn); err != nil {
		return false, err
	}

	id, err := redis.String(conn.Do("RPOPLPUSH", q.waitKey(), q.activeKey()))
	if errors.Is(err, redis.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	job, err := q.loadJob(conn, id)
	if errors.Is(err, errUnreadableJob) {
		return true, q.discard(conn, id, err)
	}
	if err != nil {
		// put the job back in front of the wait list, RecoverActive picks
		// it up if even that fails
		conn.Send("MULTI")
		conn.Send("LREM", q.activeKey(), 1, id)
		conn.Send("RPUSH", q.waitKey(), id)
		if _, rerr := conn.Do("EXEC"); rerr != nil {
			q.logger.Error().Err(rerr).Str("job", id).Msg("cannot return job to wait list")
		}
		return true, fmt.Errorf("cannot load job %s: %w", id, err)
	}
	job.State = types.JobActive
	job.TsProcessed = q.clock.Now().UnixMilli()
	if err := q.saveJob(conn, job); err != nil {
		return true, err
	}

	herr := h(ctx, job)
	if herr == nil {
		return true, q.complete(conn, job)
	}
	return true, q.fail(conn, job, herr)
}

func (q *Queue) saveJob(conn redis.Conn, job *types.Job) error {
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = conn.Do("SET", q.jobKey(job.ID), jobJSON)
	return err
}

func (q *Queue) complete(conn redis.Conn, job *types.Job) error {
	job.State = types.JobCompleted
	job.FailedReason = ""
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return err
	}
	conn.Send("MULTI")
	conn.Send("LREM", q.activeKey(), 1, job.ID)
	conn.Send("SET", q.jobKey(job.ID), jobJSON, "EX", int64(completedTTL.Seconds()))
	_, err = conn.Do("EXEC")
	if err == nil {
		q.logger.Info().Str("job", job.ID).Str("name", job.Name).Msg("job completed")
	}
	return err
}

func (q *Queue) fail(conn redis.Conn, job *types.Job, cause error) error {
	job.AttemptsMade++
	job.FailedReason = cause.Error()

	retry := !errors.Is(cause, ErrPermanent) && job.AttemptsMade < job.MaxAttempts
	if retry {
		delay := BackoffDelay(job.Backoff, job.AttemptsMade)
		job.State = types.JobDelayed
		jobJSON, err := json.Marshal(job)
		if err != nil {
			return err
		}
		conn.Send("MULTI")
		conn.Send("LREM", q.activeKey(), 1, job.ID)
		conn.Send("SET", q.jobKey(job.ID), jobJSON)
		conn.Send("ZADD", q.delayedKey(), q.clock.Now().Add(delay).UnixMilli(), job.ID)
		if _, err := conn.Do("EXEC"); err != nil {
			return err
		}
		q.logger.Warn().Err(cause).Str("job", job.ID).Int("attempt", job.AttemptsMade).
			Dur("retryIn", delay).Msg("job failed, retrying")
		return nil
	}

	job.State = types.JobFailed
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return err
	}
	conn.Send("MULTI")
	conn.Send("LREM", q.activeKey(), 1, job.ID)
	conn.Send("SET", q.jobKey(job.ID), jobJSON)
	conn.Send("LPUSH", q.failedKey(), job.ID)
	if _, err := conn.Do("EXEC"); err != nil {
		return err
	}
	q.logger.Error().Err(cause).Str("job", job.ID).Int("attempts", job.AttemptsMade).
		Msg("job permanently failed")
	if q.onFailed != nil {
		q.onFailed(job, cause)
	}
	return nil
}

// discard moves a job whose record cannot be read to the failed list.
func (q *Queue) discard(conn redis.Conn, id string, cause error) error {
	conn.Send("MULTI")
	conn.Send("LREM", q.activeKey(), 1, id)
	conn.Send("LPUSH", q.failedKey(), id)
	if _, err := conn.Do("EXEC"); err != nil {
		return err
	}
	q.logger.Error().Err(cause).Str("job", id).Msg("job without readable record moved to failed")
	if q.onFailed != nil {
		q.onFailed(&types.Job{ID: id, State: types.JobFailed, FailedReason: cause.Error()}, cause)
	}
	return nil
}

// RecoverActive puts jobs left active by a previous process back in the
// wait list. Call it before Process when this is the only consumer process.
func (q *Queue) RecoverActive(ctx context.Context) (int, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	n := 0
	for {
		_, err := redis.String(conn.Do("RPOPLPUSH", q.activeKey(), q.waitKey()))
		if errors.Is(err, redis.ErrNil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Process consumes jobs with the configured concurrency until ctx is done.
func (q *Queue) Process(ctx context.Context, h Handler) {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for ctx.Err() == nil {
				took, err := q.ProcessNext(ctx, h)
				if err != nil {
					q.logger.Error().Err(err).Int("worker", worker).Msg("error processing queue")
				}
				if took && err == nil {
					continue
				}
				select {
				case <-ctx.Done():
				case <-q.clock.After(q.poll):
				}
			}
		}(i)
	}
	wg.Wait()
}

type Counts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

func (q *Queue) Counts(ctx context.Context) (*Counts, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("LLEN", q.waitKey())
	conn.Send("LLEN", q.activeKey())
	conn.Send("ZCARD", q.delayedKey())
	conn.Send("LLEN", q.failedKey())
	values, err := redis.Int64s(conn.Do("EXEC"))
	if err != nil {
		return nil, err
	}
	return &Counts{Waiting: values[0], Active: values[1], Delayed: values[2], Failed: values[3]}, nil
}
