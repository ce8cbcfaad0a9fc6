package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"bridgerelay/types"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Key layout:
//
//	bridgetx:<id>                 record JSON
//	bridgetxs:<status>            SET of ids per status
//	bridgetx:originator:<hash>    id of the record caused by <hash>
//	bridgetx:hash:<hash>          id of the record executed in <hash>
//	bridgetx:task:<taskId>        id of the record submitted as <taskId>
//	bridgetx:user:<address>       ZSET of ids scored by creation ms
func recordKey(id string) string { return "bridgetx:" + id }
func statusSetKey(s types.Status) string { return "bridgetxs:" + string(s) }
func originatorKey(hash string) string { return "bridgetx:originator:" + strings.ToLower(hash) }
func txHashKey(hash string) string { return "bridgetx:hash:" + strings.ToLower(hash) }
func taskKey(taskID string) string { return "bridgetx:task:" + taskID }
func userKey(user string) string { return "bridgetx:user:" + strings.ToLower(user) }

// optimistic update retries when a concurrent writer touched the record
const maxUpdateRetries = 5

// Store keeps bridge transactions in Redis.
type Store struct {
	pool *redis.Pool
	now  func() time.Time
}

func NewStore(pool *redis.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

var _ types.Store = (*Store)(nil)

func (s *Store) Create(ctx context.Context, tx *types.BridgeTransaction) error {
	if tx == nil {
		return errors.New("null object to store")
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Status == "" {
		tx.Status = types.StatusPending
	}
	if !tx.Status.Valid() {
		return fmt.Errorf("bridge transaction cannot have status %q", tx.Status)
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now().UTC()
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	// never add a second record for the same originating tx, otherwise the
	// mint could be sent twice
	if tx.TxHashOriginator != "" {
		ok, err := redis.Int(conn.Do("SETNX", originatorKey(tx.TxHashOriginator), tx.ID))
		if err != nil {
			return err
		}
		if ok == 0 {
			return fmt.Errorf("%w: %s", types.ErrDuplicateOriginator, tx.TxHashOriginator)
		}
	}

	txJSON, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("cannot marshal bridge transaction to JSON: %w", err)
	}

	conn.Send("MULTI")
	conn.Send("SET", recordKey(tx.ID), txJSON)
	conn.Send("SADD", statusSetKey(tx.Status), tx.ID)
	conn.Send("ZADD", userKey(tx.User), tx.CreatedAt.UnixMilli(), tx.ID)
	if tx.TxHash != "" {
		conn.Send("SET", txHashKey(tx.TxHash), tx.ID)
	}
	if tx.RelayTaskID != "" {
		conn.Send("SET", taskKey(tx.RelayTaskID), tx.ID)
	}
	if _, err := conn.Do("EXEC"); err != nil {
		log.Error().Err(err).Str("id", tx.ID).Msg("error Redis EXEC")
		if tx.TxHashOriginator != "" {
			conn.Do("DEL", originatorKey(tx.TxHashOriginator))
		}
		return err
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*types.BridgeTransaction, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return getRecord(conn, id)
}

func getRecord(conn redis.Conn, id string) (*types.BridgeTransaction, error) {
	raw, err := redis.Bytes(conn.Do("GET", recordKey(id)))
	if errors.Is(err, redis.ErrNil) {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var tx types.BridgeTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("cannot unmarshal bridge transaction %s: %w", id, err)
	}
	return &tx, nil
}

// loadRecords skips ids whose record vanished.
func loadRecords(conn redis.Conn, ids []string) ([]*types.BridgeTransaction, error) {
	if len(ids) == 0 {
		return []*types.BridgeTransaction{}, nil
	}
	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, recordKey(id))
	}
	values, err := redis.ByteSlices(conn.Do("MGET", args...))
	if err != nil {
		return nil, err
	}
	txs := make([]*types.BridgeTransaction, 0, len(values))
	for i, raw := range values {
		if raw == nil {
			log.Warn().Str("id", ids[i]).Msg("indexed bridge transaction record is missing")
			continue
		}
		var tx types.BridgeTransaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return nil, fmt.Errorf("cannot unmarshal bridge transaction %s: %w", ids[i], err)
		}
		txs = append(txs, &tx)
	}
	return txs, nil
}

func newestFirst(txs []*types.BridgeTransaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
}

func (s *Store) FindByUser(ctx context.Context, user string) ([]*types.BridgeTransaction, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ids, err := redis.Strings(conn.Do("ZREVRANGE", userKey(user), 0, -1))
	if err != nil {
		return nil, err
	}
	txs, err := loadRecords(conn, ids)
	if err != nil {
		return nil, err
	}
	newestFirst(txs)
	return txs, nil
}

// FindByTxHash returns records executed in hash or caused by hash.
func (s *Store) FindByTxHash(ctx context.Context, hash string) ([]*types.BridgeTransaction, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	values, err := redis.Values(conn.Do("MGET", txHashKey(hash), originatorKey(hash)))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, v := range values {
		id, err := redis.String(v, nil)
		if errors.Is(err, redis.ErrNil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 || ids[0] != id {
			ids = append(ids, id)
		}
	}
	txs, err := loadRecords(conn, ids)
	if err != nil {
		return nil, err
	}
	newestFirst(txs)
	return txs, nil
}

func (s *Store) findByIndex(ctx context.Context, key string) (*types.BridgeTransaction, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	id, err := redis.String(conn.Do("GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return getRecord(conn, id)
}

func (s *Store) FindByOriginatorHash(ctx context.Context, hash string) (*types.BridgeTransaction, error) {
	return s.findByIndex(ctx, originatorKey(hash))
}

// FindAllWithStatus scans the status set. Terminal sets only grow, callers
// should stick to pending/processing on hot paths.
func (s *Store) FindAllWithStatus(ctx context.Context, status types.Status) ([]*types.BridgeTransaction, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var (
		cursor int64
		ids    []string
	)
	for {
		values, err := redis.Values(conn.Do("SSCAN", statusSetKey(status), cursor))
		if err != nil {
			return nil, err
		}
		var keys []string
		if _, err := redis.Scan(values, &cursor, &keys); err != nil {
			return nil, err
		}
		ids = append(ids, keys...)
		if cursor == 0 {
			break
		}
	}

	loaded, err := loadRecords(conn, ids)
	if err != nil {
		return nil, err
	}
	txs := loaded[:0]
	for _, tx := range loaded {
		if tx.Status == status {
			txs = append(txs, tx)
		}
	}
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
	return txs, nil
}

func (s *Store) UpdateByTaskID(ctx context.Context, taskID string, p types.Patch) (*types.BridgeTransaction, error) {
	return s.updateByIndex(ctx, taskKey(taskID), p)
}

func (s *Store) UpdateByOriginatorHash(ctx context.Context, hash string, p types.Patch) (*types.BridgeTransaction, error) {
	return s.updateByIndex(ctx, originatorKey(hash), p)
}

func (s *Store) updateByIndex(ctx context.Context, key string, p types.Patch) (*types.BridgeTransaction, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	id, err := redis.String(conn.Do("GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return updateRecord(conn, id, p)
}

// updateRecord applies p under WATCH so concurrent writers of the same
// record never overwrite each other.
func updateRecord(conn redis.Conn, id string, p types.Patch) (*types.BridgeTransaction, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		if _, err := conn.Do("WATCH", recordKey(id)); err != nil {
			return nil, err
		}
		tx, err := getRecord(conn, id)
		if err != nil {
			conn.Do("UNWATCH")
			return nil, err
		}
		prev := *tx
		if err := tx.Apply(p); err != nil {
			conn.Do("UNWATCH")
			return nil, err
		}
		if *tx == prev {
			conn.Do("UNWATCH")
			return tx, nil
		}

		txJSON, err := json.Marshal(tx)
		if err != nil {
			conn.Do("UNWATCH")
			return nil, fmt.Errorf("cannot marshal bridge transaction to JSON: %w", err)
		}

		conn.Send("MULTI")
		conn.Send("SET", recordKey(id), txJSON)
		if prev.Status != tx.Status {
			conn.Send("SREM", statusSetKey(prev.Status), id)
			conn.Send("SADD", statusSetKey(tx.Status), id)
		}
		if prev.RelayTaskID != tx.RelayTaskID {
			conn.Send("SET", taskKey(tx.RelayTaskID), id)
		}
		if prev.TxHash != tx.TxHash {
			conn.Send("SET", txHashKey(tx.TxHash), id)
		}
		_, err = redis.Values(conn.Do("EXEC"))
		if errors.Is(err, redis.ErrNil) {
			log.Debug().Str("id", id).Int("attempt", attempt).Msg("bridge transaction changed concurrently, retrying update")
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("id", id).Msg("error Redis EXEC")
			return nil, err
		}
		return tx, nil
	}
	return nil, fmt.Errorf("bridge transaction %s: too many concurrent updates", id)
}
