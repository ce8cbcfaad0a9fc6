package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"
)

func timeoutDialOptions() []redis.DialOption {
	return []redis.DialOption{
		redis.DialConnectTimeout(5 * time.Second),
		redis.DialReadTimeout(5 * time.Second),
		redis.DialWriteTimeout(5 * time.Second),
	}
}

func NewPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     5,
		IdleTimeout: 5 * time.Minute,
		Dial:        func() (redis.Conn, error) { return redis.Dial("tcp", addr, timeoutDialOptions()...) },
	}
}

// Ping fails fast when Redis is unreachable, without persistence the
// bridge must not start.
func Ping(ctx context.Context, pool *redis.Pool) error {
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("PING")
	return err
}

// CursorStore persists the last scanned block per network.
type CursorStore struct {
	pool *redis.Pool
}

func NewCursorStore(pool *redis.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

func cursorKey(network string) string {
	return fmt.Sprintf("chainBlockScanned:%s", network)
}

// GetScannedBlock returns ok=false when nothing was stored yet.
func (s *CursorStore) GetScannedBlock(ctx context.Context, network string) (uint64, bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return 0, false, err
	}
	defer conn.Close()

	blockHeight, err := redis.Uint64(conn.Do("GET", cursorKey(network)))
	if err == nil {
		return blockHeight, true, nil
	}
	if errors.Is(err, redis.ErrNil) {
		return 0, false, nil
	}

	log.Error().Err(err).Str("network", network).Msg("error Redis get")
	return 0, false, err
}

func (s *CursorStore) SetScannedBlock(ctx context.Context, network string, blockHeight uint64) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Do("SET", cursorKey(network), blockHeight); err != nil {
		log.Error().Err(err).Str("network", network).Msg("error Redis set")
		return err
	}
	return nil
}
