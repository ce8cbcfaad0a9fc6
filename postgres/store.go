// Package postgres keeps bridge transactions in PostgreSQL through gorm.
// It is the alternative to the Redis store, selected with storage.driver.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bridgerelay/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BridgeTransaction struct {
	ID               string  `gorm:"primaryKey;type:varchar(36)"`
	UserAddress      string  `gorm:"index;type:varchar(42);not null"`
	Network          string  `gorm:"type:varchar(64);not null"`
	OperationType    string  `gorm:"type:varchar(8);not null"`
	Amount           string  `gorm:"type:varchar(80);not null"`
	TxHash           *string `gorm:"index;type:varchar(66)"`
	TxHashOriginator *string `gorm:"uniqueIndex;type:varchar(66)"`
	RelayTaskID      *string `gorm:"uniqueIndex;type:varchar(128)"`
	Status           string  `gorm:"index;type:varchar(16);not null"`
	CreatedAt        time.Time
}

func (BridgeTransaction) TableName() string {
	return "bridge_transactions"
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// hashes and addresses are stored lower-cased so lookups hit the plain indexes
func fromDomain(tx *types.BridgeTransaction) *BridgeTransaction {
	return &BridgeTransaction{
		ID:               tx.ID,
		UserAddress:      strings.ToLower(tx.User),
		Network:          tx.Network,
		OperationType:    string(tx.Type),
		Amount:           tx.Amount,
		TxHash:           optional(strings.ToLower(tx.TxHash)),
		TxHashOriginator: optional(strings.ToLower(tx.TxHashOriginator)),
		RelayTaskID:      optional(tx.RelayTaskID),
		Status:           string(tx.Status),
		CreatedAt:        tx.CreatedAt,
	}
}

func (m *BridgeTransaction) toDomain() *types.BridgeTransaction {
	return &types.BridgeTransaction{
		ID:               m.ID,
		User:             m.UserAddress,
		Network:          m.Network,
		Type:             types.OperationType(m.OperationType),
		Amount:           m.Amount,
		TxHash:           deref(m.TxHash),
		TxHashOriginator: deref(m.TxHashOriginator),
		RelayTaskID:      deref(m.RelayTaskID),
		Status:           types.Status(m.Status),
		CreatedAt:        m.CreatedAt.UTC(),
	}
}

func toDomainList(models []BridgeTransaction) []*types.BridgeTransaction {
	txs := make([]*types.BridgeTransaction, 0, len(models))
	for i := range models {
		txs = append(txs, models[i].toDomain())
	}
	return txs
}

type Store struct {
	db *gorm.DB
}

var _ types.Store = (*Store)(nil)

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	return NewStore(db)
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&BridgeTransaction{}); err != nil {
		return nil, fmt.Errorf("failed to migrate bridge transactions: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

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
		tx.CreatedAt = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Create(fromDomain(tx)).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", types.ErrDuplicateOriginator, tx.TxHashOriginator)
	}
	return err
}

func (s *Store) first(ctx context.Context, query string, args ...interface{}) (*types.BridgeTransaction, error) {
	var m BridgeTransaction
	err := s.db.WithContext(ctx).Where(query, args...).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %v", types.ErrNotFound, args)
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*types.BridgeTransaction, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *Store) FindByOriginatorHash(ctx context.Context, hash string) (*types.BridgeTransaction, error) {
	return s.first(ctx, "tx_hash_originator = ?", strings.ToLower(hash))
}

func (s *Store) FindByUser(ctx context.Context, user string) ([]*types.BridgeTransaction, error) {
	var models []BridgeTransaction
	err := s.db.WithContext(ctx).
		Where("user_address = ?", strings.ToLower(user)).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toDomainList(models), nil
}

// FindByTxHash returns records executed in hash or caused by hash.
func (s *Store) FindByTxHash(ctx context.Context, hash string) ([]*types.BridgeTransaction, error) {
	h := strings.ToLower(hash)
	var models []BridgeTransaction
	err := s.db.WithContext(ctx).
		Where("tx_hash = ? OR tx_hash_originator = ?", h, h).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toDomainList(models), nil
}

func (s *Store) FindAllWithStatus(ctx context.Context, status types.Status) ([]*types.BridgeTransaction, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	var models []BridgeTransaction
	err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toDomainList(models), nil
}

func (s *Store) UpdateByTaskID(ctx context.Context, taskID string, p types.Patch) (*types.BridgeTransaction, error) {
	return s.update(ctx, p, "relay_task_id = ?", taskID)
}

func (s *Store) UpdateByOriginatorHash(ctx context.Context, hash string, p types.Patch) (*types.BridgeTransaction, error) {
	return s.update(ctx, p, "tx_hash_originator = ?", strings.ToLower(hash))
}

// update locks the row, validates p on the loaded record and writes the
// changed columns in the same transaction.
func (s *Store) update(ctx context.Context, p types.Patch, query string, args ...interface{}) (*types.BridgeTransaction, error) {
	var updated *types.BridgeTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m BridgeTransaction
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(query, args...).First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %v", types.ErrNotFound, args)
		}
		if err != nil {
			return err
		}

		rec := m.toDomain()
		prev := *rec
		if err := rec.Apply(p); err != nil {
			return err
		}
		updated = rec
		if *rec == prev {
			return nil
		}

		changes := map[string]interface{}{
			"status":        string(rec.Status),
			"tx_hash":       optional(strings.ToLower(rec.TxHash)),
			"relay_task_id": optional(rec.RelayTaskID),
		}
		if err := tx.Model(&BridgeTransaction{}).Where("id = ?", rec.ID).Updates(changes).Error; err != nil {
			log.Error().Err(err).Str("id", rec.ID).Msg("Error updating bridge transaction")
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
