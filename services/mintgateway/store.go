package mintgateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"spatters/core/consent"
)

// ConsentRecord persists a signed acknowledgment against the mint that
// followed it.
type ConsentRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletAddress string    `gorm:"index;not null"`
	Signature     string    `gorm:"not null"`
	Message       string    `gorm:"type:text;not null"`
	TermsVersion  string
	SignedAt      string
	MintTxHash    string `gorm:"uniqueIndex;not null"`
	TokenID       uint64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store wraps the consent database.
type Store struct {
	db *gorm.DB
}

func dialectorFor(dsn string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite:")), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("database url must start with sqlite: or postgres://")
	}
}

// OpenStore connects to dsn and migrates the schema.
func OpenStore(dsn string) (*Store, error) {
	dialector, err := dialectorFor(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&ConsentRecord{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save stores rec keyed by its mint transaction hash. The first record for a
// hash wins; created is false when one already existed.
func (s *Store) Save(ctx context.Context, rec consent.Record) (bool, error) {
	hash := strings.ToLower(strings.TrimSpace(rec.MintTxHash))
	if hash == "" {
		return false, fmt.Errorf("mint tx hash required")
	}
	row := ConsentRecord{
		ID:            uuid.New(),
		WalletAddress: strings.ToLower(strings.TrimSpace(rec.WalletAddress)),
		Signature:     rec.Signature,
		Message:       rec.Message,
		TermsVersion:  rec.TermsVersion,
		SignedAt:      rec.SignedAt,
		MintTxHash:    hash,
		TokenID:       rec.TokenID,
	}
	if row.TermsVersion == "" {
		row.TermsVersion = consent.TermsVersion
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "mint_tx_hash"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("store consent: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Latest returns the most recent record for wallet, or nil.
func (s *Store) Latest(ctx context.Context, wallet string) (*ConsentRecord, error) {
	var row ConsentRecord
	err := s.db.WithContext(ctx).
		Where("wallet_address = ?", strings.ToLower(strings.TrimSpace(wallet))).
		Order("created_at desc").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ByTxHash looks a record up by its mint transaction.
func (s *Store) ByTxHash(ctx context.Context, hash string) (*ConsentRecord, error) {
	var row ConsentRecord
	err := s.db.WithContext(ctx).First(&row, "mint_tx_hash = ?", strings.ToLower(strings.TrimSpace(hash))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
