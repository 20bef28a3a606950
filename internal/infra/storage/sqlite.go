package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"l3feed/internal/domain"
	"l3feed/internal/stats"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage persists nonce high-water marks and latency reports.
// Book state is never stored.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the SQLite database at path.
func NewStorage(path string) (*Storage, error) {
	// Ensure directory exists
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&domain.NonceState{}, &domain.LatencyReport{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Nonce Operations
// ======================================================================================

// LoadNonce returns the stored nonce for key, 0 if none.
func (s *Storage) LoadNonce(ctx context.Context, key string) (int64, error) {
	var state domain.NonceState
	err := s.db.WithContext(ctx).First(&state, "api_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil // Not found is not an error
	}
	if err != nil {
		return 0, err
	}
	return state.Nonce, nil
}

// SaveNonce stores nonce for key unless a higher value is already stored.
func (s *Storage) SaveNonce(ctx context.Context, key string, nonce int64) error {
	state := domain.NonceState{APIKey: key, Nonce: nonce, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "api_key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"nonce":      gorm.Expr("MAX(nonce, excluded.nonce)"),
			"updated_at": state.UpdatedAt,
		}),
	}).Create(&state).Error
}

// ======================================================================================
// Latency Report Operations
// ======================================================================================

// SaveLatencyReports stores one row per operation kind under runID.
func (s *Storage) SaveLatencyReports(ctx context.Context, runID string, summary stats.Summary) error {
	if len(summary) == 0 {
		return nil
	}
	rows := make([]domain.LatencyReport, 0, len(summary))
	for _, kind := range summary.Kinds() {
		r := summary[kind]
		rows = append(rows, domain.LatencyReport{
			RunID: runID,
			Op:    string(kind),
			Count: r.Count,
			P50Ns: int64(r.P50),
			P95Ns: int64(r.P95),
			P99Ns: int64(r.P99),
			MaxNs: int64(r.Max),
		})
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}

// LatencyReports returns the rows of a run ordered by operation.
func (s *Storage) LatencyReports(ctx context.Context, runID string) ([]domain.LatencyReport, error) {
	var rows []domain.LatencyReport
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("op").Find(&rows).Error
	return rows, err
}
