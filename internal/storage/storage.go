// Package storage implements the append-only job history store. Terminal
// job outcomes are appended for audit and observability; nothing inside
// the retry loop ever reads them back. SQLite (pure Go, no CGO) is the
// default backend, PostgreSQL is available for shared deployments.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/umba/internal/config"
	"github.com/jkaninda/umba/internal/domain"
)

// History records terminal job outcomes. All methods are nil-safe: a nil
// *History (history disabled) silently drops writes and returns empty reads.
type History struct {
	db     *gorm.DB
	logger *slog.Logger
	driver string
}

// jobModel is the GORM representation of a domain.JobRecord.
type jobModel struct {
	ID         string `gorm:"primaryKey;size:36"`
	Format     string `gorm:"size:8"`
	Prompt     string
	Outcome    string `gorm:"size:16;index"`
	Attempts   int
	Detail     string
	DurationMS int64
	CreatedAt  time.Time `gorm:"index"`
}

func (jobModel) TableName() string { return "job_history" }

// Open creates a History from config. A nil config disables history and
// returns (nil, nil).
func Open(cfg *config.StorageConfig, slogger *slog.Logger) (*History, error) {
	if cfg == nil {
		return nil, nil
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	var (
		db  *gorm.DB
		err error
	)
	driver := cfg.StorageDriver()
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
			Logger:      gormLogger,
			NowFunc:     func() time.Time { return time.Now().UTC() },
			PrepareStmt: true,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return nil, fmt.Errorf("getting underlying sql.DB: %w", dbErr)
		}
		sqlDB.SetMaxOpenConns(maxOpen(cfg.Postgres))
		sqlDB.SetMaxIdleConns(maxIdle(cfg.Postgres))
		sqlDB.SetConnMaxLifetime(maxLifetime(cfg.Postgres))

	default: // sqlite
		path := "umba.db"
		if cfg.SQLite != nil && cfg.SQLite.Path != "" {
			path = cfg.SQLite.Path
		}
		if dirErr := os.MkdirAll(filepath.Dir(path), 0o750); dirErr != nil {
			return nil, fmt.Errorf("creating database directory: %w", dirErr)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger:  gormLogger,
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
	}

	if err := db.AutoMigrate(&jobModel{}); err != nil {
		return nil, fmt.Errorf("migrating job history schema: %w", err)
	}

	slogger.Info("job history store opened", slog.String("driver", driver))
	return &History{db: db, logger: slogger, driver: driver}, nil
}

// Append records a terminal job outcome. Failures are logged, never
// propagated: history is not part of the response path's contract.
func (h *History) Append(ctx context.Context, rec *domain.JobRecord) {
	if h == nil {
		return
	}
	model := jobModel{
		ID:         rec.ID.String(),
		Format:     string(rec.Format),
		Prompt:     rec.Prompt,
		Outcome:    string(rec.Outcome),
		Attempts:   rec.Attempts,
		Detail:     rec.Detail,
		DurationMS: rec.DurationMS,
		CreatedAt:  rec.CreatedAt,
	}
	if err := h.db.WithContext(ctx).Create(&model).Error; err != nil {
		h.logger.Warn("appending job history failed",
			slog.String("job", rec.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Recent returns the most recent terminal outcomes, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]domain.JobRecord, error) {
	if h == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	var models []jobModel
	if err := h.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing job history: %w", err)
	}

	records := make([]domain.JobRecord, 0, len(models))
	for _, m := range models {
		rec, err := toRecord(m)
		if err != nil {
			h.logger.Warn("skipping malformed history row", slog.String("id", m.ID))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Driver returns the backend name, or "" when history is disabled.
func (h *History) Driver() string {
	if h == nil {
		return ""
	}
	return h.driver
}

// Close releases the underlying connection.
func (h *History) Close() error {
	if h == nil {
		return nil
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(m jobModel) (domain.JobRecord, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return domain.JobRecord{}, err
	}
	return domain.JobRecord{
		ID:         id,
		Format:     domain.OutputFormat(m.Format),
		Prompt:     m.Prompt,
		Outcome:    domain.Outcome(m.Outcome),
		Attempts:   m.Attempts,
		Detail:     m.Detail,
		DurationMS: m.DurationMS,
		CreatedAt:  m.CreatedAt,
	}, nil
}

func maxOpen(cfg *config.PostgresStorageConfig) int {
	if cfg != nil && cfg.MaxOpenConns > 0 {
		return cfg.MaxOpenConns
	}
	return 25
}

func maxIdle(cfg *config.PostgresStorageConfig) int {
	if cfg != nil && cfg.MaxIdleConns > 0 {
		return cfg.MaxIdleConns
	}
	return 5
}

func maxLifetime(cfg *config.PostgresStorageConfig) time.Duration {
	if cfg != nil && cfg.ConnMaxLifetimeS > 0 {
		return time.Duration(cfg.ConnMaxLifetimeS) * time.Second
	}
	return 30 * time.Minute
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
