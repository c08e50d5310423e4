package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/liveness-check/internal/logging"
)

// ErrNotFound is returned when no verdict matches a lookup.
var ErrNotFound = errors.New("verdict not found")

// Verdict outcomes.
const (
	OutcomeFinished = "finished"
	OutcomeError    = "error"
)

// VerdictLog represents one terminal verification state reached by a
// session. A session that is reset and verified again logs again.
type VerdictLog struct {
	ID          uint      `gorm:"primaryKey"`
	SessionID   string    `gorm:"column:session_id;index;size:64"`
	UserID      string    `gorm:"column:user_id;index;size:64"`
	Option      string    `gorm:"column:detection_option;size:64"`
	Outcome     string    `gorm:"column:outcome;size:16"`
	Message     string    `gorm:"column:message;type:text"`
	SampleCount int       `gorm:"column:sample_count"`
	DurationMs  int64     `gorm:"column:duration_ms"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (VerdictLog) TableName() string {
	return "verdict_logs"
}

// VerdictAggregation summarises every persisted verdict.
type VerdictAggregation struct {
	TotalCount        int64
	FinishedCount     int64
	AverageSamples    float64
	AverageDurationMs float64
	ByOption          []OptionAggregation
}

// OptionAggregation summarises the verdicts of one detection option.
type OptionAggregation struct {
	Option        string
	TotalCount    int64
	FinishedCount int64
}

// VerdictRepository provides persistence APIs for verdict logs.
type VerdictRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewVerdictRepository creates a new repository instance.
func NewVerdictRepository(db *gorm.DB, logger *zap.Logger) *VerdictRepository {
	return &VerdictRepository{
		db:             db,
		logger:         logger.Named("verdict_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *VerdictRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&VerdictLog{})
}

// SaveVerdict persists a verdict log entry.
func (r *VerdictRepository) SaveVerdict(ctx context.Context, log *VerdictLog) error {
	return r.executeWithRetry(ctx, "repository.save_verdict", log.SessionID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindLatestBySessionAndUser retrieves the newest verdict of a session owned
// by userID.
func (r *VerdictRepository) FindLatestBySessionAndUser(ctx context.Context, sessionID, userID string) (*VerdictLog, error) {
	var log VerdictLog
	err := r.executeWithRetry(ctx, "repository.find_verdict", sessionID, func() error {
		err := latestVerdictQuery(r.db.WithContext(ctx), sessionID, userID).First(&log).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func latestVerdictQuery(tx *gorm.DB, sessionID, userID string) *gorm.DB {
	return tx.Where("session_id = ? AND user_id = ?", sessionID, userID).Order("created_at DESC")
}

// AggregateVerdicts computes totals over every persisted verdict.
func (r *VerdictRepository) AggregateVerdicts(ctx context.Context) (*VerdictAggregation, error) {
	var totals struct {
		Total       int64
		Finished    int64
		AvgSamples  float64
		AvgDuration float64
	}
	var perOption []struct {
		DetectionOption string
		Total           int64
		Finished        int64
	}

	err := r.executeWithRetry(ctx, "repository.aggregate_verdicts", "", func() error {
		db := r.db.WithContext(ctx).Model(&VerdictLog{})
		if err := totalsQuery(db).Scan(&totals).Error; err != nil {
			return err
		}
		return perOptionQuery(r.db.WithContext(ctx).Model(&VerdictLog{})).Scan(&perOption).Error
	})
	if err != nil {
		return nil, err
	}

	agg := &VerdictAggregation{
		TotalCount:        totals.Total,
		FinishedCount:     totals.Finished,
		AverageSamples:    totals.AvgSamples,
		AverageDurationMs: totals.AvgDuration,
	}
	for _, row := range perOption {
		agg.ByOption = append(agg.ByOption, OptionAggregation{
			Option:        row.DetectionOption,
			TotalCount:    row.Total,
			FinishedCount: row.Finished,
		})
	}
	return agg, nil
}

func totalsQuery(tx *gorm.DB) *gorm.DB {
	return tx.Select(
		"COUNT(*) AS total, "+
			"COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS finished, "+
			"COALESCE(AVG(sample_count), 0) AS avg_samples, "+
			"COALESCE(AVG(duration_ms), 0) AS avg_duration",
		OutcomeFinished,
	)
}

func perOptionQuery(tx *gorm.DB) *gorm.DB {
	return tx.Select(
		"detection_option, COUNT(*) AS total, "+
			"COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS finished",
		OutcomeFinished,
	).Group("detection_option").Order("detection_option")
}

func (r *VerdictRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, sessionID)

	var err error
	for attempt := 0; attempt < max(1, r.retryAttempts); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
