package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/flow"
	"github.com/example/liveness-check/internal/gallery"
	"github.com/example/liveness-check/internal/imageprocessor"
	"github.com/example/liveness-check/internal/ingest"
	"github.com/example/liveness-check/internal/logging"
	"github.com/example/liveness-check/internal/metrics"
	"github.com/example/liveness-check/internal/repository"
	"github.com/example/liveness-check/internal/similarity"
)

var (
	// ErrSessionNotFound is returned for unknown sessions and for sessions
	// owned by another user.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidRotation is returned for frame rotations that are not a
	// multiple of 90 degrees.
	ErrInvalidRotation = errors.New("rotation must be a multiple of 90 degrees")
	// ErrClosed is returned once the use case has been shut down.
	ErrClosed = errors.New("liveness service is shutting down")
)

const verdictTTL = 10 * time.Minute

// VerdictRepository defines the persistence operations needed by the use case.
type VerdictRepository interface {
	SaveVerdict(ctx context.Context, log *repository.VerdictLog) error
	FindLatestBySessionAndUser(ctx context.Context, sessionID, userID string) (*repository.VerdictLog, error)
	AggregateVerdicts(ctx context.Context) (*repository.VerdictAggregation, error)
}

// Collaborators are the model handles shared by every session. Wrap them
// with the imageprocessor.Serialize helpers when the backing models admit
// one call at a time.
type Collaborators struct {
	Detector   imageprocessor.Detector
	Classifier imageprocessor.ExpressionClassifier
	Embedder   imageprocessor.Embedder
}

// LivenessUseCase hosts verification sessions and the face gallery.
type LivenessUseCase struct {
	repo      VerdictRepository
	cache     Cache
	models    Collaborators
	gallery   *gallery.Gallery
	logger    *zap.Logger
	metrics   *metrics.Metrics
	flowCfg   flow.Config
	engine    similarity.Engine
	minWidth  float64
	rng       *rand.Rand
	rngMu     sync.Mutex
	closers   []io.Closer
	closeOnce sync.Once
	persistWG sync.WaitGroup

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	persistTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

type cachedVerdict struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Option      string    `json:"option"`
	Outcome     string    `json:"outcome"`
	Message     string    `json:"message"`
	SampleCount int       `json:"sample_count"`
	DurationMs  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

type Option func(*LivenessUseCase)

func WithLogger(logger *zap.Logger) Option {
	return func(uc *LivenessUseCase) {
		uc.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(uc *LivenessUseCase) {
		uc.metrics = m
	}
}

// WithFlowConfig overrides flow.DefaultConfig for new sessions.
func WithFlowConfig(cfg flow.Config) Option {
	return func(uc *LivenessUseCase) {
		uc.flowCfg = cfg
	}
}

// WithSimilarity sets the engine used by the consistency checks.
func WithSimilarity(engine similarity.Engine) Option {
	return func(uc *LivenessUseCase) {
		uc.engine = engine
	}
}

func WithMinFaceWidthRatio(ratio float64) Option {
	return func(uc *LivenessUseCase) {
		uc.minWidth = ratio
	}
}

// WithRand seeds the randomness of every session created afterwards.
func WithRand(rng *rand.Rand) Option {
	return func(uc *LivenessUseCase) {
		uc.rng = rng
	}
}

// WithClosers registers resources released exactly once by Close.
func WithClosers(closers ...io.Closer) Option {
	return func(uc *LivenessUseCase) {
		uc.closers = append(uc.closers, closers...)
	}
}

// NewLivenessUseCase constructs a new use case instance.
func NewLivenessUseCase(repo VerdictRepository, cache Cache, models Collaborators, g *gallery.Gallery, opts ...Option) (*LivenessUseCase, error) {
	if models.Detector == nil {
		return nil, fmt.Errorf("face detector is required")
	}
	if g == nil {
		return nil, fmt.Errorf("gallery is required")
	}

	uc := &LivenessUseCase{
		repo:           repo,
		cache:          cache,
		models:         models,
		gallery:        g,
		logger:         zap.NewNop(),
		flowCfg:        flow.DefaultConfig(),
		engine:         similarity.NewEngine(similarity.MetricL2, similarity.DefaultThresholds()),
		minWidth:       ingest.DefaultMinFaceWidthRatio,
		sessions:       make(map[string]*session),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		persistTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	if uc.rng == nil {
		uc.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	uc.logger = uc.logger.Named("liveness_usecase")
	return uc, nil
}

func (uc *LivenessUseCase) flowDependencies() flow.Dependencies {
	return flow.Dependencies{
		Classifier: uc.models.Classifier,
		Embedder:   uc.models.Embedder,
		Similarity: uc.engine,
		Config:     uc.flowCfg,
	}
}

func (uc *LivenessUseCase) sessionRand() *rand.Rand {
	uc.rngMu.Lock()
	defer uc.rngMu.Unlock()
	return rand.New(rand.NewPCG(uc.rng.Uint64(), uc.rng.Uint64()))
}

// onVerdict records a terminal state reached by s.
func (uc *LivenessUseCase) onVerdict(s *session, e verdictEvent) {
	outcome := repository.OutcomeFinished
	if e.state.Kind == flow.KindError {
		outcome = repository.OutcomeError
	}
	uc.metrics.ObserveVerdict(string(e.option), outcome)

	log := &repository.VerdictLog{
		SessionID:   s.id,
		UserID:      s.userID,
		Option:      string(e.option),
		Outcome:     outcome,
		Message:     e.state.Message,
		SampleCount: e.samples,
		DurationMs:  e.duration.Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	logging.WithOperation(uc.logger, "usecase.verdict", s.id).Info("verification finished",
		zap.String("option", log.Option),
		zap.String("outcome", outcome),
		zap.String("message", log.Message),
		zap.Int("samples", log.SampleCount),
	)

	uc.mu.RLock()
	if uc.closed {
		uc.mu.RUnlock()
		logging.WithOperation(uc.logger, "usecase.verdict", s.id).Warn("verdict reached after close was not stored")
		return
	}
	uc.persistWG.Add(1)
	uc.mu.RUnlock()
	go func() {
		defer uc.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), uc.persistTimeout)
		defer cancel()
		if err := uc.persistVerdict(ctx, log); err != nil {
			logging.WithOperation(uc.logger, "usecase.persist_verdict", s.id).Error("failed to persist verdict", zap.Error(err))
		}
	}()
}

// persistVerdict stores log in the database and caches it for GetResult.
func (uc *LivenessUseCase) persistVerdict(ctx context.Context, log *repository.VerdictLog) error {
	if uc.repo != nil {
		if err := uc.repo.SaveVerdict(ctx, log); err != nil {
			return logging.NewOperationError("usecase.save_verdict", log.SessionID, err)
		}
	}
	if uc.cache == nil {
		return nil
	}

	serialized, err := json.Marshal(cachedVerdict{
		SessionID:   log.SessionID,
		UserID:      log.UserID,
		Option:      log.Option,
		Outcome:     log.Outcome,
		Message:     log.Message,
		SampleCount: log.SampleCount,
		DurationMs:  log.DurationMs,
		CreatedAt:   log.CreatedAt,
	})
	if err != nil {
		return err
	}
	return uc.withRedisRetry(ctx, log.SessionID, "cache.set.verdict", func() error {
		return uc.cache.Set(ctx, verdictKey(log.SessionID), string(serialized), verdictTTL)
	})
}

// GetResult retrieves the latest verdict of a session from the cache or,
// on a miss, from persistence.
func (uc *LivenessUseCase) GetResult(ctx context.Context, userID, sessionID string) (*repository.VerdictLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", sessionID)

	if uc.cache != nil {
		cached, err := uc.withRedisGet(ctx, sessionID, "cache.get.verdict", verdictKey(sessionID))
		switch {
		case err == nil:
			var payload cachedVerdict
			if err := json.Unmarshal([]byte(cached), &payload); err != nil {
				opLogger.Warn("failed to decode cached verdict", zap.Error(err))
			} else if payload.UserID == userID {
				return &repository.VerdictLog{
					SessionID:   sessionID,
					UserID:      payload.UserID,
					Option:      payload.Option,
					Outcome:     payload.Outcome,
					Message:     payload.Message,
					SampleCount: payload.SampleCount,
					DurationMs:  payload.DurationMs,
					CreatedAt:   payload.CreatedAt,
				}, nil
			}
		case !errors.Is(err, redis.Nil):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, repository.ErrNotFound
	}
	return uc.repo.FindLatestBySessionAndUser(ctx, sessionID, userID)
}

// Enroll adds a face image to the gallery under name.
func (uc *LivenessUseCase) Enroll(ctx context.Context, name string, face image.Image) error {
	return uc.gallery.Enroll(ctx, name, face)
}

// MatchAgainstGallery returns the enrolled identity closest to face, or
// similarity.Unknown.
func (uc *LivenessUseCase) MatchAgainstGallery(ctx context.Context, face image.Image) (string, error) {
	return uc.gallery.Match(ctx, face)
}

// GalleryIdentities lists the enrolled names.
func (uc *LivenessUseCase) GalleryIdentities() []string {
	return uc.gallery.Identities()
}

// Close shuts every session down, waits for pending verdicts to be stored
// and releases the registered resources. Only the first call does work.
func (uc *LivenessUseCase) Close() error {
	var errs []error
	uc.closeOnce.Do(func() {
		uc.mu.Lock()
		uc.closed = true
		sessions := uc.sessions
		uc.sessions = make(map[string]*session)
		uc.mu.Unlock()

		for _, s := range sessions {
			s.close()
			uc.metrics.SessionClosed()
		}
		uc.persistWG.Wait()

		for _, c := range uc.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		uc.logger.Info("liveness service closed", zap.Int("sessions", len(sessions)))
	})
	return errors.Join(errs...)
}

func verdictKey(sessionID string) string {
	return fmt.Sprintf("verdict:%s", sessionID)
}

func (uc *LivenessUseCase) withRedisRetry(ctx context.Context, sessionID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, sessionID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, sessionID, err)
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

func (uc *LivenessUseCase) withRedisGet(ctx context.Context, sessionID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, sessionID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
