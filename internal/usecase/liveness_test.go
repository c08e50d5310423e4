package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/flow"
	"github.com/example/liveness-check/internal/gallery"
	"github.com/example/liveness-check/internal/imageprocessor"
	"github.com/example/liveness-check/internal/logging"
	"github.com/example/liveness-check/internal/repository"
	"github.com/example/liveness-check/internal/similarity"
)

type stubRepository struct {
	mu        sync.Mutex
	savedLogs []*repository.VerdictLog
	saveErr   error
	findLog   *repository.VerdictLog
	findErr   error
	findCalls int
	agg       *repository.VerdictAggregation
}

func (s *stubRepository) SaveVerdict(ctx context.Context, log *repository.VerdictLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindLatestBySessionAndUser(ctx context.Context, sessionID, userID string) (*repository.VerdictLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) AggregateVerdicts(ctx context.Context) (*repository.VerdictAggregation, error) {
	if s.agg == nil {
		return &repository.VerdictAggregation{}, nil
	}
	return s.agg, nil
}

func (s *stubRepository) saved() []*repository.VerdictLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*repository.VerdictLog(nil), s.savedLogs...)
}

type stubCache struct {
	mu        sync.Mutex
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []string
	getKeys   []string
	pingErr   error
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setKeys = append(s.setKeys, key)
	s.setValues = append(s.setValues, value.(string))
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

func (s *stubCache) Ping(ctx context.Context) error {
	return s.pingErr
}

func (s *stubCache) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.setKeys...)
}

// stubDetector reports one face covering the left half of every frame.
type stubDetector struct {
	smiling bool
	err     error
}

func (s *stubDetector) Detect(ctx context.Context, frame imageprocessor.Frame, opts imageprocessor.DetectOptions) (imageprocessor.Detection, error) {
	if s.err != nil {
		return imageprocessor.Detection{}, s.err
	}
	smiling := s.smiling
	return imageprocessor.Detection{
		Kind:    imageprocessor.DetectionFace,
		Box:     image.Rect(0, 0, frame.Width()/2, frame.Height()/2),
		Smiling: &smiling,
	}, nil
}

type widthEmbedder struct{}

func (widthEmbedder) Embed(ctx context.Context, face image.Image) (similarity.Vector, error) {
	return similarity.Vector{float32(face.Bounds().Dx())}, nil
}

type stubClassifier struct{}

func (stubClassifier) Classify(ctx context.Context, face image.Image) ([]imageprocessor.Expression, error) {
	return []imageprocessor.Expression{
		{Label: "Neutral", Confidence: 0.2},
		{Label: "Happy", Confidence: 0.7},
	}, nil
}

func (stubClassifier) Labels() []string {
	return []string{"Happy", "Neutral"}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newTestUseCase(t *testing.T, repo VerdictRepository, cache Cache, detector imageprocessor.Detector, opts ...Option) *LivenessUseCase {
	t.Helper()
	engine := similarity.NewEngine(similarity.MetricL2, similarity.DefaultThresholds())
	g := gallery.New(widthEmbedder{}, engine)
	models := Collaborators{Detector: detector, Classifier: stubClassifier{}, Embedder: widthEmbedder{}}
	uc, err := NewLivenessUseCase(repo, cache, models, g, opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond
	t.Cleanup(func() { _ = uc.Close() })
	return uc
}

// settle waits for every in-flight frame analysis and verdict write.
func settle(uc *LivenessUseCase) {
	uc.mu.RLock()
	sessions := make([]*session, 0, len(uc.sessions))
	for _, s := range uc.sessions {
		sessions = append(sessions, s)
	}
	uc.mu.RUnlock()
	for _, s := range sessions {
		s.controller.Wait()
	}
	uc.persistWG.Wait()
}

func frame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 100, 80))
}

func TestSmileSessionPersistsAndCachesVerdict(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{}
	uc := newTestUseCase(t, repo, cache, &stubDetector{smiling: true})

	view, err := uc.CreateSession(context.Background(), "user-1", "smile")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if view.Option != string(flow.OptionSmile) || view.State != "working" {
		t.Fatalf("unexpected initial view: %+v", view)
	}

	accepted, err := uc.SubmitFrame("user-1", view.ID, frame(), 0)
	if err != nil || !accepted {
		t.Fatalf("expected frame to be accepted, got %t, %v", accepted, err)
	}
	settle(uc)

	got, err := uc.GetSession("user-1", view.ID)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if got.State != "finished" || !got.Terminal {
		t.Fatalf("expected finished state, got %+v", got)
	}
	if got.LastFrame == nil || got.LastFrame.Outcome != "handled" {
		t.Fatalf("expected handled last frame, got %+v", got.LastFrame)
	}

	saved := repo.saved()
	if len(saved) != 1 {
		t.Fatalf("expected one verdict, got %d", len(saved))
	}
	if saved[0].Outcome != repository.OutcomeFinished || saved[0].SampleCount != 1 || saved[0].UserID != "user-1" {
		t.Fatalf("unexpected verdict: %+v", saved[0])
	}
	keys := cache.keys()
	if len(keys) != 1 || keys[0] != "verdict:"+view.ID {
		t.Fatalf("unexpected cache keys: %v", keys)
	}
}

func TestResetAllowsSecondVerdict(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(t, repo, &stubCache{}, &stubDetector{smiling: true})

	view, err := uc.CreateSession(context.Background(), "user-1", "SMILE")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	uc.SubmitFrame("user-1", view.ID, frame(), 0)
	settle(uc)

	reset, err := uc.Reset("user-1", view.ID)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if reset.State != "working" {
		t.Fatalf("expected working after reset, got %s", reset.State)
	}

	uc.SubmitFrame("user-1", view.ID, frame(), 90)
	settle(uc)
	if n := len(repo.saved()); n != 2 {
		t.Fatalf("expected two verdicts, got %d", n)
	}
}

func TestSessionsAreScopedToTheirOwner(t *testing.T) {
	uc := newTestUseCase(t, &stubRepository{}, &stubCache{}, &stubDetector{})

	view, err := uc.CreateSession(context.Background(), "owner", "BLINK")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if _, err := uc.GetSession("intruder", view.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := uc.SubmitFrame("intruder", view.ID, frame(), 0); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := uc.CloseSession("intruder", view.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	if err := uc.CloseSession("owner", view.ID); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if _, err := uc.GetSession("owner", view.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected closed session to be gone, got %v", err)
	}
	if uc.ActiveSessions() != 0 {
		t.Fatalf("expected no active sessions, got %d", uc.ActiveSessions())
	}
}

func TestCreateSessionRejectsUnknownOption(t *testing.T) {
	uc := newTestUseCase(t, &stubRepository{}, &stubCache{}, &stubDetector{})

	_, err := uc.CreateSession(context.Background(), "user-1", "FROWN")
	if !errors.Is(err, flow.ErrUnknownOption) {
		t.Fatalf("expected ErrUnknownOption, got %v", err)
	}
	if uc.ActiveSessions() != 0 {
		t.Fatalf("expected no session to be stored, got %d", uc.ActiveSessions())
	}
}

func TestSetOptionSwitchesChallenge(t *testing.T) {
	uc := newTestUseCase(t, &stubRepository{}, &stubCache{}, &stubDetector{})

	view, err := uc.CreateSession(context.Background(), "user-1", "SMILE")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	switched, err := uc.SetOption("user-1", view.ID, "angled_faces")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if switched.Option != string(flow.OptionAngledFaces) {
		t.Fatalf("expected ANGLED_FACES, got %s", switched.Option)
	}
	if switched.Message != "Please look at the camera straight" {
		t.Fatalf("unexpected instruction: %q", switched.Message)
	}
}

func TestSubmitFrameRejectsOddRotation(t *testing.T) {
	uc := newTestUseCase(t, &stubRepository{}, &stubCache{}, &stubDetector{})
	view, err := uc.CreateSession(context.Background(), "user-1", "SMILE")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if _, err := uc.SubmitFrame("user-1", view.ID, frame(), 45); !errors.Is(err, ErrInvalidRotation) {
		t.Fatalf("expected ErrInvalidRotation, got %v", err)
	}
}

func TestDetectorFailureIsReportedOnSession(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(t, repo, &stubCache{}, &stubDetector{err: errors.New("camera model crashed")})

	view, err := uc.CreateSession(context.Background(), "user-1", "SMILE")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	uc.SubmitFrame("user-1", view.ID, frame(), 0)
	settle(uc)

	got, _ := uc.GetSession("user-1", view.ID)
	if got.LastFrame == nil || got.LastFrame.Outcome != "error" || got.LastFrame.Message != "camera model crashed" {
		t.Fatalf("unexpected last frame: %+v", got.LastFrame)
	}
	if got.State != "working" {
		t.Fatalf("expected flow to keep waiting, got %s", got.State)
	}
	if len(repo.saved()) != 0 {
		t.Fatalf("expected no verdict, got %d", len(repo.saved()))
	}
}

func TestPersistVerdictRetriesRedisSet(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	repo := &stubRepository{}
	uc := newTestUseCase(t, repo, cache, &stubDetector{})

	err := uc.persistVerdict(context.Background(), &repository.VerdictLog{SessionID: "sess-1", UserID: "user-1", Outcome: repository.OutcomeFinished})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	keys := cache.keys()
	if len(keys) != 2 {
		t.Fatalf("expected a retry, got %d cache writes", len(keys))
	}
	if keys[0] != keys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", keys[0], keys[1])
	}
	if len(repo.saved()) != 1 {
		t.Fatalf("expected verdict to be saved, got %d entries", len(repo.saved()))
	}
}

func TestPersistVerdictReturnsOperationErrorOnRepositoryFailure(t *testing.T) {
	cache := &stubCache{}
	repo := &stubRepository{saveErr: errors.New("boom")}
	uc := newTestUseCase(t, repo, cache, &stubDetector{})

	err := uc.persistVerdict(context.Background(), &repository.VerdictLog{SessionID: "sess-1"})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "usecase.save_verdict" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if len(cache.keys()) != 0 {
		t.Fatal("expected nothing to be cached")
	}
}

func TestGetResultPrefersCache(t *testing.T) {
	payload, _ := json.Marshal(cachedVerdict{SessionID: "sess", UserID: "user", Outcome: "finished", SampleCount: 3})
	cache := &stubCache{getValues: []string{string(payload)}}
	repo := &stubRepository{}
	uc := newTestUseCase(t, repo, cache, &stubDetector{})

	log, err := uc.GetResult(context.Background(), "user", "sess")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log.SampleCount != 3 || log.Outcome != "finished" {
		t.Fatalf("unexpected verdict: %+v", log)
	}
	if repo.findCalls != 0 {
		t.Fatalf("expected repository to be skipped, got %d calls", repo.findCalls)
	}
}

func TestGetResultIgnoresCachedVerdictOfAnotherUser(t *testing.T) {
	payload, _ := json.Marshal(cachedVerdict{SessionID: "sess", UserID: "someone-else"})
	cache := &stubCache{getValues: []string{string(payload)}}
	repo := &stubRepository{}
	uc := newTestUseCase(t, repo, cache, &stubDetector{})

	if _, err := uc.GetResult(context.Background(), "user", "sess"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	expected := &repository.VerdictLog{SessionID: "sess", UserID: "user", Message: "from-db"}
	repo := &stubRepository{findLog: expected}
	uc := newTestUseCase(t, repo, cache, &stubDetector{})

	log, err := uc.GetResult(context.Background(), "user", "sess")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
	if len(cache.getKeys) != 1 {
		t.Fatalf("expected a cache miss not to be retried, got %d reads", len(cache.getKeys))
	}
}

func TestGalleryOperations(t *testing.T) {
	uc := newTestUseCase(t, &stubRepository{}, &stubCache{}, &stubDetector{})
	ctx := context.Background()

	if err := uc.Enroll(ctx, "alice", image.NewGray(image.Rect(0, 0, 40, 40))); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	name, err := uc.MatchAgainstGallery(ctx, image.NewGray(image.Rect(0, 0, 42, 42)))
	if err != nil || name != "alice" {
		t.Fatalf("expected alice, got %q, %v", name, err)
	}
	name, _ = uc.MatchAgainstGallery(ctx, image.NewGray(image.Rect(0, 0, 90, 90)))
	if name != similarity.Unknown {
		t.Fatalf("expected Unknown, got %q", name)
	}

	inspection, err := uc.Inspect(ctx, image.NewGray(image.Rect(0, 0, 38, 38)))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if inspection.Identity != "alice" || inspection.Dimension != 1 {
		t.Fatalf("unexpected inspection: %+v", inspection)
	}
	if len(inspection.Expressions) != 2 || inspection.Expressions[0].Label != "Happy" {
		t.Fatalf("expected expressions ranked by confidence, got %+v", inspection.Expressions)
	}
}

func TestGetVerdictStats(t *testing.T) {
	repo := &stubRepository{agg: &repository.VerdictAggregation{
		TotalCount:     4,
		FinishedCount:  3,
		AverageSamples: 2.5,
		ByOption: []repository.OptionAggregation{
			{Option: "SMILE", TotalCount: 2, FinishedCount: 1},
		},
	}}
	uc := newTestUseCase(t, repo, &stubCache{}, &stubDetector{})

	stats, err := uc.GetVerdictStats(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if stats.SuccessRate != 0.75 || stats.AverageSamples != 2.5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(stats.ByOption) != 1 || stats.ByOption[0].SuccessRate != 0.5 {
		t.Fatalf("unexpected per option stats: %+v", stats.ByOption)
	}
}

func TestCloseReleasesResourcesOnce(t *testing.T) {
	closed := 0
	uc := newTestUseCase(t, &stubRepository{}, &stubCache{}, &stubDetector{},
		WithClosers(closerFunc(func() error { closed++; return nil })),
		WithLogger(zap.NewNop()),
	)
	if _, err := uc.CreateSession(context.Background(), "user-1", "SMILE"); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if err := uc.Close(); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	_ = uc.Close()
	if closed != 1 {
		t.Fatalf("expected one close, got %d", closed)
	}
	if _, err := uc.CreateSession(context.Background(), "user-1", "SMILE"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestVerdictAfterCloseIsNotStored(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(t, repo, &stubCache{}, &stubDetector{})
	if err := uc.Close(); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	uc.onVerdict(&session{id: "s-late", userID: "user-1"}, verdictEvent{option: flow.OptionSmile, state: flow.StateFinished})
	uc.persistWG.Wait()

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.savedLogs) != 0 {
		t.Fatalf("expected no stored verdict, got %d", len(repo.savedLogs))
	}
}

func TestVerdictsRacingCloseAreStoredBeforeRelease(t *testing.T) {
	repo := &stubRepository{}
	var stored atomic.Int32
	uc := newTestUseCase(t, repo, &stubCache{}, &stubDetector{},
		WithClosers(closerFunc(func() error {
			repo.mu.Lock()
			stored.Store(int32(len(repo.savedLogs)))
			repo.mu.Unlock()
			return nil
		})),
	)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			uc.onVerdict(&session{id: fmt.Sprintf("s-%d", i), userID: "user-1"}, verdictEvent{option: flow.OptionSmile, state: flow.StateFinished})
		}()
	}
	if err := uc.Close(); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	wg.Wait()
	uc.persistWG.Wait()

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if int(stored.Load()) != len(repo.savedLogs) {
		t.Fatalf("verdict stored after resources were released: %d before, %d after", stored.Load(), len(repo.savedLogs))
	}
}

var _ io.Closer = (*RedisCache)(nil)
