package usecase

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/flow"
	"github.com/example/liveness-check/internal/imageprocessor"
	"github.com/example/liveness-check/internal/ingest"
	"github.com/example/liveness-check/internal/lifecycle"
	"github.com/example/liveness-check/internal/logging"
)

// session pairs the flow manager of one subject with its frame controller.
type session struct {
	id         string
	userID     string
	createdAt  time.Time
	manager    *lifecycle.Manager
	controller *ingest.Controller
	unwatch    func()

	mu        sync.Mutex
	runStart  time.Time
	closeOnce sync.Once
}

type verdictEvent struct {
	option   flow.Option
	state    flow.VerificationState
	samples  int
	duration time.Duration
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.controller.Close()
		s.unwatch()
		s.manager.Close()
	})
}

// observe is the session's lifecycle watcher. Every restart publishes Start,
// which also marks the beginning of the timed run.
func (s *session) observe(onVerdict func(verdictEvent)) lifecycle.Watcher {
	return func(e lifecycle.Event) {
		now := time.Now()
		s.mu.Lock()
		if e.State.Kind == flow.KindStart {
			s.runStart = now
		}
		started := s.runStart
		s.mu.Unlock()

		if e.State.Terminal() {
			onVerdict(verdictEvent{
				option:   e.Option,
				state:    e.State,
				samples:  e.Samples,
				duration: now.Sub(started),
			})
		}
	}
}

// FrameView describes the last analysed frame of a session.
type FrameView struct {
	Outcome string    `json:"outcome"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// SessionView is the externally visible state of a session.
type SessionView struct {
	ID        string     `json:"session_id"`
	Option    string     `json:"option"`
	State     string     `json:"state"`
	Message   string     `json:"message,omitempty"`
	Terminal  bool       `json:"terminal"`
	UpdatedAt time.Time  `json:"updated_at"`
	CreatedAt time.Time  `json:"created_at"`
	LastFrame *FrameView `json:"last_frame,omitempty"`
}

func (s *session) view() *SessionView {
	state := s.manager.State()
	v := &SessionView{
		ID:        s.id,
		Option:    string(s.manager.Option()),
		State:     state.Kind.String(),
		Message:   state.Message,
		Terminal:  state.Terminal(),
		UpdatedAt: s.manager.UpdatedAt(),
		CreatedAt: s.createdAt,
	}
	if last, ok := s.controller.LastResult(); ok {
		v.LastFrame = &FrameView{Outcome: last.Kind.String(), Message: last.Message, At: last.At}
	}
	return v
}

// CreateSession opens a session for userID running option.
func (uc *LivenessUseCase) CreateSession(ctx context.Context, userID, option string) (*SessionView, error) {
	parsed, err := flow.ParseOption(option)
	if err != nil {
		return nil, err
	}

	s := &session{
		id:        uuid.NewString(),
		userID:    userID,
		createdAt: time.Now().UTC(),
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.create_session", s.id)

	s.manager = lifecycle.New(uc.flowDependencies(),
		lifecycle.WithLogger(opLogger),
		lifecycle.WithRand(uc.sessionRand()),
	)
	s.unwatch = s.manager.Watch(s.observe(func(e verdictEvent) { uc.onVerdict(s, e) }))

	s.controller, err = ingest.New(uc.models.Detector, s.manager,
		ingest.WithLogger(opLogger),
		ingest.WithMetrics(uc.metrics),
		ingest.WithMinFaceWidthRatio(uc.minWidth),
	)
	if err != nil {
		s.unwatch()
		s.manager.Close()
		return nil, err
	}

	if err := s.manager.SetOption(parsed); err != nil {
		s.close()
		opLogger.Warn("failed to start verification flow", zap.Error(err))
		return nil, err
	}

	uc.mu.Lock()
	if uc.closed {
		uc.mu.Unlock()
		s.close()
		return nil, ErrClosed
	}
	uc.sessions[s.id] = s
	uc.mu.Unlock()

	uc.metrics.SessionOpened()
	opLogger.Info("session created", zap.String("user_id", userID), zap.String("option", string(parsed)))
	return s.view(), nil
}

func (uc *LivenessUseCase) lookup(userID, sessionID string) (*session, error) {
	uc.mu.RLock()
	s, ok := uc.sessions[sessionID]
	uc.mu.RUnlock()
	if !ok || s.userID != userID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetSession returns the current state of a session.
func (uc *LivenessUseCase) GetSession(userID, sessionID string) (*SessionView, error) {
	s, err := uc.lookup(userID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.view(), nil
}

// SetOption switches a session to another challenge and restarts it.
func (uc *LivenessUseCase) SetOption(userID, sessionID, option string) (*SessionView, error) {
	s, err := uc.lookup(userID, sessionID)
	if err != nil {
		return nil, err
	}
	parsed, err := flow.ParseOption(option)
	if err != nil {
		return nil, err
	}
	if err := s.manager.SetOption(parsed); err != nil {
		return nil, err
	}
	return s.view(), nil
}

// Reset restarts the challenge of a session from Start.
func (uc *LivenessUseCase) Reset(userID, sessionID string) (*SessionView, error) {
	s, err := uc.lookup(userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.manager.Reset(); err != nil {
		return nil, err
	}
	return s.view(), nil
}

// SubmitFrame hands one camera frame to the session and reports whether it
// was accepted. Frames arriving while another one is analysed are dropped.
func (uc *LivenessUseCase) SubmitFrame(userID, sessionID string, img image.Image, rotation int) (bool, error) {
	if rotation%90 != 0 {
		return false, fmt.Errorf("%w, got %d", ErrInvalidRotation, rotation)
	}
	s, err := uc.lookup(userID, sessionID)
	if err != nil {
		return false, err
	}
	rotation = ((rotation % 360) + 360) % 360
	return s.controller.Submit(imageprocessor.Frame{
		Image:           img,
		RotationDegrees: rotation,
		Timestamp:       time.Now(),
	}), nil
}

// CloseSession cancels in-flight work and forgets the session. Verdicts
// already reached stay available through GetResult.
func (uc *LivenessUseCase) CloseSession(userID, sessionID string) error {
	uc.mu.Lock()
	s, ok := uc.sessions[sessionID]
	if !ok || s.userID != userID {
		uc.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(uc.sessions, sessionID)
	uc.mu.Unlock()

	s.close()
	uc.metrics.SessionClosed()
	logging.WithOperation(uc.logger, "usecase.close_session", sessionID).Info("session closed")
	return nil
}

// ActiveSessions returns the number of open sessions.
func (uc *LivenessUseCase) ActiveSessions() int {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return len(uc.sessions)
}
