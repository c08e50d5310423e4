// Package lifecycle owns the active verification flow of one session. It
// rebuilds the flow when the requested challenge changes, restarts it on
// reset and republishes its states to watchers.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/flow"
	"github.com/example/liveness-check/internal/imageprocessor"
)

// ErrNoActiveFlow is returned by Handle and Reset before any option is set.
var ErrNoActiveFlow = errors.New("no detection option selected")

// Event is one state published by the active flow.
type Event struct {
	Option flow.Option
	State  flow.VerificationState
	// Samples is the number of samples the flow held when it published
	// State. It is only filled for terminal states.
	Samples int
}

// Watcher receives every state the active flow publishes, in order.
type Watcher func(Event)

// Manager holds the selected option and the live flow.
//
// Calls into the flow are serialised by flowMu. mu guards the published
// fields and is never held while a model runs. Every call into the flow is
// tagged with the generation it was started under; emissions from an older
// generation are dropped, so a reset or option change is never followed by
// a stale state.
type Manager struct {
	deps   flow.Dependencies
	logger *zap.Logger
	rng    *rand.Rand

	flowMu  sync.Mutex
	callGen uint64

	mu         sync.Mutex
	option     flow.Option
	active     flow.Flow
	state      flow.VerificationState
	generation uint64
	flowCtx    context.Context
	cancel     context.CancelFunc
	watchers   map[int]Watcher
	nextWatch  int
	updatedAt  time.Time
}

type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRand sets the source every flow initialisation derives its own
// randomness from.
func WithRand(rng *rand.Rand) Option {
	return func(m *Manager) {
		m.rng = rng
	}
}

// New returns a Manager with no active flow. Its state is Start until the
// first SetOption.
func New(deps flow.Dependencies, opts ...Option) *Manager {
	m := &Manager{
		deps:     deps,
		logger:   zap.NewNop(),
		state:    flow.StateStart,
		watchers: make(map[int]Watcher),
		cancel:   func() {},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	m.logger = m.logger.Named("lifecycle")
	return m
}

// SetOption discards the current flow, builds the flow for option and
// initialises it. Selecting the option already active is a no-op.
func (m *Manager) SetOption(option flow.Option) error {
	m.mu.Lock()
	if m.active != nil && m.option == option {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	f, err := flow.New(option, m.deps, m.publish)
	if err != nil {
		return fmt.Errorf("build %s flow: %w", option, err)
	}

	gen := m.advance(func() {
		m.option = option
		m.active = f
	})
	m.logger.Info("detection option changed", zap.String("option", string(option)), zap.Uint64("generation", gen))

	m.initialise(f, gen)
	return nil
}

// Reset restarts the current flow from Start without changing its type.
func (m *Manager) Reset() error {
	m.mu.Lock()
	f := m.active
	m.mu.Unlock()
	if f == nil {
		return ErrNoActiveFlow
	}

	gen := m.advance(nil)
	m.logger.Debug("flow reset", zap.String("option", string(f.Option())), zap.Uint64("generation", gen))

	m.initialise(f, gen)
	return nil
}

// advance cancels work of the current generation and starts the next one.
func (m *Manager) advance(mutate func()) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancel()
	m.generation++
	m.flowCtx, m.cancel = context.WithCancel(context.Background())
	if mutate != nil {
		mutate()
	}
	return m.generation
}

func (m *Manager) initialise(f flow.Flow, gen uint64) {
	m.flowMu.Lock()
	defer m.flowMu.Unlock()

	m.mu.Lock()
	current := m.generation
	m.mu.Unlock()
	if gen != current {
		// A later SetOption or Reset overtook this one.
		return
	}

	m.callGen = gen
	f.Initialise(rand.New(rand.NewPCG(m.rng.Uint64(), m.rng.Uint64())))
}

// Handle feeds obs into whichever flow is active when the call gets its
// turn. If a reset or option change happens while the flow is working, the
// work is cancelled and its outcome discarded.
func (m *Manager) Handle(ctx context.Context, obs imageprocessor.Observation) error {
	m.flowMu.Lock()
	defer m.flowMu.Unlock()

	m.mu.Lock()
	f, gen, flowCtx := m.active, m.generation, m.flowCtx
	m.mu.Unlock()
	if f == nil {
		return ErrNoActiveFlow
	}

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(flowCtx, cancel)
	defer stop()

	m.callGen = gen
	err := f.Handle(hctx, obs)
	if err != nil && flowCtx.Err() != nil {
		m.logger.Debug("discarded observation outcome after restart", zap.Error(err))
		return nil
	}
	return err
}

// publish is the listener of every flow the manager builds. Flows only emit
// from Initialise or Handle, both of which run under flowMu.
func (m *Manager) publish(s flow.VerificationState) {
	m.mu.Lock()
	if m.callGen != m.generation {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.updatedAt = time.Now()
	event := Event{Option: m.option, State: s}
	if s.Terminal() && m.active != nil {
		event.Samples = len(m.active.Samples())
	}
	watchers := make([]Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		w(event)
	}
}

// Watch registers w for every future state. The returned func unregisters it.
func (m *Manager) Watch(w Watcher) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = w
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}
}

// State returns the last state published by the active flow.
func (m *Manager) State() flow.VerificationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Option returns the selected option, empty before the first SetOption.
func (m *Manager) Option() flow.Option {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.option
}

// UpdatedAt is when the state last changed.
func (m *Manager) UpdatedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatedAt
}

// NeedsClassification tells the frame controller whether the detector must
// classify smiling and eyes-open for the active option.
func (m *Manager) NeedsClassification() bool {
	return m.Option().NeedsClassification()
}

// Samples returns the samples the active flow accepted so far.
func (m *Manager) Samples() []image.Image {
	m.flowMu.Lock()
	defer m.flowMu.Unlock()
	m.mu.Lock()
	f := m.active
	m.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Samples()
}

// Close cancels any in-flight work. The manager must not be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancel()
	m.watchers = make(map[int]Watcher)
}
