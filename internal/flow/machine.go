package flow

import "image"

// machine is a tiny explicit state machine. transition decides the next state
// for an event; events it rejects are ignored. enter runs after every accepted
// transition and is where flows publish.
type machine[S comparable, E comparable] struct {
	current    S
	transition func(S, E) (S, bool)
	enter      func(S)
}

func (m *machine[S, E]) fire(event E) bool {
	next, ok := m.transition(m.current, event)
	if !ok {
		return false
	}
	m.current = next
	if m.enter != nil {
		m.enter(next)
	}
	return true
}

// core holds what every flow exposes: its last published state and the
// samples accepted so far.
type core struct {
	state    VerificationState
	samples  []image.Image
	listener Listener
}

func newCore(listener Listener) core {
	return core{state: StateStart, listener: listener}
}

func (c *core) emit(s VerificationState) {
	c.state = s
	if c.listener != nil {
		c.listener(s)
	}
}

// restart clears samples and publishes Start.
func (c *core) restart() {
	c.samples = nil
	c.emit(StateStart)
}

func (c *core) capture(face image.Image) {
	c.samples = append(c.samples, face)
}

func (c *core) State() VerificationState {
	return c.state
}

func (c *core) Samples() []image.Image {
	return append([]image.Image(nil), c.samples...)
}
