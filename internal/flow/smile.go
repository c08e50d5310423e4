package flow

import (
	"context"
	"math/rand/v2"

	"github.com/example/liveness-check/internal/imageprocessor"
)

const smileMessage = "Please try to smile"

type smileState int

const (
	smileIdle smileState = iota
	smileDetecting
	smileDetected
)

type smileEvent int

const (
	smileStart smileEvent = iota
	smileSeen
)

func smileTransition(s smileState, e smileEvent) (smileState, bool) {
	switch {
	case s == smileIdle && e == smileStart:
		return smileDetecting, true
	case s == smileDetecting && e == smileSeen:
		return smileDetected, true
	}
	return s, false
}

// smileFlow finishes on the first smiling face.
type smileFlow struct {
	core
	m machine[smileState, smileEvent]
}

func newSmileFlow(listener Listener) *smileFlow {
	f := &smileFlow{core: newCore(listener)}
	f.m = machine[smileState, smileEvent]{
		current:    smileIdle,
		transition: smileTransition,
		enter: func(s smileState) {
			switch s {
			case smileDetecting:
				f.emit(Working(smileMessage))
			case smileDetected:
				f.emit(StateFinished)
			}
		},
	}
	return f
}

func (f *smileFlow) Option() Option { return OptionSmile }

func (f *smileFlow) Initialise(*rand.Rand) {
	f.m.current = smileIdle
	f.restart()
	f.m.fire(smileStart)
}

func (f *smileFlow) Handle(_ context.Context, obs imageprocessor.Observation) error {
	if f.m.current != smileDetecting {
		return nil
	}
	if obs.Smiling != nil && *obs.Smiling {
		f.capture(obs.Face)
		f.m.fire(smileSeen)
	}
	return nil
}
