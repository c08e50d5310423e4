package flow

import (
	"context"
	"math/rand/v2"

	"github.com/example/liveness-check/internal/imageprocessor"
)

const (
	blinkOpenMessage   = "Please look at the camera with your eyes open"
	blinkCloseMessage  = "Please blink"
	blinkReopenMessage = "Please open your eyes again"
)

type blinkState int

const (
	blinkIdle blinkState = iota
	blinkWaitingOpen
	blinkWaitingClosed
	blinkWaitingReopen
	blinkDone
)

type blinkEvent int

const (
	blinkStart blinkEvent = iota
	blinkEyesOpen
	blinkEyesClosed
)

func blinkTransition(s blinkState, e blinkEvent) (blinkState, bool) {
	switch {
	case s == blinkIdle && e == blinkStart:
		return blinkWaitingOpen, true
	case s == blinkWaitingOpen && e == blinkEyesOpen:
		return blinkWaitingClosed, true
	case s == blinkWaitingClosed && e == blinkEyesClosed:
		return blinkWaitingReopen, true
	case s == blinkWaitingReopen && e == blinkEyesOpen:
		return blinkDone, true
	}
	return s, false
}

// blinkFlow wants open, closed, open eyes in that order. The face seen on
// reopening is the sample.
type blinkFlow struct {
	core
	m machine[blinkState, blinkEvent]
}

func newBlinkFlow(listener Listener) *blinkFlow {
	f := &blinkFlow{core: newCore(listener)}
	f.m = machine[blinkState, blinkEvent]{
		current:    blinkIdle,
		transition: blinkTransition,
		enter: func(s blinkState) {
			switch s {
			case blinkWaitingOpen:
				f.emit(Working(blinkOpenMessage))
			case blinkWaitingClosed:
				f.emit(Working(blinkCloseMessage))
			case blinkWaitingReopen:
				f.emit(Working(blinkReopenMessage))
			case blinkDone:
				f.emit(StateFinished)
			}
		},
	}
	return f
}

func (f *blinkFlow) Option() Option { return OptionBlink }

func (f *blinkFlow) Initialise(*rand.Rand) {
	f.m.current = blinkIdle
	f.restart()
	f.m.fire(blinkStart)
}

func (f *blinkFlow) Handle(_ context.Context, obs imageprocessor.Observation) error {
	if obs.EyesOpen == nil || f.m.current == blinkIdle || f.m.current == blinkDone {
		return nil
	}
	event := blinkEyesClosed
	if *obs.EyesOpen {
		event = blinkEyesOpen
	}
	if f.m.current == blinkWaitingReopen && event == blinkEyesOpen {
		f.capture(obs.Face)
	}
	f.m.fire(event)
	return nil
}
