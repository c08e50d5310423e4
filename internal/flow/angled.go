package flow

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/example/liveness-check/internal/imageprocessor"
)

const (
	straightMessage = "Please look at the camera straight"
	leftMessage     = "Please show left side of face"
	rightMessage    = "Please show right side of face"
)

type angledState int

const (
	angledIdle angledState = iota
	angledStraight
	angledLeft
	angledRight
	angledChecking
	angledFinished
	angledFailed
)

type angledEvent int

const (
	angledStart angledEvent = iota
	angledMatched
	angledConsistent
	angledInconsistent
)

// angledFlow asks for a frontal face, then the left and right profiles.
type angledFlow struct {
	core
	m          machine[angledState, angledEvent]
	checker    consistencyChecker
	checkIdent bool
	angles     AngleConfig
}

func newAngledFlow(deps Dependencies, checkConsistency bool, listener Listener) (*angledFlow, error) {
	if err := requireEmbedder(deps, checkConsistency); err != nil {
		return nil, err
	}
	f := &angledFlow{
		core:       newCore(listener),
		checker:    deps.checker(),
		checkIdent: checkConsistency,
		angles:     deps.Config.Angles,
	}
	f.m = machine[angledState, angledEvent]{
		current:    angledIdle,
		transition: f.transition,
		enter:      f.enter,
	}
	return f, nil
}

func (f *angledFlow) transition(s angledState, e angledEvent) (angledState, bool) {
	switch {
	case s == angledIdle && e == angledStart:
		return angledStraight, true
	case s == angledStraight && e == angledMatched:
		return angledLeft, true
	case s == angledLeft && e == angledMatched:
		return angledRight, true
	case s == angledRight && e == angledMatched:
		if f.checkIdent {
			return angledChecking, true
		}
		return angledFinished, true
	case s == angledChecking && e == angledConsistent:
		return angledFinished, true
	case s == angledChecking && e == angledInconsistent:
		return angledFailed, true
	}
	return s, false
}

func (f *angledFlow) enter(s angledState) {
	switch s {
	case angledStraight:
		f.emit(Working(straightMessage))
	case angledLeft:
		f.emit(Working(leftMessage))
	case angledRight:
		f.emit(Working(rightMessage))
	case angledChecking:
		f.emit(Working(waitForChecksMessage))
	case angledFinished:
		f.emit(StateFinished)
	case angledFailed:
		f.emit(Failed(differentPersonReason, ErrInconsistentIdentity))
	}
}

// target returns the yaw the current step wants.
func (f *angledFlow) target() (int, bool) {
	switch f.m.current {
	case angledStraight:
		return f.angles.Straight, true
	case angledLeft:
		return f.angles.Left, true
	case angledRight:
		return f.angles.Right, true
	}
	return 0, false
}

func withinWindow(yaw, target, tolerance int) bool {
	diff := yaw - target
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

func (f *angledFlow) Option() Option { return OptionAngledFaces }

func (f *angledFlow) Initialise(*rand.Rand) {
	f.m.current = angledIdle
	f.restart()
	f.m.fire(angledStart)
}

func (f *angledFlow) Handle(ctx context.Context, obs imageprocessor.Observation) error {
	if target, ok := f.target(); ok {
		if withinWindow(obs.HeadYaw, target, f.angles.Tolerance) {
			f.capture(obs.Face)
			f.m.fire(angledMatched)
		}
		return nil
	}

	if f.m.current != angledChecking {
		return nil
	}
	same, err := f.checker.samePerson(ctx, f.samples)
	if err != nil {
		return fmt.Errorf("check consistency: %w", err)
	}
	if same {
		f.m.fire(angledConsistent)
	} else {
		f.m.fire(angledInconsistent)
	}
	return nil
}
