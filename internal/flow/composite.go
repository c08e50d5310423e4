package flow

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/example/liveness-check/internal/imageprocessor"
)

type compositeState int

const (
	compositeIdle compositeState = iota
	compositeFirst
	compositeSecond
	compositeChecking
	compositeFinished
	compositeFailed
)

type compositeEvent int

const (
	compositeStart compositeEvent = iota
	compositeStepDone
	compositeConsistent
	compositeInconsistent
)

// compositeFlow runs the angled faces challenge and one other challenge one
// after the other, in an order decided by a coin flip, then checks the
// identity over the samples of both.
type compositeFlow struct {
	core
	m          machine[compositeState, compositeEvent]
	option     Option
	angled     Flow
	challenge  Flow
	order      [2]Flow
	active     Flow
	rng        *rand.Rand
	checker    consistencyChecker
	checkIdent bool
}

func newComposite(option Option) constructor {
	return func(deps Dependencies, listener Listener) (Flow, error) {
		if err := requireEmbedder(deps, deps.Config.CheckConsistency); err != nil {
			return nil, err
		}
		f := &compositeFlow{
			core:       newCore(listener),
			option:     option,
			checker:    deps.checker(),
			checkIdent: deps.Config.CheckConsistency,
		}

		// Sub-flows only surface instructions and errors; their Start and
		// Finished belong to the composite.
		forward := func(s VerificationState) {
			if s.Kind == KindWorking || s.Kind == KindError {
				f.emit(s)
			}
		}

		angled, err := newAngledFlow(deps, false, forward)
		if err != nil {
			return nil, err
		}
		f.angled = angled

		switch option {
		case OptionAngledFacesWithSmile:
			f.challenge = newSmileFlow(forward)
		case OptionAngledFacesWithExpression:
			challenge, err := newExpressionFlow(deps, false, forward)
			if err != nil {
				return nil, err
			}
			f.challenge = challenge
		default:
			return nil, fmt.Errorf("%w: %q is not a composite", ErrUnknownOption, option)
		}

		f.m = machine[compositeState, compositeEvent]{
			current:    compositeIdle,
			transition: f.transition,
			enter:      f.enter,
		}
		return f, nil
	}
}

func (f *compositeFlow) transition(s compositeState, e compositeEvent) (compositeState, bool) {
	switch {
	case s == compositeIdle && e == compositeStart:
		return compositeFirst, true
	case s == compositeFirst && e == compositeStepDone:
		return compositeSecond, true
	case s == compositeSecond && e == compositeStepDone:
		if f.checkIdent {
			return compositeChecking, true
		}
		return compositeFinished, true
	case s == compositeChecking && e == compositeConsistent:
		return compositeFinished, true
	case s == compositeChecking && e == compositeInconsistent:
		return compositeFailed, true
	}
	return s, false
}

func (f *compositeFlow) enter(s compositeState) {
	switch s {
	case compositeFirst:
		f.active = f.order[0]
		f.active.Initialise(f.rng)
	case compositeSecond:
		f.active = f.order[1]
		f.active.Initialise(f.rng)
	case compositeChecking:
		f.active = nil
		f.emit(Working(waitForChecksMessage))
	case compositeFinished:
		f.active = nil
		f.emit(StateFinished)
	case compositeFailed:
		f.emit(Failed(differentPersonReason, ErrInconsistentIdentity))
	}
}

func (f *compositeFlow) Option() Option { return f.option }

func (f *compositeFlow) Initialise(rng *rand.Rand) {
	f.rng = rng
	if rng.IntN(2) == 0 {
		f.order = [2]Flow{f.angled, f.challenge}
	} else {
		f.order = [2]Flow{f.challenge, f.angled}
	}
	f.active = nil

	f.m.current = compositeIdle
	f.restart()
	f.m.fire(compositeStart)
}

func (f *compositeFlow) Handle(ctx context.Context, obs imageprocessor.Observation) error {
	switch f.m.current {
	case compositeFirst, compositeSecond:
		if err := f.active.Handle(ctx, obs); err != nil {
			return err
		}
		if f.active.State().Kind == KindFinished {
			f.samples = append(f.samples, f.active.Samples()...)
			f.m.fire(compositeStepDone)
		}
	case compositeChecking:
		same, err := f.checker.samePerson(ctx, f.samples)
		if err != nil {
			return fmt.Errorf("check consistency: %w", err)
		}
		if same {
			f.m.fire(compositeConsistent)
		} else {
			f.m.fire(compositeInconsistent)
		}
	}
	return nil
}
