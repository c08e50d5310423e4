package flow

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/example/liveness-check/internal/imageprocessor"
)

type expressionState int

const (
	expressionIdle expressionState = iota
	expressionDetecting
	expressionChecking
	expressionFinished
	expressionFailed
)

type expressionEvent int

const (
	expressionStart expressionEvent = iota
	expressionMatched
	expressionExhausted
	expressionConsistent
	expressionInconsistent
)

// expressionFlow asks for a random sequence of distinct facial expressions.
type expressionFlow struct {
	core
	m          machine[expressionState, expressionEvent]
	classifier imageprocessor.ExpressionClassifier
	checker    consistencyChecker
	checkIdent bool
	threshold  float64
	labels     []string
	count      int
	pending    []string
	requested  string
}

func newExpressionFlow(deps Dependencies, checkConsistency bool, listener Listener) (*expressionFlow, error) {
	if deps.Classifier == nil {
		return nil, fmt.Errorf("%w: expression classifier", ErrMissingCollaborator)
	}
	if err := requireEmbedder(deps, checkConsistency); err != nil {
		return nil, err
	}

	cfg := deps.Config.Expressions
	var labels []string
	for _, label := range deps.Classifier.Labels() {
		excluded := slices.ContainsFunc(cfg.Excluded, func(e string) bool {
			return strings.EqualFold(e, label)
		})
		if !excluded && !slices.Contains(labels, label) {
			labels = append(labels, label)
		}
	}
	if len(labels) == 0 {
		return nil, ErrNoExpressions
	}

	f := &expressionFlow{
		core:       newCore(listener),
		classifier: deps.Classifier,
		checker:    deps.checker(),
		checkIdent: checkConsistency,
		threshold:  cfg.ConfidenceThreshold,
		labels:     labels,
		count:      min(max(cfg.Count, 1), len(labels)),
	}
	f.m = machine[expressionState, expressionEvent]{
		current:    expressionIdle,
		transition: f.transition,
		enter:      f.enter,
	}
	return f, nil
}

func (f *expressionFlow) transition(s expressionState, e expressionEvent) (expressionState, bool) {
	switch s {
	case expressionIdle:
		if e == expressionStart {
			return expressionDetecting, true
		}
	case expressionDetecting:
		switch e {
		case expressionMatched:
			return expressionDetecting, true
		case expressionExhausted:
			if f.checkIdent {
				return expressionChecking, true
			}
			return expressionFinished, true
		}
	case expressionChecking:
		switch e {
		case expressionConsistent:
			return expressionFinished, true
		case expressionInconsistent:
			return expressionFailed, true
		}
	}
	return s, false
}

func (f *expressionFlow) enter(s expressionState) {
	switch s {
	case expressionDetecting:
		f.requested, f.pending = f.pending[0], f.pending[1:]
		f.emit(Working(expressionInstruction(f.requested)))
	case expressionChecking:
		f.emit(Working(waitForChecksMessage))
	case expressionFinished:
		f.emit(StateFinished)
	case expressionFailed:
		f.emit(Failed(differentPersonReason, ErrInconsistentIdentity))
	}
}

func expressionInstruction(label string) string {
	return fmt.Sprintf("Please try to be %s", strings.ToLower(label))
}

func (f *expressionFlow) Option() Option { return OptionRandomExpression }

// Initialise draws count distinct labels from the allowed set.
func (f *expressionFlow) Initialise(rng *rand.Rand) {
	pool := slices.Clone(f.labels)
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	f.pending = pool[:f.count]
	f.requested = ""

	f.m.current = expressionIdle
	f.restart()
	f.m.fire(expressionStart)
}

func (f *expressionFlow) Handle(ctx context.Context, obs imageprocessor.Observation) error {
	switch f.m.current {
	case expressionDetecting:
		ranked, err := f.classifier.Classify(ctx, obs.Face)
		if err != nil {
			return fmt.Errorf("classify expression: %w", err)
		}
		if len(ranked) == 0 {
			return nil
		}
		top := ranked[0]
		if top.Label != f.requested || top.Confidence <= f.threshold {
			return nil
		}
		f.capture(obs.Face)
		if len(f.pending) == 0 {
			f.m.fire(expressionExhausted)
		} else {
			f.m.fire(expressionMatched)
		}
	case expressionChecking:
		same, err := f.checker.samePerson(ctx, f.samples)
		if err != nil {
			return fmt.Errorf("check consistency: %w", err)
		}
		if same {
			f.m.fire(expressionConsistent)
		} else {
			f.m.fire(expressionInconsistent)
		}
	}
	return nil
}
