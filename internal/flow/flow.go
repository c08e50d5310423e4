// Package flow implements the liveness challenges. Each challenge is a small
// state machine fed with face observations; it publishes VerificationStates to
// a Listener and keeps the face crops it accepted as samples.
//
// Flows are not safe for concurrent use. The lifecycle manager serialises
// every call into a flow.
package flow

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand/v2"

	"github.com/example/liveness-check/internal/imageprocessor"
	"github.com/example/liveness-check/internal/similarity"
)

var (
	// ErrUnknownOption is returned for a challenge type no flow implements.
	ErrUnknownOption = errors.New("unknown detection option")
	// ErrMissingCollaborator is returned when a flow needs a model that was
	// not supplied.
	ErrMissingCollaborator = errors.New("missing collaborator")
	// ErrNoExpressions is returned when every classifier label is excluded.
	ErrNoExpressions = errors.New("no expression labels left to request")
	// ErrInconsistentIdentity is the Cause of the Error state published when
	// the samples of one session show different people.
	ErrInconsistentIdentity = errors.New("samples do not depict the same person")
)

// Flow is one liveness challenge.
type Flow interface {
	Option() Option
	// Initialise clears all progress, publishes Start and then the first
	// instruction. rng is the only source of randomness the flow uses.
	Initialise(rng *rand.Rand)
	// Handle feeds one observation. It performs at most one transition. A
	// returned error comes from a model; the state is left unchanged.
	Handle(ctx context.Context, obs imageprocessor.Observation) error
	State() VerificationState
	// Samples returns a copy of the accepted face crops in acceptance order.
	Samples() []image.Image
}

// ExpressionConfig tunes the random expression challenge.
type ExpressionConfig struct {
	// Count is how many distinct expressions are requested.
	Count int
	// ConfidenceThreshold must be strictly exceeded by the top classifier
	// result.
	ConfidenceThreshold float64
	// Excluded labels are never requested.
	Excluded []string
}

// AngleConfig tunes the angled faces challenge. A yaw passes a step when
// |yaw - target| <= Tolerance.
type AngleConfig struct {
	Straight  int
	Left      int
	Right     int
	Tolerance int
}

// Config holds the tunables of every flow.
type Config struct {
	Expressions ExpressionConfig
	Angles      AngleConfig
	// CheckConsistency enables the identity check after the last step.
	CheckConsistency bool
	// EmbedConcurrency bounds concurrent Embed calls during the check.
	EmbedConcurrency int
}

// DefaultConfig returns the tunables the models were calibrated with.
func DefaultConfig() Config {
	return Config{
		Expressions: ExpressionConfig{
			Count:               2,
			ConfidenceThreshold: 0.5,
			Excluded:            []string{"Disgusted", "Sad"},
		},
		Angles: AngleConfig{
			Straight:  0,
			Left:      -25,
			Right:     25,
			Tolerance: 5,
		},
		CheckConsistency: true,
		EmbedConcurrency: 1,
	}
}

// Dependencies are the collaborators flows are built from.
type Dependencies struct {
	Classifier imageprocessor.ExpressionClassifier
	Embedder   imageprocessor.Embedder
	Similarity similarity.Engine
	Config     Config
}

func (d Dependencies) checker() consistencyChecker {
	return consistencyChecker{
		embedder:    d.Embedder,
		engine:      d.Similarity,
		concurrency: d.Config.EmbedConcurrency,
	}
}

type constructor func(deps Dependencies, listener Listener) (Flow, error)

var constructors = map[Option]constructor{
	OptionSmile: func(deps Dependencies, listener Listener) (Flow, error) {
		return newSmileFlow(listener), nil
	},
	OptionBlink: func(deps Dependencies, listener Listener) (Flow, error) {
		return newBlinkFlow(listener), nil
	},
	OptionRandomExpression: func(deps Dependencies, listener Listener) (Flow, error) {
		f, err := newExpressionFlow(deps, deps.Config.CheckConsistency, listener)
		if err != nil {
			return nil, err
		}
		return f, nil
	},
	OptionAngledFaces: func(deps Dependencies, listener Listener) (Flow, error) {
		f, err := newAngledFlow(deps, deps.Config.CheckConsistency, listener)
		if err != nil {
			return nil, err
		}
		return f, nil
	},
	OptionAngledFacesWithSmile:      newComposite(OptionAngledFacesWithSmile),
	OptionAngledFacesWithExpression: newComposite(OptionAngledFacesWithExpression),
}

// New builds the flow for option. The flow publishes to listener and starts
// in StateStart; call Initialise before feeding observations.
func New(option Option, deps Dependencies, listener Listener) (Flow, error) {
	build, ok := constructors[option]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOption, option)
	}
	return build(deps, listener)
}

func requireEmbedder(deps Dependencies, enabled bool) error {
	if enabled && deps.Embedder == nil {
		return fmt.Errorf("%w: embedder", ErrMissingCollaborator)
	}
	return nil
}
