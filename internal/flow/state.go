package flow

import (
	"fmt"
	"strings"
)

// Kind classifies a VerificationState.
type Kind int

const (
	KindStart Kind = iota
	KindWorking
	KindFinished
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindWorking:
		return "working"
	case KindFinished:
		return "finished"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// VerificationState is what a flow publishes to its owner. Message is a human
// readable instruction for Working and an explanation for Error.
type VerificationState struct {
	Kind    Kind
	Message string
	// Cause is set on Error states produced by a failed check.
	Cause error
}

// StateStart is published by every flow when it is (re)initialised.
var StateStart = VerificationState{Kind: KindStart}

// StateFinished is published when a flow verified the subject.
var StateFinished = VerificationState{Kind: KindFinished}

// Working returns an in-progress state carrying an instruction.
func Working(message string) VerificationState {
	return VerificationState{Kind: KindWorking, Message: message}
}

// Failed returns a terminal error state.
func Failed(message string, cause error) VerificationState {
	return VerificationState{Kind: KindError, Message: message, Cause: cause}
}

// Terminal reports whether the flow can make no further progress without a
// reset.
func (s VerificationState) Terminal() bool {
	return s.Kind == KindFinished || s.Kind == KindError
}

func (s VerificationState) String() string {
	if s.Message == "" {
		return s.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", s.Kind, s.Message)
}

// Listener receives every state a flow publishes, in order.
type Listener func(VerificationState)

// Option is a challenge type; each one selects a Flow implementation.
type Option string

const (
	OptionSmile                     Option = "SMILE"
	OptionBlink                     Option = "BLINK"
	OptionRandomExpression          Option = "RANDOM_EXPRESSION"
	OptionAngledFaces               Option = "ANGLED_FACES"
	OptionAngledFacesWithSmile      Option = "ANGLED_FACES_WITH_SMILE"
	OptionAngledFacesWithExpression Option = "ANGLED_FACES_WITH_EXPRESSION"
)

// Options lists every supported challenge type.
func Options() []Option {
	return []Option{
		OptionSmile,
		OptionBlink,
		OptionRandomExpression,
		OptionAngledFaces,
		OptionAngledFacesWithSmile,
		OptionAngledFacesWithExpression,
	}
}

// ParseOption maps a wire value onto an Option, ignoring case.
func ParseOption(value string) (Option, error) {
	candidate := Option(strings.ToUpper(strings.TrimSpace(value)))
	for _, o := range Options() {
		if o == candidate {
			return o, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOption, value)
}

// NeedsClassification reports whether the detector must fill the smiling and
// eyes-open flags for this challenge.
func (o Option) NeedsClassification() bool {
	switch o {
	case OptionSmile, OptionBlink, OptionAngledFacesWithSmile:
		return true
	default:
		return false
	}
}
