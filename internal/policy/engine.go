package policy

import (
	"context"
	"fmt"

	"github.com/openfield-iot/fieldgate-core/internal/event"
)

// Logger is the interface the engine needs for logging.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Warn(msg string, args ...any)  {}

// ExternalClient performs the two external HTTP actions. Implemented by
// HTTPClient; tests substitute a fake.
type ExternalClient interface {
	// Validate ships the event and maps the response status to an outcome.
	Validate(ctx context.Context, action *ExternalAction, e *event.Envelope) (Outcome, error)

	// Enrich ships the event and, on a non-terminal success, returns the
	// replacement event. The returned envelope is the input envelope when
	// the response leaves it unchanged.
	Enrich(ctx context.Context, action *ExternalAction, e *event.Envelope) (*event.Envelope, Outcome, error)
}

// Engine evaluates parsed rule lists against events.
//
// Thread Safety: Evaluate is safe for concurrent use; each call works on
// its own copy of the event.
type Engine struct {
	external ExternalClient
	logger   Logger
}

// NewEngine creates an engine. external may be nil when no configured
// rules use validate/enrich; evaluation then fails those actions.
func NewEngine(external ExternalClient, logger Logger) *Engine {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Engine{external: external, logger: logger}
}

// Evaluate runs the rule list in order against a copy of the event.
//
// Returns the final (possibly modified) event and the terminal outcome.
// Reaching the end of the list without a terminal action is an accept.
// The input envelope is never mutated.
//
// Returns:
//   - *event.Envelope: The event as modified by matched actions
//   - Outcome: Accept, Reject(reason), or Drop
//   - error: ErrServerError (wrapped) when an external endpoint failed
func (en *Engine) Evaluate(ctx context.Context, rules []Rule, e *event.Envelope) (*event.Envelope, Outcome, error) {
	current := e.Clone()

	for i, rule := range rules {
		if !rule.When.Matches(current) {
			continue
		}
		en.logger.Debug("publish rule matched", "rule", i, "subject", current.Subject)

		for _, action := range rule.Then {
			next, outcome, err := en.apply(ctx, action, current)
			if err != nil {
				return current, Outcome{}, err
			}
			current = next
			if outcome.Terminal() {
				return current, outcome, nil
			}
		}
	}

	return current, Outcome{Decision: DecisionAccept}, nil
}

// apply executes one action against the current event.
func (en *Engine) apply(ctx context.Context, action Action, e *event.Envelope) (*event.Envelope, Outcome, error) {
	cont := Outcome{Decision: DecisionContinue}

	switch {
	case action.Drop:
		return e, Outcome{Decision: DecisionDrop}, nil

	case action.Break:
		return e, Outcome{Decision: DecisionAccept}, nil

	case action.Reject != nil:
		return e, Outcome{Decision: DecisionReject, Reason: action.Reject.Reason}, nil

	case action.SetExtension != nil:
		e.SetExtension(action.SetExtension.Name, action.SetExtension.Value)
		return e, cont, nil

	case action.RemoveExtension != nil:
		e.RemoveExtension(action.RemoveExtension.Name)
		return e, cont, nil

	case action.SetAttribute != nil:
		if err := e.SetAttribute(action.SetAttribute.Name, action.SetAttribute.Value); err != nil {
			// Unreachable for rules parsed through ParseRules; the
			// whitelist is enforced at load time.
			return e, Outcome{}, err
		}
		return e, cont, nil

	case action.Validate != nil:
		if en.external == nil {
			return e, Outcome{}, fmt.Errorf("%w: no external client configured", ErrServerError)
		}
		outcome, err := en.external.Validate(ctx, action.Validate, e)
		return e, outcome, err

	case action.Enrich != nil:
		if en.external == nil {
			return e, Outcome{}, fmt.Errorf("%w: no external client configured", ErrServerError)
		}
		return en.external.Enrich(ctx, action.Enrich, e)

	default:
		return e, Outcome{}, fmt.Errorf("%w: empty action", ErrInvalidRule)
	}
}
