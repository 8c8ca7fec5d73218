package policy

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/openfield-iot/fieldgate-core/internal/event"
)

// fakeExternal scripts validate/enrich results for engine tests.
type fakeExternal struct {
	validateOutcome Outcome
	validateErr     error
	enriched        *event.Envelope
	calls           int
}

func (f *fakeExternal) Validate(ctx context.Context, action *ExternalAction, e *event.Envelope) (Outcome, error) {
	f.calls++
	return f.validateOutcome, f.validateErr
}

func (f *fakeExternal) Enrich(ctx context.Context, action *ExternalAction, e *event.Envelope) (*event.Envelope, Outcome, error) {
	f.calls++
	if f.enriched != nil {
		return f.enriched, Outcome{Decision: DecisionContinue}, nil
	}
	return e, Outcome{Decision: DecisionContinue}, nil
}

func mustRules(t *testing.T, raw string) []Rule {
	t.Helper()
	rules, err := ParseRules([]byte(raw))
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	return rules
}

func testEvent(subject string) *event.Envelope {
	e := event.New("io.openfield.telemetry", subject, []byte(`{"v":1}`))
	e.SetExtension(event.ExtDevice, "sensor-1")
	return e
}

func TestEngine_Evaluate_OrderSensitivity(t *testing.T) {
	rules := mustRules(t, `[
		{"when": {"isChannel": "a"}, "then": ["drop"]},
		{"when": "always", "then": ["break"]}
	]`)
	engine := NewEngine(nil, nil)

	t.Run("channel a drops", func(t *testing.T) {
		_, outcome, err := engine.Evaluate(context.Background(), rules, testEvent("a"))
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if outcome.Decision != DecisionDrop {
			t.Errorf("Decision = %q, want drop", outcome.Decision)
		}
	})

	t.Run("other channel accepts via second rule", func(t *testing.T) {
		_, outcome, err := engine.Evaluate(context.Background(), rules, testEvent("b"))
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if outcome.Decision != DecisionAccept {
			t.Errorf("Decision = %q, want accept", outcome.Decision)
		}
	})
}

func TestEngine_Evaluate_Idempotent(t *testing.T) {
	rules := mustRules(t, `[
		{"when": {"isChannel": "state"}, "then": [
			{"setExtension": {"name": "zone", "value": "a"}},
			{"setAttribute": {"name": "type", "value": "io.openfield.state"}}
		]}
	]`)
	engine := NewEngine(nil, nil)
	original := testEvent("state")

	first, firstOutcome, err := engine.Evaluate(context.Background(), rules, original)
	if err != nil {
		t.Fatalf("first Evaluate() error = %v", err)
	}
	second, secondOutcome, err := engine.Evaluate(context.Background(), rules, original)
	if err != nil {
		t.Fatalf("second Evaluate() error = %v", err)
	}

	if firstOutcome != secondOutcome {
		t.Errorf("outcomes differ: %+v vs %+v", firstOutcome, secondOutcome)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("events differ:\n%+v\n%+v", first, second)
	}
	if original.Extension("zone") != "" || original.Type != "io.openfield.telemetry" {
		t.Error("input event was mutated")
	}
}

func TestEngine_Evaluate_ImplicitAccept(t *testing.T) {
	rules := mustRules(t, `[{"when": {"isChannel": "other"}, "then": ["drop"]}]`)
	engine := NewEngine(nil, nil)

	_, outcome, err := engine.Evaluate(context.Background(), rules, testEvent("state"))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if outcome.Decision != DecisionAccept {
		t.Errorf("Decision = %q, want implicit accept", outcome.Decision)
	}

	_, outcome, err = engine.Evaluate(context.Background(), nil, testEvent("state"))
	if err != nil || outcome.Decision != DecisionAccept {
		t.Errorf("empty rule list: outcome = %+v, err = %v, want accept", outcome, err)
	}
}

func TestEngine_Evaluate_TerminalStopsEverything(t *testing.T) {
	rules := mustRules(t, `[
		{"when": "always", "then": [
			{"setExtension": {"name": "first", "value": "yes"}},
			{"reject": "stop here"},
			{"setExtension": {"name": "after", "value": "never"}}
		]},
		{"when": "always", "then": [{"setExtension": {"name": "second-rule", "value": "never"}}]}
	]`)
	engine := NewEngine(nil, nil)

	final, outcome, err := engine.Evaluate(context.Background(), rules, testEvent("state"))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if outcome.Decision != DecisionReject || outcome.Reason != "stop here" {
		t.Errorf("outcome = %+v, want reject(stop here)", outcome)
	}
	if final.Extension("first") != "yes" {
		t.Error("action before terminal did not apply")
	}
	if final.Extension("after") != "" || final.Extension("second-rule") != "" {
		t.Error("actions after terminal outcome still ran")
	}
}

func TestEngine_Evaluate_Predicates(t *testing.T) {
	tests := []struct {
		name      string
		predicate string
		subject   string
		match     bool
	}{
		{"always", `"always"`, "x", true},
		{"not always is never", `{"not": "always"}`, "x", false},
		{"empty and is false", `{"and": []}`, "x", false},
		{"empty or is false", `{"or": []}`, "x", false},
		{"and all match", `{"and": [{"isChannel": "x"}, "always"]}`, "x", true},
		{"and one fails", `{"and": [{"isChannel": "x"}, {"isChannel": "y"}]}`, "x", false},
		{"or one matches", `{"or": [{"isChannel": "y"}, {"isChannel": "x"}]}`, "x", true},
	}

	engine := NewEngine(nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := mustRules(t, `[{"when": `+tt.predicate+`, "then": ["drop"]}]`)
			_, outcome, err := engine.Evaluate(context.Background(), rules, testEvent(tt.subject))
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			got := outcome.Decision == DecisionDrop
			if got != tt.match {
				t.Errorf("matched = %v, want %v", got, tt.match)
			}
		})
	}
}

func TestEngine_Evaluate_RemoveExtension(t *testing.T) {
	rules := mustRules(t, `[
		{"when": "always", "then": [{"removeExtension": "device"}, {"removeExtension": "absent"}]}
	]`)
	engine := NewEngine(nil, nil)

	final, outcome, err := engine.Evaluate(context.Background(), rules, testEvent("state"))
	if err != nil || outcome.Decision != DecisionAccept {
		t.Fatalf("Evaluate() = %+v, %v", outcome, err)
	}
	if final.Extension(event.ExtDevice) != "" {
		t.Error("device extension not removed")
	}
}

func TestEngine_Evaluate_External(t *testing.T) {
	rules := mustRules(t, `[
		{"when": "always", "then": [{"validate": {"endpoint": "https://example.com/v"}}]}
	]`)

	t.Run("validate continue falls through to implicit accept", func(t *testing.T) {
		ext := &fakeExternal{validateOutcome: Outcome{Decision: DecisionContinue}}
		engine := NewEngine(ext, nil)
		_, outcome, err := engine.Evaluate(context.Background(), rules, testEvent("state"))
		if err != nil || outcome.Decision != DecisionAccept {
			t.Errorf("outcome = %+v, err = %v, want accept", outcome, err)
		}
		if ext.calls != 1 {
			t.Errorf("calls = %d, want 1", ext.calls)
		}
	})

	t.Run("validate reject propagates reason", func(t *testing.T) {
		ext := &fakeExternal{validateOutcome: Outcome{Decision: DecisionReject, Reason: "schema"}}
		engine := NewEngine(ext, nil)
		_, outcome, err := engine.Evaluate(context.Background(), rules, testEvent("state"))
		if err != nil || outcome.Decision != DecisionReject || outcome.Reason != "schema" {
			t.Errorf("outcome = %+v, err = %v, want reject(schema)", outcome, err)
		}
	})

	t.Run("server error aborts evaluation", func(t *testing.T) {
		ext := &fakeExternal{validateErr: ErrServerError}
		engine := NewEngine(ext, nil)
		_, _, err := engine.Evaluate(context.Background(), rules, testEvent("state"))
		if !errors.Is(err, ErrServerError) {
			t.Errorf("error = %v, want ErrServerError", err)
		}
	})

	t.Run("enrich replaces event for later rules", func(t *testing.T) {
		replacement := testEvent("enriched")
		replacement.SetExtension("added", "yes")
		ext := &fakeExternal{enriched: replacement}
		engine := NewEngine(ext, nil)

		enrichRules := mustRules(t, `[
			{"when": "always", "then": [{"enrich": {"endpoint": "https://example.com/e"}}]},
			{"when": {"isChannel": "enriched"}, "then": ["drop"]}
		]`)
		final, outcome, err := engine.Evaluate(context.Background(), enrichRules, testEvent("state"))
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if outcome.Decision != DecisionDrop {
			t.Errorf("Decision = %q, want drop (second rule saw enriched subject)", outcome.Decision)
		}
		if final.Extension("added") != "yes" {
			t.Error("enrichment not threaded through")
		}
	})

	t.Run("nil external client is a server error", func(t *testing.T) {
		engine := NewEngine(nil, nil)
		_, _, err := engine.Evaluate(context.Background(), rules, testEvent("state"))
		if !errors.Is(err, ErrServerError) {
			t.Errorf("error = %v, want ErrServerError", err)
		}
	})
}
