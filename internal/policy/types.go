package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfield-iot/fieldgate-core/internal/event"
)

// Decision is the terminal classification of an evaluation.
type Decision string

const (
	// DecisionContinue means no terminal action fired yet. Only seen
	// mid-evaluation and from external validate responses.
	DecisionContinue Decision = "continue"

	// DecisionAccept forwards the event as currently modified.
	DecisionAccept Decision = "accept"

	// DecisionReject refuses the event with a reason for the sender.
	DecisionReject Decision = "reject"

	// DecisionDrop discards the event silently.
	DecisionDrop Decision = "drop"
)

// Outcome is the result of evaluating a rule list against an event.
type Outcome struct {
	Decision Decision

	// Reason accompanies DecisionReject; empty otherwise.
	Reason string
}

// Terminal reports whether the outcome stops evaluation.
func (o Outcome) Terminal() bool {
	return o.Decision != DecisionContinue
}

// Rule pairs a predicate with the actions to run when it matches.
type Rule struct {
	When Predicate `json:"when"`
	Then []Action  `json:"then"`
}

// ParseRules parses an application's publish rule configuration. An empty
// configuration is a valid empty rule list (everything accepted).
func ParseRules(raw json.RawMessage) ([]Rule, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("parsing publish rules: %w", err)
	}
	return rules, nil
}

// Predicate is a closed boolean union over the event. Exactly one variant
// is set after parsing.
//
// Wire format:
//
//	"always"
//	{"isChannel": "state"}
//	{"not": <predicate>}
//	{"and": [<predicate>, ...]}   empty list is false
//	{"or":  [<predicate>, ...]}   empty list is false
type Predicate struct {
	Always    bool
	IsChannel *string
	Not       *Predicate
	And       []Predicate
	Or        []Predicate
}

// UnmarshalJSON enforces the closed union: a bare "always" string or an
// object with exactly one known key.
func (p *Predicate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "always" {
			return fmt.Errorf("%w: unknown predicate %q", ErrInvalidRule, s)
		}
		*p = Predicate{Always: true}
		return nil
	}

	type raw struct {
		IsChannel *string      `json:"isChannel"`
		Not       *Predicate   `json:"not"`
		And       *[]Predicate `json:"and"`
		Or        *[]Predicate `json:"or"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var r raw
	if err := dec.Decode(&r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}

	*p = Predicate{IsChannel: r.IsChannel, Not: r.Not}
	kinds := 0
	if r.IsChannel != nil {
		kinds++
	}
	if r.Not != nil {
		kinds++
	}
	if r.And != nil {
		p.And = *r.And
		if p.And == nil {
			p.And = []Predicate{}
		}
		kinds++
	}
	if r.Or != nil {
		p.Or = *r.Or
		if p.Or == nil {
			p.Or = []Predicate{}
		}
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("%w: predicate must have exactly one variant, got %d", ErrInvalidRule, kinds)
	}
	return nil
}

// Matches evaluates the predicate against the current event state.
func (p Predicate) Matches(e *event.Envelope) bool {
	switch {
	case p.Always:
		return true
	case p.IsChannel != nil:
		return e.Subject == *p.IsChannel
	case p.Not != nil:
		return !p.Not.Matches(e)
	case p.And != nil:
		if len(p.And) == 0 {
			return false
		}
		for _, sub := range p.And {
			if !sub.Matches(e) {
				return false
			}
		}
		return true
	case p.Or != nil:
		for _, sub := range p.Or {
			if sub.Matches(e) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Action is a closed union of the operations a rule may apply. Exactly one
// variant is set after parsing.
//
// Wire format:
//
//	"drop"
//	"break"
//	{"reject": "reason"}
//	{"setExtension": {"name": "n", "value": "v"}}
//	{"removeExtension": "n"}
//	{"setAttribute": {"name": "subject", "value": "v"}}
//	{"validate": {"endpoint": "https://...", ...}}
//	{"enrich": {"endpoint": "https://...", "response": "payload", ...}}
type Action struct {
	Drop            bool
	Break           bool
	Reject          *RejectAction
	SetExtension    *NameValue
	RemoveExtension *NameOnly
	SetAttribute    *NameValue
	Validate        *ExternalAction
	Enrich          *ExternalAction
}

// RejectAction carries the reason surfaced to the sender.
type RejectAction struct {
	Reason string `json:"reason"`
}

// NameValue is the argument of setExtension and setAttribute.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NameOnly is the argument of removeExtension, accepted as a bare string
// or a {"name": ...} object.
type NameOnly struct {
	Name string `json:"name"`
}

// UnmarshalJSON accepts both forms.
func (n *NameOnly) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		n.Name = s
		return nil
	}
	type raw NameOnly
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	*n = NameOnly(r)
	return nil
}

// UnmarshalJSON enforces the closed union: a bare "drop"/"break" string or
// an object with exactly one known key. setAttribute names are checked
// against the settable whitelist here, at configuration-load time.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "drop":
			*a = Action{Drop: true}
		case "break", "accept":
			*a = Action{Break: true}
		default:
			return fmt.Errorf("%w: unknown action %q", ErrInvalidRule, s)
		}
		return nil
	}

	type raw struct {
		Reject          json.RawMessage `json:"reject"`
		SetExtension    *NameValue      `json:"setExtension"`
		RemoveExtension *NameOnly       `json:"removeExtension"`
		SetAttribute    *NameValue      `json:"setAttribute"`
		Validate        *ExternalAction `json:"validate"`
		Enrich          *ExternalAction `json:"enrich"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var r raw
	if err := dec.Decode(&r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}

	*a = Action{
		SetExtension:    r.SetExtension,
		RemoveExtension: r.RemoveExtension,
		SetAttribute:    r.SetAttribute,
		Validate:        r.Validate,
		Enrich:          r.Enrich,
	}
	kinds := 0
	if r.Reject != nil {
		reject, err := parseReject(r.Reject)
		if err != nil {
			return err
		}
		a.Reject = reject
		kinds++
	}
	if r.SetExtension != nil {
		kinds++
	}
	if r.RemoveExtension != nil {
		kinds++
	}
	if r.SetAttribute != nil {
		if !settableAttribute(r.SetAttribute.Name) {
			return fmt.Errorf("%w: attribute %q is not settable", ErrInvalidRule, r.SetAttribute.Name)
		}
		kinds++
	}
	if r.Validate != nil {
		kinds++
	}
	if r.Enrich != nil {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("%w: action must have exactly one variant, got %d", ErrInvalidRule, kinds)
	}
	return nil
}

// parseReject accepts {"reject": "reason"} and {"reject": {"reason": ...}}.
func parseReject(data json.RawMessage) (*RejectAction, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return &RejectAction{Reason: s}, nil
	}
	var r RejectAction
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: reject: %w", ErrInvalidRule, err)
	}
	return &r, nil
}

// settableAttribute reports whether policy may set the named standard
// attribute. id and time stay protocol-owned.
func settableAttribute(name string) bool {
	switch name {
	case event.AttrDataContentType, event.AttrDataSchema, event.AttrSubject, event.AttrType:
		return true
	}
	return false
}

// EncodingMode selects how the event is shipped to an external endpoint.
type EncodingMode string

const (
	// EncodingBinary puts attributes in ce-* headers, payload as body.
	// The default when unset.
	EncodingBinary EncodingMode = "binary"

	// EncodingStructured ships one JSON document carrying everything.
	EncodingStructured EncodingMode = "structured"
)

// ResponseMode selects how an enrich response replaces the event.
type ResponseMode string

const (
	// ResponseCloudEvent decodes the response per its content type: a
	// structured document or binary-mode headers+body. The default.
	ResponseCloudEvent ResponseMode = "cloudevent"

	// ResponsePayload keeps the event's metadata and replaces only the
	// payload and content type from the response body.
	ResponsePayload ResponseMode = "payload"

	// ResponseAssumeStructured decodes the body as a structured document
	// regardless of the response content type.
	ResponseAssumeStructured ResponseMode = "assumeStructured"
)

// ExternalAction configures a validate or enrich call.
type ExternalAction struct {
	Endpoint string       `json:"endpoint"`
	Request  EncodingMode `json:"request,omitempty"`
	Response ResponseMode `json:"response,omitempty"`

	// Timeout overrides the engine-wide external call timeout.
	Timeout Duration `json:"timeout,omitempty"`

	// InsecureTLS skips server certificate verification for this endpoint.
	InsecureTLS bool `json:"insecureTls,omitempty"`

	Auth    *EndpointAuth     `json:"auth,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// EndpointAuth configures request authentication. At most one of Basic and
// Bearer is set.
type EndpointAuth struct {
	Basic  *BasicAuth `json:"basic,omitempty"`
	Bearer string     `json:"bearer,omitempty"`
}

// BasicAuth is an HTTP basic-auth credential pair.
type BasicAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Duration wraps time.Duration to accept Go duration strings in JSON.
type Duration struct {
	time.Duration
}

// UnmarshalJSON parses "30s"-style duration strings.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: duration must be a string: %w", ErrInvalidRule, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	d.Duration = parsed
	return nil
}
