// Package policy evaluates an application's publish rules against an
// inbound event.
//
// Rules are an ordered list of (predicate, action list) pairs, parsed once
// from the application record's configuration into a closed AST. Evaluation
// walks the list in order: a matching predicate runs the rule's actions in
// order, threading the (possibly modified) event through each; an action
// may produce a terminal outcome (accept, reject, drop) that stops both the
// rule and the remaining list. Reaching the end of the list is an implicit
// accept.
//
// Evaluation is deterministic and side-effect-free except for two explicit
// actions, validate and enrich, which call an external HTTP endpoint. The
// HTTP transport sits behind the ExternalClient interface so the evaluator
// itself tests without network access.
package policy
