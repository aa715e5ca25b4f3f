package stroom

import (
	"encoding/json"
	"fmt"
	"maps"
)

// State is the JSON-serializable mapping threaded through workflow steps.
// It is the sole channel for inter-step data. Values must round-trip
// through encoding/json: steps that put live Go values (channels, funcs,
// errors) into state cause the log write to fail, which the executor
// converts into a persisted Failed outcome.
type State map[string]any

// reserved state keys used by the engine itself.
const (
	stateKeyProcessID      = "process_id"
	stateKeyReporter       = "reporter"
	stateKeyWorkflowName   = "workflow_name"
	stateKeyWorkflowTarget = "workflow_target"
	stateKeySubscriptionID = "subscription_id"
	stateKeyRetries        = "retries"
	stateKeyExecutedAt     = "executed_at"
	stateKeyError          = "error"
	stateKeyErrorClass     = "class"
	stateKeyTraceback      = "traceback"
	stateKeySubStep        = "__sub_step"
	stateKeyStepGroup      = "__step_group"
)

// Get retrieves a named value. Returns the value and true if present.
func (s State) Get(key string) (any, bool) {
	v, ok := s[key]
	return v, ok
}

// GetString retrieves a string value, returning "" when the key is
// missing or holds a non-string.
func (s State) GetString(key string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return ""
}

// GetInt retrieves an integer value, tolerating the float64 that
// encoding/json produces when state round-trips through the store.
func (s State) GetInt(key string) (int, bool) {
	switch v := s[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Clone returns a shallow copy. Step functions receive clones so that a
// failed step cannot leave partial writes behind (the merge of its delta
// happens only on success).
func (s State) Clone() State {
	c := make(State, len(s))
	maps.Copy(c, s)
	return c
}

// Merge shallow-merges delta into a copy of s, with delta keys
// overwriting. A nil delta returns an unchanged copy.
func (s State) Merge(delta State) State {
	c := s.Clone()
	maps.Copy(c, delta)
	return c
}

// Serializable reports whether the state survives a JSON round-trip.
func (s State) Serializable() error {
	_, err := json.Marshal(s)
	return err
}

// reifyError converts a live Go error into the serializable error dict
// persisted with Failed and Waiting rows. The class field drives the
// failure subclassification on the process row.
func reifyError(err error) State {
	d := State{stateKeyError: err.Error()}
	switch classifyError(err) {
	case failClassAssertion:
		d[stateKeyErrorClass] = "assertion"
	case failClassUpstream:
		d[stateKeyErrorClass] = "upstream"
	default:
		d[stateKeyErrorClass] = "error"
	}
	d[stateKeyTraceback] = fmt.Sprintf("%+v", err)
	return d
}
