package stroom

import (
	"context"
	"fmt"
)

// Subscription is the opaque domain model the engine moves through
// lifecycle states. The engine never inspects it beyond its identity and
// serialized form; loading and saving go through a SubscriptionClient.
type Subscription interface {
	SubscriptionID() string
	Serialize() State
}

// SubscriptionClient is the domain-model collaborator. The engine calls
// it only for argument hydration, return-value persistence, and the
// standard lifecycle steps built by the workflow builders.
type SubscriptionClient interface {
	Load(ctx context.Context, subscriptionID string) (Subscription, error)
	Save(ctx context.Context, sub Subscription) error
	SetLifecycle(ctx context.Context, subscriptionID, lifecycle string) error
	RefreshIndex(ctx context.Context, subscriptionID string) error
}

// NopSubscriptionClient is the default collaborator: loads fail, writes
// are discarded. Workflows that never touch domain models run fine on it.
type NopSubscriptionClient struct{}

func (NopSubscriptionClient) Load(_ context.Context, id string) (Subscription, error) {
	return nil, fmt.Errorf("no subscription client configured: cannot load %s", id)
}
func (NopSubscriptionClient) Save(context.Context, Subscription) error          { return nil }
func (NopSubscriptionClient) SetLifecycle(context.Context, string, string) error { return nil }
func (NopSubscriptionClient) RefreshIndex(context.Context, string) error         { return nil }

// --- Runtime dependencies carried on the context ---

// stepDeps are the collaborators a running step may need. The engine
// attaches them to the context before entering the executor: values
// scoped to one execution, never shared mutable state.
type stepDeps struct {
	models SubscriptionClient
}

type stepDepsKey struct{}

// withStepDeps attaches runtime collaborators for steps to the context.
func withStepDeps(ctx context.Context, d stepDeps) context.Context {
	return context.WithValue(ctx, stepDepsKey{}, d)
}

// modelsFromContext returns the subscription client for the current run.
// Falls back to the nop client when the executor was entered without one
// (unit tests driving steps directly).
func modelsFromContext(ctx context.Context) SubscriptionClient {
	if d, ok := ctx.Value(stepDepsKey{}).(stepDeps); ok && d.models != nil {
		return d.models
	}
	return NopSubscriptionClient{}
}

// --- Argument manifest ---

// argKind distinguishes how a declared parameter is hydrated.
type argKind int

const (
	argRequired argKind = iota
	argOptional
	argModel
)

// argSpec is one declared parameter of a step function.
type argSpec struct {
	key  string
	kind argKind
	def  any // default for argOptional
}

// manifest is the explicit per-step parameter declaration recorded at
// construction time. Hydration is a pure function of (manifest, state),
// except model parameters, which resolve their UUID in state and hydrate
// the full model via the SubscriptionClient.
type manifest struct {
	args       []argSpec
	wholeState bool
}

// hydrate builds the argument state view passed to the step function.
// Missing required keys produce a precise error naming the key; the
// caller converts it into a Failed outcome.
func (m manifest) hydrate(ctx context.Context, st State) (State, error) {
	args := make(State, len(m.args)+1)
	for _, a := range m.args {
		switch a.kind {
		case argRequired:
			v, ok := st.Get(a.key)
			if !ok {
				return nil, fmt.Errorf("missing key %q in state", a.key)
			}
			args[a.key] = v
		case argOptional:
			if v, ok := st.Get(a.key); ok {
				args[a.key] = v
			} else {
				args[a.key] = a.def
			}
		case argModel:
			id, err := subscriptionIDFromState(st, a.key)
			if err != nil {
				return nil, err
			}
			model, err := modelsFromContext(ctx).Load(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("hydrate %q: %w", a.key, err)
			}
			args[a.key] = model
		}
	}
	if m.wholeState {
		args["state"] = st.Clone()
	}
	return args, nil
}

// subscriptionIDFromState resolves a model parameter to a subscription
// UUID: the state value may be the UUID string itself or a dict carrying
// a subscription_id field.
func subscriptionIDFromState(st State, key string) (string, error) {
	v, ok := st.Get(key)
	if !ok {
		return "", fmt.Errorf("missing key %q in state", key)
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case map[string]any:
		if id, ok := val[stateKeySubscriptionID].(string); ok {
			return id, nil
		}
	case State:
		if id, ok := val[stateKeySubscriptionID].(string); ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("key %q does not resolve to a subscription id", key)
}

// persistModels saves any Subscription values in the step's returned
// delta via the collaborator and replaces them with their serialized
// form, so the merged state stays JSON-serializable.
func persistModels(ctx context.Context, delta State) (State, error) {
	if delta == nil {
		return nil, nil
	}
	out := delta.Clone()
	client := modelsFromContext(ctx)
	for k, v := range delta {
		sub, ok := v.(Subscription)
		if !ok {
			continue
		}
		if err := client.Save(ctx, sub); err != nil {
			return nil, fmt.Errorf("save %s: %w", sub.SubscriptionID(), err)
		}
		ser := sub.Serialize().Clone()
		ser[stateKeySubscriptionID] = sub.SubscriptionID()
		out[k] = map[string]any(ser)
	}
	return out, nil
}
