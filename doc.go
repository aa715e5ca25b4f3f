// Package stroom is a workflow orchestration engine for provisioning,
// modifying, terminating, and validating long-lived subscriptions.
//
// Platform engineers author workflows: ordered, typed pipelines of steps
// that thread a JSON-serializable state map and drive external systems.
// The engine executes a workflow as a durable process: every step
// transition is persisted before the next step starts, so a process can
// suspend on a form, await an external callback, wait out a transient
// upstream failure, or survive a crash, and later resume from the first
// step that did not run.
//
// The package is organized around three subsystems:
//
//   - The step algebra: Step values combined into StepLists via an
//     associative Append with identity Begin, plus combinators
//     (RetryStep, InputStep, CallbackStep, Conditional, FocusSteps,
//     StepGroup) and workflow builders per target type.
//   - The process state machine: Outcome is a tagged sum over the eight
//     step results; the executor drives a ProcessStat to its next
//     non-advancing outcome, persisting each transition through a Store.
//   - Engine controls: a bounded worker pool, a global pause lock with a
//     running-process counter, maintenance sweeps (resume waiting,
//     cleanup, bulk resume under a named lock), and callback delivery.
//
// Persistence is pluggable: store/postgres for production, store/sqlite
// for tests and single-node deployments. The named lock used by bulk
// resume is pluggable too: an in-memory lock for single replicas,
// lock/redislock for shared deployments.
package stroom
