// Package outflow provides an embeddable execution engine for conversational
// outreach campaigns.
//
// A campaign is a directed graph of typed nodes: a trigger that admits leads,
// delays, A/B splits, message and tag actions, intent routing, AI-driven
// conversation steps, handoffs to humans or other campaigns, and closing
// nodes. Each enrolled lead walks the graph as its own little state machine,
// pausing on timers and replies, and every transition is persisted so a
// process restart never loses a conversation mid-flight.
//
// # Core Concepts
//
//  1. FlowGraph
//  2. Engine
//  3. LeadContext
//  4. Worker
//  5. LocalRunner
//
// # FlowGraph
//
// Graphs are built fluently with GraphBuilder or loaded from YAML with
// ParseGraphYAML. Publishing a graph validates it and stores it as the
// campaign's next immutable version; leads already in flight stay pinned to
// the version they enrolled on.
//
// # Engine
//
// The Engine applies events to leads: enrollments, inbound messages, timer
// fires, and operator commands. Within one lead everything is strictly
// serialized behind a short-lived lease; across leads calls run fully in
// parallel. When an event arrives the engine resolves the graph synchronously
// until the lead has to wait on something external, so a chain like
// action -> goto -> logic -> closing completes in a single call.
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Redis
//
// Side effects (messages, tags, webhooks) run with bounded exponential
// retry; when retries are exhausted the lead is handed to a human rather
// than dropped.
//
// # Worker
//
// The worker package turns the engine into an asynchronous system: tasks
// (enrollments, messages, durable timers, commands) flow through a queue and
// any number of workers. Delay timers are queue tasks with a wake time, so a
// durable queue backend makes them survive restarts.
//
// # External collaborators
//
// The engine talks to the outside world through small interfaces: Messenger
// delivers outbound messages, DecisionService answers AI conversation steps,
// WebhookCaller posts lead snapshots, and LeadDirectory maintains tags and
// statuses. All are optional; a graph that never uses a capability needs no
// implementation for it.
//
// # Observability
//
// Observers receive engine lifecycle events (enrollments, node outcomes,
// effects, closures, escalations). LoggingObserver writes structured logs
// via slog, BasicMetrics keeps cheap in-process counters, and the metrics
// package exports Prometheus collectors. CompositeObserver fans out to
// several at once.
package outflow
