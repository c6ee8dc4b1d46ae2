// Package worker provides the background worker used to drive outflow
// campaigns asynchronously.
//
// Workers consume tasks from a task queue and apply them to an engine:
// enrollments, inbound messages, durable timer wake-ups, and operator
// commands. They are lightweight, safe to run many-to-a-queue, and rely on
// the engine's per-lead lease for correctness, so scaling out never risks
// interleaved processing of one lead.
//
// # Worker Responsibilities
//
// A worker is responsible for:
//
//   - Polling a task queue for eligible tasks (timer tasks become eligible
//     at their wake time)
//   - Dispatching each task to the matching engine operation
//   - Re-enqueuing tasks that lose the per-lead lease race
//
// # Durable Timers
//
// QueueScheduler implements the engine's WakeScheduler by enqueuing timer
// tasks with a NotBefore time. With a durable queue backend the pending
// wake survives a restart; the generation stamp carried by the task lets
// the engine drop wakes that were superseded while the process was down.
//
// Most applications construct workers via the helpers in the outflow
// package, which wire engines, queues, and schedulers together.
package worker
