// Package pulse provides realtime run tracking for durable workflow
// engines. It records each run's terminal outcome exactly once despite
// at-least-once delivery of engine lifecycle notifications, and gives
// observing clients a live, reassembled view of a run's progress from a
// multiplexed two-topic channel stream.
//
// Pulse is a library, not a service. The execution engine itself (step
// retries, checkpointing, scheduling) is an external collaborator behind
// the workflow.Engine interface; pulse only reacts to what it emits.
//
// # Architecture
//
// Server side, lifecycle notifications flow through lifecycle.Router into
// lifecycle.StatusWriter, which applies a first-terminal-wins status to
// the persisted run and republishes the transition on the run's channel:
//
//	engine → lifecycle.Router → lifecycle.StatusWriter → workflow.Store
//	                                       └→ channel.Publisher ("updates")
//
// Client side, a realtime.Subscription holds a token-authenticated
// connection to one channel, and a realtime.Aggregator reassembles the
// raw message stream into a consistent progress snapshot:
//
//	channel → realtime.Subscription → realtime.Aggregator → realtime.View
//
// # Channels and topics
//
// Every (user, workflow) pair owns one channel carrying two topics:
// "updates" (structured log/progress/status/result/error events) and
// "ai-stream" (raw chunk events for long-running generative output).
// See the channel package for addressing and message schemas.
//
// # Stores
//
// Run persistence is pluggable via workflow.Store. Two backends ship with
// pulse: store/memory for tests and single-process use, and store/redis
// for production. Both enforce the atomic first-terminal-wins write.
package pulse
