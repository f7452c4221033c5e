// Package core holds the small set of contracts shared by every other
// taskmesh package:
//
//   - Agent, the single invocation interface, plus the closed AgentKind and
//     Capability sets
//   - Session, the continuity container reused by all iterations of an execution
//   - Event, the notification published to observers
//   - CallLimiter, a per-session provider call budget
//
// Implementation concerns (persistence, orchestration, concrete agents) live in
// their own packages and depend on core, never the other way around.
package core
