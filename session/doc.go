// Package session stores the agent sessions that carry conversational
// context across the iterations of an execution.
package session
