// Package testutil contains helpers shared by package tests: scripted agents
// that replay canned outputs, and fluent builders for sessions and events.
// It is not intended for production usage.
package testutil
