// Package router maps a request to an agent profile and one of its
// workflows, either by direct reference or by keyword scoring.
package router
