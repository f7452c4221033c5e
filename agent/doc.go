// Package agent provides the concrete core.Agent variants: ModelAgent, which
// converses with an LLM through the model package, and CommandAgent, which
// runs a local script per invocation.
package agent
