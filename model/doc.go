// Package model is the provider-neutral text generation interface used by
// model agents. Provider adapters live in model/anthropic and model/openai;
// MockModel serves scripted replies for tests and dry runs.
package model
