// Package logging provides a minimal logging interface and adapters for taskmesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn,
// Error) taking key/value pairs. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - ZapAdapter wrapping go.uber.org/zap
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger, err := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelInfo, Backend: logging.BackendZap})
//	eng := engine.New(engine.WithLogger(logger))
package logging
