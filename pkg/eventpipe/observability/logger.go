// Package observability provides structured logging, metrics, and tracing
// for the telemetry pipeline.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Note the pipeline observes itself with OpenTelemetry; it does not export
// the application's tracked events through it.
package observability

import (
	"context"
	"log/slog"
	"time"
)

// EnrichLogger adds pipeline context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "http", "3f1c...")
//	enriched.Info("flushing") // includes sink and session_id
func EnrichLogger(logger *slog.Logger, sinkName, sessionID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("sink", sinkName),
		slog.String("session_id", sessionID),
	)
}

// LogEventTracked logs an accepted tracking call. Emitted at Info when
// verbose is set (the debug setting), otherwise at Debug.
func LogEventTracked(logger *slog.Logger, verbose bool, name, eventID string, propCount int) {
	if logger == nil {
		return
	}
	level := slog.LevelDebug
	if verbose {
		level = slog.LevelInfo
	}
	logger.Log(context.Background(), level, "event tracked",
		slog.String("event", name),
		slog.String("event_id", eventID),
		slog.Int("properties", propCount),
	)
}

// LogValidation logs a validation result. Errors are logged at Warn,
// warnings at Debug unless verbose is set.
func LogValidation(logger *slog.Logger, verbose bool, name string, errs, warnings []string) {
	if logger == nil {
		return
	}
	switch {
	case len(errs) > 0:
		logger.Warn("event failed validation",
			slog.String("event", name),
			slog.Any("errors", errs),
			slog.Any("warnings", warnings),
		)
	case len(warnings) > 0 && verbose:
		logger.Info("event validation warnings",
			slog.String("event", name),
			slog.Any("warnings", warnings),
		)
	case len(warnings) > 0:
		logger.Debug("event validation warnings",
			slog.String("event", name),
			slog.Any("warnings", warnings),
		)
	case verbose:
		logger.Info("event valid", slog.String("event", name))
	}
}

// LogSuppressed logs a tracking call that was not forwarded.
func LogSuppressed(logger *slog.Logger, name, reason string) {
	if logger == nil {
		return
	}
	logger.Debug("event suppressed",
		slog.String("event", name),
		slog.String("reason", reason),
	)
}

// LogSinkError logs a sink failure during fan-out. Fan-out continues.
func LogSinkError(logger *slog.Logger, sinkName, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("sink call failed",
		slog.String("sink", sinkName),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogDelivery logs the result of one network send.
func LogDelivery(logger *slog.Logger, sinkName string, events int, durationMs float64, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("delivery failed",
			slog.String("sink", sinkName),
			slog.Int("events", events),
			slog.Float64("duration_ms", durationMs),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("delivery succeeded",
		slog.String("sink", sinkName),
		slog.Int("events", events),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogDrop logs events permanently discarded. Data loss is the documented
// outcome of an exhausted retry budget, so this is a warning, not an error.
func LogDrop(logger *slog.Logger, owner string, events int, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("events dropped",
		slog.String("owner", owner),
		slog.Int("events", events),
		slog.String("reason", reason),
	)
}

// LogStorageError logs a persistence failure (non-fatal).
func LogStorageError(logger *slog.Logger, key, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("storage operation failed",
		slog.String("key", key),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... send batch ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
