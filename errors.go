package chatkit

import (
	"errors"
	"log/slog"
)

// Sentinel errors for the client state layer.
var (
	// ErrChannelUnavailable means the realtime channel is not connected.
	// Live actions (send, seen, delete) are unavailable until reconnect.
	ErrChannelUnavailable = errors.New("realtime channel not connected")

	// ErrFetchFailed wraps a failed REST page or directory load. Retryable;
	// existing store state is left intact.
	ErrFetchFailed = errors.New("history fetch failed")

	// ErrStaleResponse marks a response that arrived after the user switched
	// threads. It is discarded, never applied.
	ErrStaleResponse = errors.New("stale response discarded")

	// ErrPolicyRejected means the server's message policy forbids the
	// operation, e.g. deleting a message the recipient has already seen.
	ErrPolicyRejected = errors.New("rejected by message policy")

	// ErrNoActiveThread means an operation requires an open thread.
	ErrNoActiveThread = errors.New("no active thread")
)

// logger is the package logger for advisory failures (fire-and-forget seen
// acks, directory refreshes). Nothing here is fatal to the host application.
var logger = slog.Default()

// SetLogger replaces the package logger.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}
