// Package svcfields holds the shared pslog field keys used by tccstore.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey tags the component that emitted an entry.
	SubsystemKey = pslog.TrustedString("sys")
	// XidKey carries the transaction identity a log entry refers to.
	XidKey = pslog.TrustedString("xid")
	// VersionKey carries the record version a log entry refers to.
	VersionKey = pslog.TrustedString("version")
)

// Subsystem joins parts with dots, skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every entry logged through the
// returned logger. A nil logger becomes a no-op logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// Ensure returns logger, or a no-op logger when it is nil.
func Ensure(logger pslog.Logger) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	return logger
}
