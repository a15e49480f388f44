// Package driftlog is a thin convention layer over log/slog: every
// subsystem logs through a logger scoped with its own "component"
// attribute, so a single driftdb.Options logger can be threaded everywhere
// while still producing attributable output.
package driftlog

import "log/slog"

// Component returns l scoped with a "component" attribute, or
// slog.Default() scoped the same way if l is nil.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", name)
}
