//go:build !linux

package agent

import "log/slog"

// SetupInit is a no-op off Linux.
func SetupInit(*slog.Logger) {}
