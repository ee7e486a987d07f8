package agent

import (
	"log/slog"
	"os"
	"syscall"
)

// mount describes a filesystem mounted in init mode.
type mount struct {
	source string
	target string
	fstype string
}

var initMounts = []mount{
	{source: "proc", target: "/proc", fstype: "proc"},
	{source: "sysfs", target: "/sys", fstype: "sysfs"},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs"},
}

// SetupInit prepares a bare guest when the engine agent runs as PID 1 inside
// a microVM: it mounts the kernel filesystems and sets a default environment.
// It does nothing for any other pid.
func SetupInit(logger *slog.Logger) {
	if os.Getpid() != 1 {
		return
	}
	logger.Info("running as pid 1, mounting kernel filesystems")

	for _, m := range initMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			logger.Warn("create mount point", "target", m.target, "error", err)
			continue
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, 0, ""); err != nil {
			logger.Warn("mount", "target", m.target, "error", err)
		}
	}

	os.Setenv("HOME", "/root")
	os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
}
