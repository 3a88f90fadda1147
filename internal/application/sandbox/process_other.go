//go:build !linux

package sandbox

import (
	"os/exec"
	"time"
)

// Namespaces and rlimits are Linux-only. Elsewhere process agents run unconfined apart from the
// empty environment and scratch directory, and only the direct child is killed at the deadline.
const isolationSupported = false

func confine(*exec.Cmd, bool, string) {}

func killGroup(*exec.Cmd) error { return nil }

func namespacesRefused(error) bool { return false }

func setLimits(int, int64, time.Duration) error { return nil }
