package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/arena/internal/domain"
)

const DefaultMemoryLimit = 512 << 20

// ErrIsolationUnavailable is returned when confinement is required but the host cannot provide it.
var ErrIsolationUnavailable = errors.New("process isolation unavailable")

// ProcessRuntime runs each evaluation as a fresh OS process.
//
// Protocol: the Input is written to stdin as one JSON document; the agent writes one Output
// document to stdout and exits 0. The process gets an empty environment and a scratch working
// directory that is removed afterwards.
//
// On Linux the agent runs in its own process group and in fresh user, network, mount, IPC and
// UTS namespaces, so it has no network beyond a downed loopback. Address space and CPU time are
// capped with rlimits before the agent receives its input. When RootDir is set the agent is also
// chrooted there and sees no host files. The whole process group is killed when ctx expires,
// so children the agent spawned die with it.
type ProcessRuntime struct {
	MaxOutputBytes int64  // stdout beyond this is an AgentCrash
	ScratchRoot    string // parent for per-evaluation directories; "" uses os.TempDir
	WaitDelay      time.Duration
	MemoryLimit    int64  // address-space ceiling in bytes; <= 0 disables it
	RootDir        string // chroot for agents; requires namespaces
	// RequireIsolation fails evaluations instead of running agents unconfined when the host
	// refuses to create namespaces.
	RequireIsolation bool

	unconfined atomic.Bool
	warnOnce   sync.Once
}

// NewProcessRuntime returns a runtime with default output and memory limits.
func NewProcessRuntime(scratchRoot string) *ProcessRuntime {
	return &ProcessRuntime{
		MaxOutputBytes: DefaultMaxOutputBytes,
		ScratchRoot:    scratchRoot,
		WaitDelay:      100 * time.Millisecond,
		MemoryLimit:    DefaultMemoryLimit,
	}
}

func (r *ProcessRuntime) Invoke(ctx context.Context, agent domain.AgentHandle, in Input) ([]domain.Intent, error) {
	if agent.Entry == "" {
		return nil, fmt.Errorf("process runtime: agent %s has no entry point", agent.ID)
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("process runtime: encode input: %w", err)
	}

	strict := r.RequireIsolation || r.RootDir != ""
	if strict && !isolationSupported {
		return nil, fmt.Errorf("process runtime: %w on this platform", ErrIsolationUnavailable)
	}

	dir, workDir, err := r.scratch(agent.ID)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	limit := r.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	stdout := &cappedBuffer{max: limit}
	stderr := &cappedBuffer{max: 4 << 10}

	isolate := isolationSupported && !r.unconfined.Load()
	cmd, stdin, err := r.start(ctx, agent, workDir, stdout, stderr, isolate)
	if err != nil && isolate && namespacesRefused(err) {
		if strict {
			return nil, fmt.Errorf("process runtime: %w: %v", ErrIsolationUnavailable, err)
		}
		r.unconfined.Store(true)
		r.warnOnce.Do(func() {
			slog.Warn("sandbox: namespaces unavailable, process agents run without network isolation", "err", err)
		})
		cmd, stdin, err = r.start(ctx, agent, workDir, stdout, stderr, false)
	}
	if err != nil {
		return nil, fmt.Errorf("process runtime: start %s: %w", agent.Entry, err)
	}
	defer killGroup(cmd)

	if err := setLimits(cmd.Process.Pid, r.MemoryLimit, cpuBudget(ctx)); err != nil {
		_ = killGroup(cmd)
		_ = cmd.Wait()
		return nil, fmt.Errorf("process runtime: apply limits: %w", err)
	}
	// Input is released only once the limits are in place.
	go func() {
		_, _ = stdin.Write(payload)
		_ = stdin.Close()
	}()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("process runtime: agent exited: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.overflow {
		return nil, fmt.Errorf("process runtime: output exceeds %d bytes", limit)
	}

	var out Output
	dec := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("process runtime: decode output: %w", err)
	}
	return out.Intents, nil
}

func (r *ProcessRuntime) start(ctx context.Context, agent domain.AgentHandle, dir string, stdout, stderr io.Writer, isolate bool) (*exec.Cmd, io.WriteCloser, error) {
	cmd := exec.CommandContext(ctx, agent.Entry, agent.Args...)
	cmd.Env = []string{}
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.WaitDelay
	root := ""
	if isolate {
		root = r.RootDir
	}
	confine(cmd, isolate, root)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return cmd, stdin, nil
}

// scratch creates the per-evaluation directory. It returns the host path and the path the agent
// sees, which differ when the agent is chrooted.
func (r *ProcessRuntime) scratch(agentID string) (string, string, error) {
	parent := r.ScratchRoot
	if r.RootDir != "" {
		parent = filepath.Join(r.RootDir, "tmp")
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return "", "", fmt.Errorf("process runtime: scratch dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(parent, "agent-"+sanitize(agentID)+"-*")
	if err != nil {
		return "", "", fmt.Errorf("process runtime: scratch dir: %w", err)
	}
	if r.RootDir == "" {
		return dir, dir, nil
	}
	return dir, "/tmp/" + filepath.Base(dir), nil
}

// cpuBudget rounds the time left on ctx up to whole seconds, the granularity of RLIMIT_CPU.
func cpuBudget(ctx context.Context) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return time.Until(dl).Truncate(time.Second) + time.Second
}

// cappedBuffer keeps at most max bytes and silently discards the rest, so a chatty agent
// cannot block on a full pipe or exhaust memory.
type cappedBuffer struct {
	bytes.Buffer
	max      int64
	overflow bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - int64(b.Len())
	if int64(len(p)) > room {
		b.overflow = true
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
