// Package registry locates, starts and stops session daemons. A session is a set
// of files under the runtime directory: a unix socket, a pid file and a lock file
// whose flock is the exclusive claim on the name.
package registry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/andreasjansson/plwr/internal/config"
	"github.com/andreasjansson/plwr/internal/protocol"
)

// DaemonCommand is the hidden subcommand a spawned daemon runs.
const DaemonCommand = "__daemon"

// Readiness lines a daemon prints on stdout once it has either started or failed.
const (
	ReadyLine   = "### ready"
	ErrorPrefix = "### error "
)

const livenessPoll = 50 * time.Millisecond

// Paths are the files that make up one registry entry.
type Paths struct {
	Socket string
	PID    string
	Lock   string
	Log    string
}

// Entry is the resolved state of a session name.
type Entry struct {
	Name   string `json:"name"`
	Live   bool   `json:"live"`
	Socket string `json:"socket"`
	PID    int    `json:"pid,omitempty"`
}

// StartOptions configure a daemon spawn.
type StartOptions struct {
	Headed      bool
	VideoOutput string
	// ExtraArgs are appended to the daemon command line, e.g. --config.
	ExtraArgs []string
}

// Registry is the supervisor view of the runtime directory.
type Registry struct {
	dir            string
	dialTimeout    time.Duration
	startupTimeout time.Duration
	stopGrace      time.Duration
	logger         *zap.Logger

	// executable is the binary re-executed as a daemon; tests point it elsewhere.
	executable string
	env        []string
}

// New creates a registry over cfg's runtime directory.
func New(cfg config.SessionConfig, dialTimeout time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dialTimeout <= 0 {
		dialTimeout = 200 * time.Millisecond
	}
	return &Registry{
		dir:            cfg.RuntimeDir,
		dialTimeout:    dialTimeout,
		startupTimeout: cfg.StartupTimeout,
		stopGrace:      cfg.StopGrace,
		logger:         logger.Named("registry"),
	}
}

// Dir returns the runtime directory.
func (r *Registry) Dir() string {
	return r.dir
}

// Paths returns the registry files for name.
func (r *Registry) Paths(name string) Paths {
	base := filepath.Join(r.dir, name)
	return Paths{
		Socket: base + ".sock",
		PID:    base + ".pid",
		Lock:   base + ".lock",
		Log:    base + ".log",
	}
}

// Resolve reports whether name has a live daemon. An entry whose socket no longer
// answers and whose claim is not held is stale; its files are purged.
func (r *Registry) Resolve(ctx context.Context, name string) (Entry, error) {
	if !config.ValidSessionName(name) {
		return Entry{}, protocol.Errorf(protocol.KindBadRequest, "invalid session name %q", name)
	}
	p := r.Paths(name)
	entry := Entry{Name: name, Socket: p.Socket}
	if pid, err := readPID(p.PID); err == nil {
		entry.PID = pid
	}

	if _, err := os.Stat(p.Socket); err != nil {
		return entry, nil
	}

	dialer := net.Dialer{Timeout: r.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", p.Socket)
	if err == nil {
		conn.Close()
		entry.Live = true
		return entry, nil
	}

	if !r.purge(name) {
		// The owner is alive but not answering; leave its files alone.
		r.logger.Warn("Session socket does not answer but the claim is held", zap.String("session", name), zap.Error(err))
		return entry, nil
	}
	r.logger.Info("Purged stale session", zap.String("session", name), zap.Error(err))
	entry.PID = 0
	return entry, nil
}

// purge removes the socket and pid files of name unless a daemon holds its claim,
// in which case the files are that daemon's and it reports false.
func (r *Registry) purge(name string) bool {
	if r.held(name) {
		return false
	}
	p := r.Paths(name)
	removeQuietly(p.Socket)
	removeQuietly(p.PID)
	return true
}

// List resolves every session that has a socket in the runtime directory,
// purging stale ones along the way.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, "*.sock"))
	if err != nil {
		return nil, fmt.Errorf("scan runtime dir: %w", err)
	}
	sort.Strings(matches)

	var live []Entry
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".sock")
		if !config.ValidSessionName(name) {
			continue
		}
		e, err := r.Resolve(ctx, name)
		if err != nil {
			return nil, err
		}
		if e.Live {
			live = append(live, e)
		}
	}
	return live, nil
}

func (r *Registry) daemonCommand(name string, opts StartOptions) (*exec.Cmd, error) {
	exe := r.executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, protocol.Wrap(protocol.KindConfiguration, fmt.Errorf("locate plwr binary: %w", err))
		}
	}

	args := []string{DaemonCommand, "--session", name}
	if opts.Headed {
		args = append(args, "--headed")
	}
	if opts.VideoOutput != "" {
		args = append(args, "--video", opts.VideoOutput)
	}
	args = append(args, opts.ExtraArgs...)

	cmd := exec.Command(exe, args...)
	// Detach from the invoking terminal so the daemon outlives it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Env = append(os.Environ(), r.env...)
	return cmd, nil
}

type readiness struct {
	err error
}

// Start spawns a daemon for name and waits for its readiness line.
func (r *Registry) Start(ctx context.Context, name string, opts StartOptions) (Entry, error) {
	entry, err := r.Resolve(ctx, name)
	if err != nil {
		return Entry{}, err
	}
	if entry.Live {
		return Entry{}, protocol.AlreadyRunning(name)
	}
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return Entry{}, protocol.Wrap(protocol.KindConfiguration, fmt.Errorf("create runtime dir: %w", err))
	}

	cmd, err := r.daemonCommand(name, opts)
	if err != nil {
		return Entry{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Entry{}, fmt.Errorf("pipe daemon stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Entry{}, protocol.Wrap(protocol.KindEngine, fmt.Errorf("spawn daemon: %w", err))
	}
	r.logger.Debug("Daemon spawned", zap.String("session", name), zap.Int("pid", cmd.Process.Pid))

	done := make(chan readiness, 1)
	go func() {
		reported := false
		scanner := bufio.NewScanner(stdout)
		// Keep draining after the readiness line so a chatty daemon never blocks
		// on a full pipe while this process is alive.
		for scanner.Scan() {
			if reported {
				continue
			}
			if ok, err := ParseReadiness(scanner.Text()); ok {
				done <- readiness{err: err}
				reported = true
			}
		}
		if !reported {
			done <- readiness{err: protocol.Errorf(protocol.KindEngine, "session %q exited before it was ready", name)}
		}
	}()

	timer := time.NewTimer(r.startupTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		// Reap the child whenever it exits so it never lingers as a zombie.
		go func() { _ = cmd.Wait() }()
		if res.err != nil {
			return Entry{}, res.err
		}
	case <-timer.C:
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		return Entry{}, protocol.StartupTimeout(name, r.startupTimeout)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		return Entry{}, protocol.Wrap(protocol.KindStartupTimeout, ctx.Err())
	}

	p := r.Paths(name)
	return Entry{Name: name, Live: true, Socket: p.Socket, PID: cmd.Process.Pid}, nil
}

// ParseReadiness interprets one daemon stdout line. ok is false for lines that
// are not readiness lines, which the supervisor ignores.
func ParseReadiness(line string) (ok bool, err error) {
	line = strings.TrimRight(line, "\r")
	if line == ReadyLine {
		return true, nil
	}
	rest, found := strings.CutPrefix(line, ErrorPrefix)
	if !found {
		return false, nil
	}
	kind, msg, hasKind := strings.Cut(rest, ": ")
	if hasKind && protocol.Kind(kind).Valid() {
		return true, protocol.Errorf(protocol.Kind(kind), "%s", msg)
	}
	return true, protocol.Errorf(protocol.KindEngine, "%s", rest)
}

// FormatReadiness renders the line a daemon prints for err, or the ready line
// when err is nil. Messages are flattened to a single line.
func FormatReadiness(err error) string {
	if err == nil {
		return ReadyLine
	}
	pe := protocol.AsError(err)
	msg := strings.ReplaceAll(pe.Error(), "\n", " ")
	return fmt.Sprintf("%s%s: %s", ErrorPrefix, pe.Kind, msg)
}

// Stop asks the daemon for name to exit and escalates to SIGKILL once the grace
// period, counted from the stop request, has passed. Files the old daemon left
// behind are removed, unless a new daemon has claimed the name meanwhile.
func (r *Registry) Stop(ctx context.Context, name string) error {
	entry, err := r.Resolve(ctx, name)
	if err != nil {
		return err
	}
	if !entry.Live {
		return protocol.NotRunning(name)
	}
	defer r.purge(name)

	deadline := time.Now().Add(r.stopGrace)
	if err := r.sendStop(ctx, name, entry.Socket, deadline); err != nil {
		r.logger.Warn("Stop request failed", zap.String("session", name), zap.Error(err))
	}

	if entry.PID == 0 {
		return nil
	}
	if r.waitExit(ctx, entry.PID, time.Until(deadline)) {
		return nil
	}
	r.logger.Warn("Daemon did not exit in time, killing", zap.String("session", name), zap.Int("pid", entry.PID))
	if err := unix.Kill(entry.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return protocol.Wrap(protocol.KindEngine, fmt.Errorf("kill daemon %d: %w", entry.PID, err))
	}
	r.waitExit(ctx, entry.PID, time.Second)
	return nil
}

// sendStop delivers the stop command and waits for its reply until deadline.
// The reply only arrives once the in-flight command and any video finalization
// are done.
func (r *Registry) sendStop(ctx context.Context, name, socket string, deadline time.Time) error {
	dialer := net.Dialer{Timeout: r.dialTimeout, Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "unix", socket)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	req := protocol.Request{ID: uuid.NewString(), Session: name, Verb: protocol.VerbStop}
	if err := protocol.WriteMessage(conn, req); err != nil {
		return err
	}
	var resp protocol.Response
	if err := protocol.NewReader(conn).Read(&resp); err != nil {
		return err
	}
	return resp.Err()
}

// waitExit polls pid until it is gone or within has elapsed.
func (r *Registry) waitExit(ctx context.Context, pid int, within time.Duration) bool {
	deadline := time.Now().Add(within)
	for {
		if !alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !alive(pid)
		case <-time.After(livenessPoll):
		}
	}
}
