package registry

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/andreasjansson/plwr/internal/protocol"
)

// Claim is a daemon's exclusive hold on a session name. The kernel drops the
// underlying flock when the process dies, however it dies.
type Claim struct {
	paths Paths
	file  *os.File
}

// Claim takes the session's lock without blocking. A live holder makes it fail
// with AlreadyRunning.
func (r *Registry) Claim(name string) (*Claim, error) {
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return nil, protocol.Wrap(protocol.KindConfiguration, fmt.Errorf("create runtime dir: %w", err))
	}
	p := r.Paths(name)
	f, err := lockFile(p.Lock)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, protocol.AlreadyRunning(name)
		}
		return nil, err
	}
	return &Claim{paths: p, file: f}, nil
}

func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Paths returns the files owned by the claim.
func (c *Claim) Paths() Paths {
	return c.paths
}

// WritePID records the daemon's pid for the supervisor.
func (c *Claim) WritePID(pid int) error {
	return os.WriteFile(c.paths.PID, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// Release removes the socket and pid files and gives the name up.
func (c *Claim) Release() error {
	removeQuietly(c.paths.Socket)
	removeQuietly(c.paths.PID)
	if err := unix.Flock(int(c.file.Fd()), unix.LOCK_UN); err != nil {
		c.file.Close()
		return fmt.Errorf("unlock: %w", err)
	}
	return c.file.Close()
}

// held reports whether some process currently holds the session's claim.
func (r *Registry) held(name string) bool {
	f, err := lockFile(r.Paths(name).Lock)
	if err != nil {
		return errors.Is(err, unix.EWOULDBLOCK)
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
	return false
}

func readPID(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s", path)
	}
	return pid, nil
}

// alive reports whether pid names a process that can still be signalled.
func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// removeQuietly is best effort; the next resolve purges whatever is left.
func removeQuietly(path string) {
	_ = os.Remove(path)
}
