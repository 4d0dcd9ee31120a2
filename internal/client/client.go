// Package client sends one command to a session daemon and waits for its answer.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andreasjansson/plwr/internal/protocol"
	"github.com/andreasjansson/plwr/internal/registry"
)

// finalizeAllowance is added to the response deadline of commands that may
// finish a video recording, which is not bounded by the command timeout.
const finalizeAllowance = 2 * time.Minute

// Supervisor is the part of the registry the client needs.
type Supervisor interface {
	Resolve(ctx context.Context, name string) (registry.Entry, error)
	Start(ctx context.Context, name string, opts registry.StartOptions) (registry.Entry, error)
}

var _ Supervisor = (*registry.Registry)(nil)

// Options configure a Client.
type Options struct {
	DialTimeout time.Duration
	// ResponseGrace is how long past the command timeout the client waits for a
	// reply before giving up with Timeout.
	ResponseGrace  time.Duration
	DefaultTimeout time.Duration
	// AutoStart starts an absent session with Start instead of failing.
	AutoStart bool
	Start     registry.StartOptions
}

// Client talks to session daemons.
type Client struct {
	sup    Supervisor
	opts   Options
	logger *zap.Logger
}

// New creates a client on top of sup.
func New(sup Supervisor, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 200 * time.Millisecond
	}
	return &Client{sup: sup, opts: opts, logger: logger.Named("client")}
}

// Do delivers req to its session and returns the payload of a successful reply.
// A failed command comes back as its typed error.
func (c *Client) Do(ctx context.Context, req protocol.Request) (*protocol.Payload, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.TimeoutMS == 0 && c.opts.DefaultTimeout > 0 {
		req.TimeoutMS = c.opts.DefaultTimeout.Milliseconds()
	}

	entry, err := c.sup.Resolve(ctx, req.Session)
	if err != nil {
		return nil, err
	}
	if !entry.Live {
		if !c.opts.AutoStart {
			return nil, protocol.NotRunning(req.Session)
		}
		c.logger.Info("Starting session on demand", zap.String("session", req.Session))
		if entry, err = c.sup.Start(ctx, req.Session, c.opts.Start); err != nil {
			return nil, err
		}
	}

	resp, err := c.exchange(ctx, entry.Socket, req)
	if err != nil {
		return nil, err
	}
	if resp.ID != "" && resp.ID != req.ID {
		return nil, protocol.Errorf(protocol.KindTransport, "response id %q does not match request %q", resp.ID, req.ID)
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

func (c *Client) exchange(ctx context.Context, socket string, req protocol.Request) (protocol.Response, error) {
	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socket)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return protocol.Response{}, protocol.NotRunning(req.Session)
		}
		return protocol.Response{}, protocol.Wrap(protocol.KindTransport, fmt.Errorf("connect to session %q: %w", req.Session, err))
	}
	defer conn.Close()

	wait := req.Timeout() + c.opts.ResponseGrace
	if req.Verb == protocol.VerbVideoStop || req.Verb == protocol.VerbStop {
		wait += finalizeAllowance
	}
	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return protocol.Response{}, protocol.Wrap(protocol.KindTransport, err)
	}

	c.logger.Debug("Sending command", zap.String("session", req.Session), zap.String("verb", string(req.Verb)), zap.String("id", req.ID))
	if err := protocol.WriteMessage(conn, req); err != nil {
		return protocol.Response{}, c.ioError(req, wait, err)
	}

	var resp protocol.Response
	if err := protocol.NewReader(conn).Read(&resp); err != nil {
		return protocol.Response{}, c.ioError(req, wait, err)
	}
	return resp, nil
}

func (c *Client) ioError(req protocol.Request, wait time.Duration, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &protocol.Error{
			Kind:    protocol.KindTimeout,
			Message: fmt.Sprintf("no response from session %q within %s", req.Session, wait),
			Elapsed: wait,
			Err:     err,
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return protocol.Errorf(protocol.KindTransport, "session %q closed the connection without a reply", req.Session)
	}
	var pe *protocol.Error
	if errors.As(err, &pe) {
		// A reply that does not decode is a transport fault on this side.
		return protocol.Wrap(protocol.KindTransport, fmt.Errorf("read reply: %w", err))
	}
	return protocol.Wrap(protocol.KindTransport, err)
}
