package client

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/andreasjansson/plwr/internal/protocol"
	"github.com/andreasjansson/plwr/internal/registry"
	"github.com/andreasjansson/plwr/internal/results"
)

type fakeSupervisor struct {
	entry   registry.Entry
	started int
	start   func() (registry.Entry, error)
}

func (f *fakeSupervisor) Resolve(_ context.Context, name string) (registry.Entry, error) {
	e := f.entry
	e.Name = name
	return e, nil
}

func (f *fakeSupervisor) Start(context.Context, string, registry.StartOptions) (registry.Entry, error) {
	f.started++
	return f.start()
}

// serve runs a fake daemon that answers every request with handle. A nil
// response makes it hang up without replying.
func serve(t *testing.T, handle func(protocol.Request) *protocol.Response) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "plwr-client-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	socket := filepath.Join(dir, "s.sock")
	l, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				var req protocol.Request
				if err := protocol.NewReader(conn).Read(&req); err != nil {
					return
				}
				if resp := handle(req); resp != nil {
					_ = protocol.WriteMessage(conn, resp)
				}
			}()
		}
	}()
	return socket
}

func live(socket string) *fakeSupervisor {
	return &fakeSupervisor{entry: registry.Entry{Live: true, Socket: socket}}
}

func TestDoReturnsPayload(t *testing.T) {
	seen := make(chan protocol.Request, 1)
	socket := serve(t, func(req protocol.Request) *protocol.Response {
		seen <- req
		resp := protocol.OK(req.ID, results.Text("Hello"))
		return &resp
	})
	c := New(live(socket), Options{DefaultTimeout: time.Second, ResponseGrace: time.Second}, zaptest.NewLogger(t))

	p, err := c.Do(context.Background(), protocol.Request{Session: "s", Verb: protocol.VerbText, Args: protocol.Args{Selector: "h1"}})
	require.NoError(t, err)
	assert.Equal(t, protocol.PayloadText, p.Kind)
	assert.JSONEq(t, `"Hello"`, string(p.Value))

	got := <-seen
	assert.NotEmpty(t, got.ID, "a request id is generated")
	assert.Equal(t, int64(1000), got.TimeoutMS, "the default timeout is sent along")
}

func TestDoReturnsCommandError(t *testing.T) {
	socket := serve(t, func(req protocol.Request) *protocol.Response {
		resp := protocol.Fail(req.ID, protocol.Timeout("#nope", 250*time.Millisecond))
		return &resp
	})
	c := New(live(socket), Options{ResponseGrace: time.Second}, zaptest.NewLogger(t))

	_, err := c.Do(context.Background(), protocol.Request{Session: "s", Verb: protocol.VerbWait, TimeoutMS: 250})
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrTimeout))
	assert.Equal(t, "Timeout 250ms exceeded. [selector: #nope]", err.Error())
}

func TestDoAbsentSession(t *testing.T) {
	sup := &fakeSupervisor{}
	c := New(sup, Options{}, zaptest.NewLogger(t))

	_, err := c.Do(context.Background(), protocol.Request{Session: "gone", Verb: protocol.VerbURL})
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrNotRunning))
	assert.Zero(t, sup.started)
}

func TestDoAutoStarts(t *testing.T) {
	socket := serve(t, func(req protocol.Request) *protocol.Response {
		resp := protocol.OK(req.ID, results.Empty())
		return &resp
	})
	sup := &fakeSupervisor{start: func() (registry.Entry, error) {
		return registry.Entry{Live: true, Socket: socket}, nil
	}}
	c := New(sup, Options{AutoStart: true, ResponseGrace: time.Second}, zaptest.NewLogger(t))

	_, err := c.Do(context.Background(), protocol.Request{Session: "lazy", Verb: protocol.VerbOpen, TimeoutMS: 100})
	require.NoError(t, err)
	assert.Equal(t, 1, sup.started)
}

func TestDoAutoStartFailure(t *testing.T) {
	sup := &fakeSupervisor{start: func() (registry.Entry, error) {
		return registry.Entry{}, protocol.StartupTimeout("lazy", time.Second)
	}}
	c := New(sup, Options{AutoStart: true}, zaptest.NewLogger(t))

	_, err := c.Do(context.Background(), protocol.Request{Session: "lazy", Verb: protocol.VerbOpen})
	assert.True(t, errors.Is(err, protocol.ErrStartupTimeout))
}

func TestDoResponseDeadline(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	socket := serve(t, func(protocol.Request) *protocol.Response {
		<-release
		return nil
	})
	c := New(live(socket), Options{ResponseGrace: 50 * time.Millisecond}, zaptest.NewLogger(t))

	start := time.Now()
	_, err := c.Do(context.Background(), protocol.Request{Session: "s", Verb: protocol.VerbText, TimeoutMS: 50})
	require.Error(t, err)
	assert.Equal(t, protocol.KindTimeout, protocol.KindOf(err))
	assert.Contains(t, err.Error(), "no response from session")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDoConnectionClosed(t *testing.T) {
	socket := serve(t, func(protocol.Request) *protocol.Response { return nil })
	c := New(live(socket), Options{ResponseGrace: time.Second}, zaptest.NewLogger(t))

	_, err := c.Do(context.Background(), protocol.Request{Session: "s", Verb: protocol.VerbURL, TimeoutMS: 100})
	require.Error(t, err)
	assert.Equal(t, protocol.KindTransport, protocol.KindOf(err))
}

func TestDoMismatchedReply(t *testing.T) {
	socket := serve(t, func(protocol.Request) *protocol.Response {
		resp := protocol.OK("someone-else", results.Empty())
		return &resp
	})
	c := New(live(socket), Options{ResponseGrace: time.Second}, zaptest.NewLogger(t))

	_, err := c.Do(context.Background(), protocol.Request{ID: "mine", Session: "s", Verb: protocol.VerbURL, TimeoutMS: 100})
	assert.Equal(t, protocol.KindTransport, protocol.KindOf(err))
}

func TestDoVanishedSocket(t *testing.T) {
	c := New(live(filepath.Join(os.TempDir(), "plwr-no-such.sock")), Options{}, zaptest.NewLogger(t))

	_, err := c.Do(context.Background(), protocol.Request{Session: "s", Verb: protocol.VerbURL})
	assert.True(t, errors.Is(err, protocol.ErrNotRunning))
}
