package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andreasjansson/plwr/internal/browser"
	"github.com/andreasjansson/plwr/internal/config"
	"github.com/andreasjansson/plwr/internal/mocks"
	"github.com/andreasjansson/plwr/internal/protocol"
	"github.com/andreasjansson/plwr/internal/registry"
)

// readyLines collects what the daemon reports on its readiness writer.
type readyLines chan string

func (r readyLines) Write(p []byte) (int, error) {
	r <- strings.TrimSpace(string(p))
	return len(p), nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	var cfg config.Config
	require.NoError(t, v.Unmarshal(&cfg))

	// Unix socket paths are short; t.TempDir() can exceed the limit.
	dir, err := os.MkdirTemp("", "plwr-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg.Session.RuntimeDir = dir
	cfg.Video.Dir = filepath.Join(dir, "video")
	cfg.Wait.PollInterval = 10 * time.Millisecond
	return &cfg
}

type runningDaemon struct {
	page   *mocks.MockPage
	socket string
	done   chan error
	cancel context.CancelFunc
}

func startDaemon(t *testing.T, cfg *config.Config, session string) *runningDaemon {
	t.Helper()
	page := new(mocks.MockPage)
	page.On("Close", mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(readyLines, 1)
	d := &runningDaemon{
		page:   page,
		socket: filepath.Join(cfg.Session.RuntimeDir, session+".sock"),
		done:   make(chan error, 1),
		cancel: cancel,
	}
	launcher := func(context.Context, browser.LaunchOptions) (browser.Page, error) { return page, nil }
	go func() {
		d.done <- Run(ctx, cfg, RunOptions{Session: session, Launcher: launcher, Ready: ready}, zap.NewNop())
	}()

	select {
	case line := <-ready:
		require.Equal(t, registry.ReadyLine, line)
	case err := <-d.done:
		t.Fatalf("daemon exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not become ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-d.done:
		case <-time.After(5 * time.Second):
		}
	})
	return d
}

func (d *runningDaemon) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-d.done:
		// Put it back for the cleanup.
		d.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not exit")
		return nil
	}
}

func send(t *testing.T, socket string, req protocol.Request) protocol.Response {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, protocol.WriteMessage(conn, req))

	var resp protocol.Response
	require.NoError(t, protocol.NewReader(conn).Read(&resp))
	return resp
}

func TestRunServesUntilStop(t *testing.T) {
	cfg := testConfig(t)
	d := startDaemon(t, cfg, "alpha")

	info, err := os.Stat(d.socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	d.page.On("Navigate", mock.Anything, "http://example.test/").Return(nil).Once()
	resp := send(t, d.socket, protocol.Request{ID: "1", Session: "alpha", Verb: protocol.VerbOpen, Args: protocol.Args{URL: "http://example.test/"}})
	require.NoError(t, resp.Err())
	assert.Equal(t, "1", resp.ID)

	resp = send(t, d.socket, protocol.Request{ID: "2", Session: "alpha", Verb: protocol.VerbStop})
	require.NoError(t, resp.Err())
	assert.Equal(t, "2", resp.ID)

	require.NoError(t, d.wait(t))
	assert.NoFileExists(t, d.socket)
	assert.NoFileExists(t, filepath.Join(cfg.Session.RuntimeDir, "alpha.pid"))
	d.page.AssertCalled(t, "Close", mock.Anything)
}

func TestRunProcessesCommandsSerially(t *testing.T) {
	cfg := testConfig(t)
	d := startDaemon(t, cfg, "serial")

	var active, peak atomic.Int32
	d.page.On("Navigate", mock.Anything, mock.AnythingOfType("string")).
		Run(func(mock.Arguments) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			active.Add(-1)
		}).
		Return(nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			url := "http://example.test/" + string(rune('a'+i))
			resp := send(t, d.socket, protocol.Request{ID: url, Verb: protocol.VerbOpen, Args: protocol.Args{URL: url}})
			assert.NoError(t, resp.Err())
			assert.Equal(t, url, resp.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	d.page.AssertNumberOfCalls(t, "Navigate", 4)
}

func TestRunAnswersMalformedRequests(t *testing.T) {
	cfg := testConfig(t)
	d := startDaemon(t, cfg, "garbage")

	conn, err := net.Dial("unix", d.socket)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)

	reader := protocol.NewReader(conn)
	var resp protocol.Response
	require.NoError(t, reader.Read(&resp))
	assert.Equal(t, protocol.KindBadRequest, protocol.KindOf(resp.Err()))

	// The connection stays usable after a bad line.
	require.NoError(t, protocol.WriteMessage(conn, protocol.Request{ID: "s", Verb: protocol.VerbStatus}))
	require.NoError(t, reader.Read(&resp))
	require.NoError(t, resp.Err())
	assert.Contains(t, string(resp.Payload.Value), `"state":"ready"`)
}

func TestRunRejectsSecondDaemonForName(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg, "taken")

	ready := make(readyLines, 1)
	launched := false
	launcher := func(context.Context, browser.LaunchOptions) (browser.Page, error) {
		launched = true
		return nil, errors.New("unreachable")
	}
	err := Run(context.Background(), cfg, RunOptions{Session: "taken", Launcher: launcher, Ready: ready}, zap.NewNop())

	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrAlreadyRunning))
	assert.False(t, launched)
	assert.True(t, strings.HasPrefix(<-ready, registry.ErrorPrefix+"AlreadyRunning: "))
}

func TestRunReportsLaunchFailure(t *testing.T) {
	cfg := testConfig(t)
	ready := make(readyLines, 1)
	launcher := func(context.Context, browser.LaunchOptions) (browser.Page, error) {
		return nil, errors.New("browser binary missing")
	}

	err := Run(context.Background(), cfg, RunOptions{Session: "broken", Launcher: launcher, Ready: ready}, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, protocol.KindEngine, protocol.KindOf(err))

	ok, rerr := registry.ParseReadiness(<-ready)
	assert.True(t, ok)
	assert.Equal(t, "browser binary missing", rerr.Error())

	// The claim is released so the name can be reused.
	d := startDaemon(t, cfg, "broken")
	d.cancel()
	require.NoError(t, d.wait(t))
}

func TestRunCancelFinishesCleanly(t *testing.T) {
	cfg := testConfig(t)
	d := startDaemon(t, cfg, "sigterm")

	d.cancel()
	require.NoError(t, d.wait(t))
	assert.NoFileExists(t, d.socket)

	_, err := net.Dial("unix", d.socket)
	assert.Error(t, err)
}

func TestRunStopFinalizesStartupRecording(t *testing.T) {
	cfg := testConfig(t)
	page := new(mocks.MockPage)
	page.On("Close", mock.Anything).Return(nil)

	output := filepath.Join(t.TempDir(), "session.webm")
	var recDir string
	launcher := func(_ context.Context, opts browser.LaunchOptions) (browser.Page, error) {
		recDir = opts.VideoDir
		return page, nil
	}

	ready := make(readyLines, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), cfg, RunOptions{Session: "rec", VideoOutput: output, Launcher: launcher, Ready: ready}, zap.NewNop())
	}()
	require.Equal(t, registry.ReadyLine, <-ready)
	require.DirExists(t, recDir)

	raw := filepath.Join(recDir, "raw.webm")
	require.NoError(t, os.WriteFile(raw, []byte("frames"), 0o644))
	page.On("StopVideo", mock.Anything).Return(raw, nil).Once()

	socket := filepath.Join(cfg.Session.RuntimeDir, "rec.sock")
	resp := send(t, socket, protocol.Request{ID: "stop", Verb: protocol.VerbStop})
	require.NoError(t, resp.Err())
	require.NoError(t, <-done)

	got, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "frames", string(got))
	assert.NoDirExists(t, recDir)
}

func TestDrainRefusesNewRequests(t *testing.T) {
	srv := newServer(nil, zap.NewNop())

	require.True(t, srv.track())
	drained := make(chan struct{})
	go func() {
		srv.drain()
		close(drained)
	}()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.closing
	}, time.Second, 5*time.Millisecond)
	assert.False(t, srv.track(), "no reply is tracked once draining")

	select {
	case <-drained:
		t.Fatal("drain returned with a reply still in progress")
	case <-time.After(50 * time.Millisecond):
	}
	srv.replies.Done()
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain did not return")
	}

	client, conn := net.Pipe()
	defer client.Close()
	go srv.handleConn(conn)

	go func() { _ = protocol.WriteMessage(client, protocol.Request{ID: "late", Session: "alpha", Verb: protocol.VerbURL}) }()
	var resp protocol.Response
	require.NoError(t, protocol.NewReader(client).Read(&resp))
	assert.Equal(t, "late", resp.ID)
	assert.Equal(t, protocol.KindNotRunning, protocol.KindOf(resp.Err()))
	assert.Contains(t, resp.Err().Error(), "session is stopping")
}
