// Package daemon is the long-lived process behind one session. It owns the browser
// page, accepts commands on a unix socket and runs them one at a time.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/andreasjansson/plwr/internal/browser"
	"github.com/andreasjansson/plwr/internal/config"
	"github.com/andreasjansson/plwr/internal/humanoid"
	"github.com/andreasjansson/plwr/internal/protocol"
	"github.com/andreasjansson/plwr/internal/registry"
	"github.com/andreasjansson/plwr/internal/store"
	"github.com/andreasjansson/plwr/internal/transcode"
)

// Lifecycle is the observable state of a daemon.
type Lifecycle string

const (
	StateStarting   Lifecycle = "starting"
	StateReady      Lifecycle = "ready"
	StateProcessing Lifecycle = "processing"
	StateStopping   Lifecycle = "stopping"
	StateExited     Lifecycle = "exited"
)

// shutdownTimeout bounds teardown after the last command.
const shutdownTimeout = 2 * time.Minute

// RunOptions carry what the daemon command line decided on top of the config.
type RunOptions struct {
	Session     string
	Headed      bool
	VideoOutput string
	Launcher    browser.Launcher
	// Journal is optional.
	Journal store.Journal
	Clock   clock.Clock
	// Ready receives exactly one readiness line.
	Ready io.Writer
}

type job struct {
	req   protocol.Request
	reply chan protocol.Response
}

// Server accepts connections and feeds their requests to the dispatcher.
type Server struct {
	listener   net.Listener
	dispatcher *Dispatcher
	logger     *zap.Logger

	jobs chan job
	done chan struct{}

	state atomic.Value // Lifecycle

	// replies tracks responses that are still being written so that a stop
	// reply reaches the client before the process exits. Once closing is set no
	// new reply is tracked.
	mu      sync.Mutex
	closing bool
	replies sync.WaitGroup
}

func newServer(l net.Listener, logger *zap.Logger) *Server {
	s := &Server{
		listener: l,
		logger:   logger.Named("server"),
		jobs:     make(chan job),
		done:     make(chan struct{}),
	}
	s.state.Store(StateStarting)
	return s
}

// Lifecycle returns the current state.
func (s *Server) Lifecycle() Lifecycle {
	return s.state.Load().(Lifecycle)
}

func (s *Server) setLifecycle(l Lifecycle) {
	s.state.Store(l)
}

// Run is the whole life of a daemon: claim the name, launch the browser, report
// readiness, serve until stopped, then tear everything down.
func Run(ctx context.Context, cfg *config.Config, opts RunOptions, logger *zap.Logger) (err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session", opts.Session))
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Ready == nil {
		opts.Ready = io.Discard
	}

	reported := false
	report := func(rerr error) {
		if reported {
			return
		}
		reported = true
		if _, werr := fmt.Fprintln(opts.Ready, registry.FormatReadiness(rerr)); werr != nil {
			logger.Warn("Could not report readiness", zap.Error(werr))
		}
	}
	defer func() {
		if err != nil {
			report(err)
		}
	}()

	reg := registry.New(cfg.Session, cfg.Transport.DialTimeout, logger)
	claim, err := reg.Claim(opts.Session)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := claim.Release(); rerr != nil {
			logger.Warn("Failed to release session claim", zap.Error(rerr))
		}
	}()
	paths := claim.Paths()

	state := browser.NewState(cfg.Console.Capacity)
	launch := browser.LaunchOptions{
		Headed:          opts.Headed || cfg.Browser.Headed,
		IgnoreTLSErrors: cfg.Browser.IgnoreTLSErrors,
		Args:            cfg.Browser.Args,
		ExecutablePath:  cfg.Browser.ExecutablePath,
		ViewportWidth:   cfg.Browser.Viewport.Width,
		ViewportHeight:  cfg.Browser.Viewport.Height,
		Logger:          logger,
	}

	var startup *browser.Recording
	if opts.VideoOutput != "" {
		rec, rerr := startupRecording(cfg.Video.Dir, opts.VideoOutput, opts.Clock.Now())
		if rerr != nil {
			return rerr
		}
		startup = &rec
		launch.VideoDir = rec.Dir
	}

	logger.Info("Launching browser", zap.String("engine", cfg.Browser.Engine), zap.Bool("headed", launch.Headed))
	page, err := opts.Launcher(ctx, launch)
	if err != nil {
		if startup != nil {
			_ = os.RemoveAll(startup.Dir)
		}
		var pe *protocol.Error
		if errors.As(err, &pe) {
			return pe
		}
		return protocol.Wrap(protocol.KindEngine, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if cerr := page.Close(closeCtx); cerr != nil {
			logger.Warn("Failed to close browser", zap.Error(cerr))
		}
	}()
	if startup != nil {
		if rerr := state.BeginRecording(*startup); rerr != nil {
			return protocol.Wrap(protocol.KindEngine, rerr)
		}
	}

	// The claim is held, so any socket file left here belongs to a dead daemon.
	_ = os.Remove(paths.Socket)
	l, err := net.Listen("unix", paths.Socket)
	if err != nil {
		return protocol.Wrap(protocol.KindConfiguration, fmt.Errorf("listen on %s: %w", paths.Socket, err))
	}
	if cerr := os.Chmod(paths.Socket, 0o600); cerr != nil {
		logger.Warn("Could not restrict socket permissions", zap.Error(cerr))
	}

	srv := newServer(l, logger)
	srv.dispatcher = NewDispatcher(page, state, Options{
		Session:        opts.Session,
		Engine:         cfg.Browser.Engine,
		DefaultTimeout: cfg.Session.Timeout(),
		PollInterval:   cfg.Wait.PollInterval,
		VideoDir:       cfg.Video.Dir,
		Clock:          opts.Clock,
		Logger:         logger,
		Humanoid:       newHumanoid(cfg.Browser.Humanoid, logger, opts.Clock),
		Transcoder:     transcode.New(cfg.Video.FFmpegBinary, logger),
		Journal:        opts.Journal,
		Lifecycle:      srv.Lifecycle,
	})

	if err := claim.WritePID(os.Getpid()); err != nil {
		l.Close()
		return protocol.Wrap(protocol.KindConfiguration, fmt.Errorf("write pid file: %w", err))
	}

	report(nil)
	logger.Info("Session ready", zap.String("socket", paths.Socket), zap.Int("pid", os.Getpid()))

	srv.Serve(ctx)

	srv.setLifecycle(StateStopping)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.dispatcher.Shutdown(shutdownCtx); serr != nil {
		logger.Error("Failed to finalize recording", zap.Error(serr))
	}
	srv.drain()
	srv.setLifecycle(StateExited)
	logger.Info("Session stopped")
	return nil
}

func startupRecording(videoDir, output string, now time.Time) (browser.Recording, error) {
	abs, err := filepath.Abs(output)
	if err != nil {
		return browser.Recording{}, protocol.Errorf(protocol.KindBadRequest, "invalid video output %q: %v", output, err)
	}
	if err := os.MkdirAll(videoDir, 0o755); err != nil {
		return browser.Recording{}, protocol.Wrap(protocol.KindConfiguration, fmt.Errorf("create video dir: %w", err))
	}
	dir, err := os.MkdirTemp(videoDir, "rec-*")
	if err != nil {
		return browser.Recording{}, protocol.Wrap(protocol.KindConfiguration, fmt.Errorf("create recording dir: %w", err))
	}
	return browser.Recording{Dir: dir, TempDir: true, Output: abs, StartedAt: now}, nil
}

func newHumanoid(cfg config.HumanoidConfig, logger *zap.Logger, clk clock.Clock) *humanoid.Humanoid {
	if !cfg.Enabled {
		return nil
	}
	return humanoid.New(humanoid.Config{
		Steps:           cfg.Steps,
		PerlinAmplitude: cfg.PerlinAmplitude,
		StepDelay:       cfg.StepDelay,
	}, logger, clk, 0)
}

// Serve runs the dispatcher loop until a stop command succeeds or ctx is
// cancelled. A command in flight always completes first.
func (s *Server) Serve(ctx context.Context) {
	go s.acceptLoop()
	s.setLifecycle(StateReady)

	defer func() {
		close(s.done)
		s.listener.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Shutdown requested", zap.Error(context.Cause(ctx)))
			return
		case j := <-s.jobs:
			if j.req.Verb == protocol.VerbStop {
				s.setLifecycle(StateStopping)
			} else if j.req.Verb != protocol.VerbStatus {
				s.setLifecycle(StateProcessing)
			}
			resp := s.dispatcher.Handle(context.Background(), j.req)
			j.reply <- resp
			if j.req.Verb == protocol.VerbStop {
				return
			}
			s.setLifecycle(StateReady)
		}
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Error("Accept failed", zap.Error(err))
				}
			}
			return
		}
		go s.handleConn(conn)
	}
}

// handleConn reads requests from one client. Each is queued for the dispatcher
// and answered on the same connection. A client that goes away mid-command does
// not cancel it; the reply is dropped.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := protocol.NewReader(conn)

	for {
		var req protocol.Request
		if err := reader.Read(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if protocol.KindOf(err) == protocol.KindBadRequest {
				_ = protocol.WriteMessage(conn, protocol.Fail("", err))
				continue
			}
			s.logger.Debug("Connection read failed", zap.Error(err))
			return
		}

		if !s.track() {
			_ = protocol.WriteMessage(conn, protocol.Fail(req.ID, errStopping))
			return
		}
		resp := s.submit(req)
		if err := protocol.WriteMessage(conn, resp); err != nil {
			s.logger.Info("Client went away before the reply", zap.String("id", req.ID), zap.Error(err))
			s.replies.Done()
			return
		}
		s.replies.Done()
	}
}

var errStopping = protocol.Errorf(protocol.KindNotRunning, "session is stopping")

// track registers a reply about to be produced, unless the server is draining.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.replies.Add(1)
	return true
}

// drain refuses further requests and waits for the replies already in progress.
func (s *Server) drain() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.replies.Wait()
}

func (s *Server) submit(req protocol.Request) protocol.Response {
	j := job{req: req, reply: make(chan protocol.Response, 1)}
	select {
	case s.jobs <- j:
		return <-j.reply
	case <-s.done:
		return protocol.Fail(req.ID, errStopping)
	}
}
