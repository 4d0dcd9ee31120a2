// Filename: internal/humanoid/humanoid.go
package humanoid

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/aquilax/go-perlin"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Config controls pointer paths.
type Config struct {
	// Steps is the number of pointer events per movement.
	Steps int
	// PerlinAmplitude is the peak drift, in pixels, away from the ideal curve.
	PerlinAmplitude float64
	// StepDelay is the pause between two pointer events.
	StepDelay time.Duration
}

// Mover dispatches a pointer move. browser.Page satisfies it.
type Mover interface {
	MovePointer(ctx context.Context, x, y float64) error
}

// Humanoid moves the pointer along curved, slightly wavering paths instead of
// jumping straight to the target.
type Humanoid struct {
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock

	mu     sync.Mutex // guards rng, pos and the noise offset
	rng    *rand.Rand
	pos    Vector2D
	noiseX *perlin.Perlin
	noiseY *perlin.Perlin
	// noiseT advances across movements so consecutive paths do not repeat.
	noiseT float64
}

// New creates a Humanoid. A zero seed picks one from the wall clock.
func New(cfg Config, logger *zap.Logger, clk clock.Clock, seed int64) *Humanoid {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Steps < 2 {
		cfg.Steps = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Standard Perlin parameters
	alpha, beta, n := 2.0, 2.0, int32(3)

	return &Humanoid{
		cfg:    cfg,
		logger: logger.Named("humanoid"),
		clock:  clk,
		rng:    rand.New(rand.NewSource(seed)),
		noiseX: perlin.NewPerlin(alpha, beta, n, seed),
		noiseY: perlin.NewPerlin(alpha, beta, n, seed+1), // Offset seed for Y noise
	}
}

// Position returns where the pointer was last moved to.
func (h *Humanoid) Position() Vector2D {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pos
}

// MoveTo walks the pointer from its last position to target, dispatching one
// move per path point. The final event lands exactly on target.
func (h *Humanoid) MoveTo(ctx context.Context, m Mover, target Vector2D) error {
	path := h.Path(h.Position(), target)
	h.logger.Debug("Moving pointer",
		zap.Float64("x", target.X),
		zap.Float64("y", target.Y),
		zap.Int("steps", len(path)))

	for i, p := range path {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.MovePointer(ctx, p.X, p.Y); err != nil {
			return err
		}
		h.mu.Lock()
		h.pos = p
		h.mu.Unlock()

		if i == len(path)-1 || h.cfg.StepDelay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.clock.After(h.cfg.StepDelay):
		}
	}
	return nil
}

// Path returns the points of one movement: a cubic Bezier curve bowed to one
// side, traversed with ease-in-out timing and perturbed by Perlin drift that
// fades out at both ends.
func (h *Humanoid) Path(start, end Vector2D) []Vector2D {
	mainVec := end.Sub(start)
	dist := mainVec.Mag()
	if dist < 1.0 {
		return []Vector2D{end}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Control points sit on a perpendicular offset proportional to distance.
	normal := Vector2D{X: -mainVec.Y, Y: mainVec.X}.Normalize()
	bow := dist * (0.1 + h.rng.Float64()*0.15)
	if h.rng.Intn(2) == 0 {
		bow = -bow
	}
	p1 := start.Add(mainVec.Mul(0.3)).Add(normal.Mul(bow))
	p2 := start.Add(mainVec.Mul(0.7)).Add(normal.Mul(bow * 0.6))

	steps := h.cfg.Steps
	path := make([]Vector2D, 0, steps)
	for i := 1; i <= steps; i++ {
		t := easeInOutCubic(float64(i) / float64(steps))
		p := bezier(start, p1, p2, end, t)

		if i < steps {
			fade := math.Sin(math.Pi * float64(i) / float64(steps))
			h.noiseT += 0.15
			drift := Vector2D{
				X: h.noiseX.Noise1D(h.noiseT) * h.cfg.PerlinAmplitude * fade,
				Y: h.noiseY.Noise1D(h.noiseT) * h.cfg.PerlinAmplitude * fade,
			}
			p = p.Add(drift)
		} else {
			p = end
		}
		path = append(path, p)
	}
	return path
}

// easeInOutCubic provides a smooth acceleration and deceleration profile.
func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

func bezier(p0, p1, p2, p3 Vector2D, t float64) Vector2D {
	u := 1 - t
	return p0.Mul(u * u * u).
		Add(p1.Mul(3 * u * u * t)).
		Add(p2.Mul(3 * u * t * t)).
		Add(p3.Mul(t * t * t))
}
