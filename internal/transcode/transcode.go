// Package transcode finalizes browser video recordings into the format the user
// asked for.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"

	"github.com/andreasjansson/plwr/internal/protocol"
)

// NativeExt is the container browsers record into.
const NativeExt = ".webm"

// Transcoder turns a recorded webm file into the requested output.
type Transcoder struct {
	binary string
	logger *zap.Logger
	// lookPath is swapped in tests.
	lookPath func(string) (string, error)
}

// New returns a transcoder that runs binary when a conversion is needed.
func New(binary string, logger *zap.Logger) *Transcoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transcoder{binary: binary, logger: logger.Named("transcode"), lookPath: exec.LookPath}
}

// NeedsConversion reports whether output cannot simply be a copy of the recording.
func NeedsConversion(output string) bool {
	return !strings.EqualFold(filepath.Ext(output), NativeExt)
}

func command(src, output string) *ffmpeg.Stream {
	return ffmpeg.Input(src).
		Output(output).
		OverWriteOutput()
}

// Args returns the ffmpeg argument list used to convert src into output.
func Args(src, output string) []string {
	return command(src, output).GetArgs()
}

// Finalize writes src to output. A webm output is a byte copy; anything else is
// converted with ffmpeg, which must then be installed.
func (t *Transcoder) Finalize(ctx context.Context, src, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if !NeedsConversion(output) {
		return copyFile(src, output)
	}

	bin, err := t.lookPath(t.binary)
	if err != nil {
		return protocol.Errorf(protocol.KindConfiguration,
			"cannot write %s: %s not found; install ffmpeg or use a .webm output", filepath.Base(output), t.binary)
	}
	if err := ctx.Err(); err != nil {
		return protocol.Wrap(protocol.KindEngine, fmt.Errorf("convert recording: %w", err))
	}

	stream := command(src, output)
	t.logger.Debug("Converting recording", zap.String("binary", bin), zap.Strings("args", stream.GetArgs()))

	var stderr bytes.Buffer
	err = stream.
		WithErrorOutput(&stderr).
		SetFfmpegPath(bin).
		Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return protocol.Errorf(protocol.KindEngine, "ffmpeg exited with %d: %s", exitErr.ExitCode(), lastLine(stderr.String()))
		}
		return protocol.Wrap(protocol.KindEngine, fmt.Errorf("run ffmpeg: %w", err))
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy recording: %w", err)
	}
	return out.Close()
}
