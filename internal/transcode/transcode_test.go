package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/andreasjansson/plwr/internal/protocol"
)

func TestNeedsConversion(t *testing.T) {
	testCases := []struct {
		output string
		want   bool
	}{
		{"out.webm", false},
		{"OUT.WEBM", false},
		{"dir/clip.webm", false},
		{"out.mp4", true},
		{"out.gif", true},
		{"out", true},
	}
	for _, tc := range testCases {
		t.Run(tc.output, func(t *testing.T) {
			assert.Equal(t, tc.want, NeedsConversion(tc.output))
		})
	}
}

func TestArgs(t *testing.T) {
	args := Args("/tmp/in.webm", "/tmp/out.mp4")
	assert.Contains(t, args, "-y")
	assert.Contains(t, args, "/tmp/in.webm")
	assert.Contains(t, args, "/tmp/out.mp4")
	assert.Less(t, lo.IndexOf(args, "-i"), lo.IndexOf(args, "/tmp/in.webm"))
	assert.Less(t, lo.IndexOf(args, "/tmp/in.webm"), lo.IndexOf(args, "/tmp/out.mp4"))
}

func TestFinalizeCopiesWebm(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "rec.webm")
	require.NoError(t, os.WriteFile(src, []byte("webm-bytes"), 0o644))

	tr := New("ffmpeg", zaptest.NewLogger(t))
	tr.lookPath = func(string) (string, error) {
		t.Fatal("ffmpeg must not be looked up for a webm output")
		return "", nil
	}

	out := filepath.Join(dir, "nested", "final.webm")
	require.NoError(t, tr.Finalize(context.Background(), src, out))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "webm-bytes", string(got))
}

func TestFinalizeWithoutFFmpeg(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "rec.webm")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	tr := New("ffmpeg", zaptest.NewLogger(t))
	tr.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	err := tr.Finalize(context.Background(), src, filepath.Join(dir, "out.mp4"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrConfiguration))
	assert.Contains(t, err.Error(), "out.mp4")
}

func TestFinalizeReportsFFmpegFailure(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "rec.webm")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	// A stand-in binary that always fails.
	fake := filepath.Join(dir, "fake-ffmpeg")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\necho 'Invalid data found' >&2\nexit 3\n"), 0o755))

	tr := New(fake, zaptest.NewLogger(t))
	err := tr.Finalize(context.Background(), src, filepath.Join(dir, "out.mp4"))
	require.Error(t, err)
	assert.Equal(t, protocol.KindEngine, protocol.KindOf(err))
	assert.Contains(t, err.Error(), "exited with 3")
	assert.Contains(t, err.Error(), "Invalid data found")
}

func TestFinalizeRunsConfiguredBinary(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "rec.webm")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	// Records its arguments instead of converting.
	argsFile := filepath.Join(dir, "args")
	fake := filepath.Join(dir, "fake-ffmpeg")
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > " + argsFile + "\n"
	require.NoError(t, os.WriteFile(fake, []byte(script), 0o755))

	out := filepath.Join(dir, "out.mp4")
	tr := New(fake, zaptest.NewLogger(t))
	require.NoError(t, tr.Finalize(context.Background(), src, out))

	got, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, Args(src, out), strings.Split(strings.TrimSpace(string(got)), "\n"))
}

func TestFinalizeHonorsCancellation(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "rec.webm")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	tr := New("ffmpeg", zaptest.NewLogger(t))
	tr.lookPath = func(string) (string, error) { return "/nonexistent/ffmpeg", nil }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.Finalize(ctx, src, filepath.Join(dir, "out.mp4"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFinalizeMissingSource(t *testing.T) {
	tr := New("", nil)
	err := tr.Finalize(context.Background(), filepath.Join(t.TempDir(), "missing.webm"), filepath.Join(t.TempDir(), "o.webm"))
	require.Error(t, err)
}
