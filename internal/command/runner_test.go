package command

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOSRunner_Run exercises the real runner against sh, which is present
// on every Unix CI image.
func TestOSRunner_Run(t *testing.T) {
	r := NewOSRunner()
	ctx := context.Background()

	t.Run("captures stdout", func(t *testing.T) {
		res, err := r.Run(ctx, "sh", []string{"-c", "echo hello"}, RunOpts{})
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, "hello\n", res.Stdout)
	})

	t.Run("non-zero exit is not an error", func(t *testing.T) {
		res, err := r.Run(ctx, "sh", []string{"-c", "echo boom >&2; exit 3"}, RunOpts{})
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
		assert.Equal(t, "boom\n", res.Stderr)
	})

	t.Run("stdin, env and dir are passed", func(t *testing.T) {
		dir := t.TempDir()
		res, err := r.Run(ctx, "sh", []string{"-c", "cat; echo $GREETING; pwd"}, RunOpts{
			Dir:   dir,
			Env:   map[string]string{"GREETING": "hi"},
			Stdin: strings.NewReader("input\n"),
		})
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
		require.Len(t, lines, 3)
		assert.Equal(t, "input", lines[0])
		assert.Equal(t, "hi", lines[1])
		assert.Contains(t, lines[2], dir[strings.LastIndex(dir, "/")+1:])
	})

	t.Run("missing binary is an error", func(t *testing.T) {
		_, err := r.Run(ctx, "definitely-not-a-real-binary-xyz", nil, RunOpts{})
		assert.Error(t, err)
	})

	t.Run("timeout surfaces the context error", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		res, err := r.Run(tctx, "sh", []string{"-c", "sleep 5"}, RunOpts{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Equal(t, -1, res.ExitCode)
	})
}

// TestSummary verifies the failure formatting used in error messages.
func TestSummary(t *testing.T) {
	assert.Equal(t, "exit code 1", Summary(Result{ExitCode: 1}))
	assert.Equal(t, "exit code 1: bad", Summary(Result{ExitCode: 1, Stderr: " bad \n"}))
	assert.Equal(t, "exit code 2: out", Summary(Result{ExitCode: 2, Stdout: "out"}))

	long := Summary(Result{ExitCode: 1, Stderr: strings.Repeat("x", 600)})
	assert.True(t, strings.HasSuffix(long, "..."))
}
