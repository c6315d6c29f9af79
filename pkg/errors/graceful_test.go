package errors

import (
	"context"
	stderrors "errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGracefulErrorUnwrap(t *testing.T) {
	inner := stderrors.New("bind: address already in use")
	err := NewGracefulError("webhook server", inner)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "operation 'webhook server' failed: bind: address already in use", err.Error())
}

func TestFirstExitCodeWins(t *testing.T) {
	eh := NewErrorHandler()
	eh.Exit(3)
	eh.FatalError("listener", stderrors.New("boom"))

	code, ok := eh.WaitForExitWithTimeout(time.Second)
	assert.True(t, ok)
	assert.Equal(t, 3, code)

	_, ok = eh.WaitForExitWithTimeout(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestConfigErrorSignalsExit(t *testing.T) {
	eh := NewErrorHandler()
	eh.ConfigError("/etc/s3watcher.toml", os.ErrNotExist)
	assert.Equal(t, 1, eh.WaitForExit())
}

func TestWaitForExitOrDone(t *testing.T) {
	eh := NewErrorHandler()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, eh.WaitForExitOrDone(ctx))
}
