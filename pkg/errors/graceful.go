// Package errors funnels fatal startup and runtime failures into a single
// exit code so main can shut servers down in order.
package errors

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/migadu/s3watcher/logger"
)

type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{Operation: operation, Err: err}
}

// ErrorHandler records the first fatal error and hands its exit code to
// WaitForExit. Later errors are logged but do not change the code.
type ErrorHandler struct {
	exitChannel chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{exitChannel: make(chan int, 1)}
}

func (eh *ErrorHandler) signal(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	logger.Error("Fatal error", "error", NewGracefulError(operation, err))
	eh.signal(1)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to parse configuration file", "path", configPath, "error", err)
	}
	eh.signal(1)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "field", field, "error", err)
	eh.signal(1)
}

// Exit requests shutdown with the given code without logging.
func (eh *ErrorHandler) Exit(code int) {
	eh.signal(code)
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}

// WaitForExitOrDone returns 0 when ctx ends before any error is reported.
func (eh *ErrorHandler) WaitForExitOrDone(ctx context.Context) int {
	select {
	case code := <-eh.exitChannel:
		return code
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
		return 0
	}
}
