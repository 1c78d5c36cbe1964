package logutil

import (
	"go.uber.org/zap"
)

// LogPanic logs the panic reason and stack, then exit the process.
// Commonly used with a `defer` at the top of a background goroutine.
func LogPanic(logger *zap.Logger) {
	if e := recover(); e != nil {
		logger.Fatal("panic in background goroutine", zap.Reflect("recover", e), zap.StackSkip("stack", 1))
	}
}
