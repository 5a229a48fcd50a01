package connector

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicLogger receives a recovered panic with its cleaned stack.
type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// MakePanicHandler returns a function meant to be deferred directly; it
// recovers and hands the panic to logger.
func MakePanicHandler(logger PanicLogger) func(funcName string, fields ...map[string]any) {
	return func(funcName string, fields ...map[string]any) {
		if err := recover(); err != nil {
			logger(funcName, err, captureStack(), fields...)
		}
	}
}

// LoggerPanicLogger reports recovered panics through logger at error level.
func LoggerPanicLogger(logger Logger) PanicLogger {
	logger = NormalizeLogger(logger)
	return func(funcName string, err any, stack []byte, fields ...map[string]any) {
		var merged map[string]any
		for _, f := range fields {
			merged = MergeFields(merged, f)
		}
		WithLoggerFields(logger, merged).Error("recovered from panic in %s: %v\n%s", funcName, err, stack)
	}
}

// RecoverError turns a recovered panic into an error carrying the cleaned
// stack in its metadata. It returns nil when r is nil.
func RecoverError(funcName string, r any) error {
	if r == nil {
		return nil
	}
	source, ok := r.(error)
	if !ok {
		source = fmt.Errorf("%v", r)
	}
	return NewError(ErrCommandFailed, fmt.Sprintf("panic in %s: %v", funcName, r), source, map[string]any{
		"panic": true,
		"stack": string(captureStack()),
	})
}

func captureStack() []byte {
	fullStack := make([]byte, 8096)
	n := runtime.Stack(fullStack, false)
	return cleanStackTrace(fullStack[:n])
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	// we find the index after the panic line
	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() call line and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
