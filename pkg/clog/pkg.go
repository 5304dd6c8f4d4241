package clog

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apex/log"
)

var clogger = NewContextLogger(os.Stdout)

// Configure sets the shared level, format and output. Output is "stdout", "stderr" or a
// file path that is opened for append. components maps a component name to its own level.
func Configure(level, format, output string, components map[string]string) error {
	w, err := openOutput(output)
	if err != nil {
		return err
	}

	if err := clogger.SetFormat(strings.ToLower(format), w); err != nil {
		return err
	}

	if err := clogger.SetLevelFromString(GlobalLoggerCtx, strings.ToLower(level)); err != nil {
		return err
	}

	for component, componentLevel := range components {
		if err := clogger.SetLevelFromString(component, strings.ToLower(componentLevel)); err != nil {
			return fmt.Errorf("logging level for %s: %w", component, err)
		}
	}

	return nil
}

func openOutput(output string) (io.WriteCloser, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	}
}

func AddLoggingContext(ctx string, w io.WriteCloser) {
	clogger.AddLoggingContext(ctx, w)
}

func RemoveLoggingContext(ctx string) {
	clogger.RemoveLoggingContext(ctx)
}

func SetLevel(ctx string, level log.Level) {
	clogger.SetLevel(ctx, level)
}

func SetLevelFromString(ctx, s string) error {
	return clogger.SetLevelFromString(ctx, s)
}

func UsingCtx(ctx string) *log.Entry {
	return clogger.UsingCtx(ctx)
}

func Global() *log.Entry {
	return clogger.Global()
}
