// Package logging installs tabd's slog.Logger per the --logger flag. tabd
// has no rotating log files to manage the way the teacher's Scouter server
// does -- it is a broker daemon meant to run under a service manager that
// already owns log rotation -- so this package just wires the destination:
// stdout, for foreground/debug use, or syslog, for the normal daemon mode.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Setup builds and installs the default slog.Logger for the given
// destination ("stdout" or "syslog") and returns a closer for any
// underlying resource, to be closed during shutdown. debug lowers the
// minimum level to slog.LevelDebug.
func Setup(destination string, debug bool) (io.Closer, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
	)

	switch destination {
	case "stdout", "":
		w = os.Stdout
	case "syslog":
		sw, err := newSyslogWriter()
		if err != nil {
			return nil, fmt.Errorf("opening syslog: %w", err)
		}
		w = sw
		closer = sw
	default:
		return nil, fmt.Errorf("unknown logger destination %q", destination)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
