//go:build !unix

package logging

import (
	"errors"
	"io"
)

type noopSyslogWriter struct{}

func (noopSyslogWriter) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }
func (noopSyslogWriter) Close() error                { return nil }

func newSyslogWriter() (io.WriteCloser, error) {
	return nil, errors.New("syslog logging is not supported on this platform")
}
