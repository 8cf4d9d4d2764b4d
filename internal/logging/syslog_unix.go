//go:build unix

package logging

import "log/syslog"

func newSyslogWriter() (*syslog.Writer, error) {
	return syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "tabd")
}
