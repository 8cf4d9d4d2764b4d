// Package config loads tabd's startup configuration: CLI flags, an optional
// key=value config file, and the TABD_RAND_FILE environment variable.
package config

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// LoggerKind selects the slog handler tabd installs at startup.
type LoggerKind string

const (
	LoggerStdout LoggerKind = "stdout"
	LoggerSyslog LoggerKind = "syslog"
)

// TctiKind selects which TCTI backend cmd/tabd wires into the AccessBroker.
type TctiKind string

const (
	TctiDevice   TctiKind = "device"
	TctiLoopback TctiKind = "loopback"
)

// Config holds all daemon configuration values. It is built once at startup
// from flags and an optional file, then treated as read-only for the life of
// the process -- tabd has no hot-reload watcher because every value here
// only matters at pipeline-construction time, and the pipeline topology is
// fixed once wired.
type Config struct {
	mu    sync.RWMutex
	props map[string]string

	Logger         LoggerKind
	SystemBus      bool
	Tcti           TctiKind
	TctiDevice     string
	MaxCommandSize int
	QueueDepth     int
	MetricsAddr    string
	RandFile       string
}

// Parse builds a Config from the given argument list (pass os.Args[1:] in
// production, a literal slice in tests) plus the process environment.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("tabd", flag.ContinueOnError)

	logger := fs.String("logger", "stdout", "log destination: stdout or syslog")
	system := fs.Bool("system", false, "use the system bus instead of the session bus")
	tcti := fs.String("tcti", "device", "TCTI backend: device or loopback")
	tctiDevice := fs.String("tcti-device", "/dev/tpmrm0", "character device path for the device TCTI")
	maxCmd := fs.Int("max-command-size", 4096, "maximum accepted TPM command size in bytes")
	queueDepth := fs.Int("queue-depth", 64, "bounded channel depth between pipeline stages")
	metricsAddr := fs.String("metrics-addr", "", "address to serve Prometheus metrics on, empty disables")
	confFile := fs.String("conf", "", "optional key=value config file overriding flag defaults")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		props:          make(map[string]string),
		Logger:         LoggerKind(*logger),
		SystemBus:      *system,
		Tcti:           TctiKind(*tcti),
		TctiDevice:     *tctiDevice,
		MaxCommandSize: *maxCmd,
		QueueDepth:     *queueDepth,
		MetricsAddr:    *metricsAddr,
		RandFile:       "/dev/urandom",
	}

	if v := os.Getenv("TABD_RAND_FILE"); v != "" {
		cfg.RandFile = v
	}

	if *confFile != "" {
		if err := cfg.loadFile(*confFile); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", *confFile, err)
		}
		// Flags set explicitly on the command line win over the file: drop
		// the file keys that mirror them before applying the file.
		fs.Visit(func(f *flag.Flag) {
			delete(cfg.props, strings.ReplaceAll(f.Name, "-", "_"))
		})
		cfg.applyFileOverrides()
	}

	if cfg.Logger != LoggerStdout && cfg.Logger != LoggerSyslog {
		return nil, fmt.Errorf("invalid --logger %q: must be stdout or syslog", cfg.Logger)
	}
	if cfg.Tcti != TctiDevice && cfg.Tcti != TctiLoopback {
		return nil, fmt.Errorf("invalid --tcti %q: must be device or loopback", cfg.Tcti)
	}
	if cfg.MaxCommandSize < 10 {
		return nil, fmt.Errorf("--max-command-size must be at least the 10-byte header size")
	}
	if cfg.QueueDepth < 1 {
		return nil, fmt.Errorf("--queue-depth must be at least 1")
	}

	return cfg, nil
}

// loadFile reads a simple key=value file, ignoring blank lines and '#' comments.
func (c *Config) loadFile(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	f, err := os.Open(absPath)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key != "" {
			c.props[key] = val
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	slog.Info("config file loaded", "path", absPath, "properties", len(c.props))
	return nil
}

// applyFileOverrides lets a config file override any flag default. Flags
// passed explicitly on the command line still win over the file, matching
// the precedence a reader expects from "file provides defaults, flags win":
// Parse removes the file keys of explicitly set flags before calling this,
// so only keys that mirror flags left at their defaults are applied here.
func (c *Config) applyFileOverrides() {
	if v, ok := c.props["logger"]; ok {
		c.Logger = LoggerKind(v)
	}
	if v := c.GetBool("system", c.SystemBus); v != c.SystemBus {
		c.SystemBus = v
	}
	if v, ok := c.props["tcti"]; ok {
		c.Tcti = TctiKind(v)
	}
	if v, ok := c.props["tcti_device"]; ok {
		c.TctiDevice = v
	}
	c.MaxCommandSize = c.GetInt("max_command_size", c.MaxCommandSize)
	c.QueueDepth = c.GetInt("queue_depth", c.QueueDepth)
	if v, ok := c.props["metrics_addr"]; ok {
		c.MetricsAddr = v
	}
}

// GetString returns a config-file value, or the default if not set.
func (c *Config) GetString(key, defaultVal string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.props[key]; ok {
		return v
	}
	return defaultVal
}

// GetInt returns an integer config-file value.
func (c *Config) GetInt(key string, defaultVal int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.props[key]; ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetBool returns a boolean config-file value.
// Truthy values: "true", "1", "yes", "on" (case-insensitive).
func (c *Config) GetBool(key string, defaultVal bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.props[key]; ok {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultVal
}
