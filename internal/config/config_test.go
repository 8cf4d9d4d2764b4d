package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConf(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tabd.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logger != LoggerStdout {
		t.Errorf("expected default logger stdout, got %q", cfg.Logger)
	}
	if cfg.Tcti != TctiDevice {
		t.Errorf("expected default tcti device, got %q", cfg.Tcti)
	}
	if cfg.MaxCommandSize != 4096 {
		t.Errorf("expected default max command size 4096, got %d", cfg.MaxCommandSize)
	}
	if cfg.QueueDepth != 64 {
		t.Errorf("expected default queue depth 64, got %d", cfg.QueueDepth)
	}
	if cfg.RandFile != "/dev/urandom" {
		t.Errorf("expected default rand file /dev/urandom, got %q", cfg.RandFile)
	}
}

func TestParse_Flags(t *testing.T) {
	cfg, err := Parse([]string{
		"--logger=syslog",
		"--system",
		"--tcti=loopback",
		"--max-command-size=2048",
		"--queue-depth=8",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logger != LoggerSyslog {
		t.Errorf("expected logger syslog, got %q", cfg.Logger)
	}
	if !cfg.SystemBus {
		t.Error("expected SystemBus true")
	}
	if cfg.Tcti != TctiLoopback {
		t.Errorf("expected tcti loopback, got %q", cfg.Tcti)
	}
	if cfg.MaxCommandSize != 2048 {
		t.Errorf("expected max command size 2048, got %d", cfg.MaxCommandSize)
	}
	if cfg.QueueDepth != 8 {
		t.Errorf("expected queue depth 8, got %d", cfg.QueueDepth)
	}
}

func TestParse_FileOverridesFlagDefaults(t *testing.T) {
	path := writeTempConf(t, `
# comment
tcti=loopback
max_command_size=1024
queue_depth=4
metrics_addr=127.0.0.1:9100
`)
	cfg, err := Parse([]string{"--conf=" + path})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tcti != TctiLoopback {
		t.Errorf("expected tcti loopback from file, got %q", cfg.Tcti)
	}
	if cfg.MaxCommandSize != 1024 {
		t.Errorf("expected max_command_size 1024, got %d", cfg.MaxCommandSize)
	}
	if cfg.QueueDepth != 4 {
		t.Errorf("expected queue_depth 4, got %d", cfg.QueueDepth)
	}
	if cfg.MetricsAddr != "127.0.0.1:9100" {
		t.Errorf("expected metrics_addr override, got %q", cfg.MetricsAddr)
	}
}

func TestParse_RejectsInvalidLogger(t *testing.T) {
	if _, err := Parse([]string{"--logger=carrier-pigeon"}); err == nil {
		t.Fatal("expected error for invalid --logger")
	}
}

func TestParse_RejectsInvalidTcti(t *testing.T) {
	if _, err := Parse([]string{"--tcti=usb"}); err == nil {
		t.Fatal("expected error for invalid --tcti")
	}
}

func TestParse_RandFileFromEnv(t *testing.T) {
	t.Setenv("TABD_RAND_FILE", "/tmp/fake-entropy")
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RandFile != "/tmp/fake-entropy" {
		t.Errorf("expected rand file from env, got %q", cfg.RandFile)
	}
}
