// Package main provides tests for the overlay daemon executable.
package main

import (
	"bytes"
	"flag"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func buildTestBinary(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	binaryPath := filepath.Join(tmpDir, "overlayd-test")
	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if err := cmd.Run(); err != nil {
		t.Fatalf("failed to build test binary: %v", err)
	}
	return binaryPath
}

func TestVersionFlag(t *testing.T) {
	binaryPath := buildTestBinary(t)

	cmd := exec.Command(binaryPath, "-version")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		t.Fatalf("failed to run with -version: %v", err)
	}

	if !strings.Contains(stdout.String(), "overlayd version") {
		t.Errorf("version output missing version string, got: %s", stdout.String())
	}
}

func TestInvalidConfigFile(t *testing.T) {
	binaryPath := buildTestBinary(t)

	cmd := exec.Command(binaryPath, "-config", "/nonexistent/overlayd.yaml")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err == nil {
		t.Error("expected an error for a non-existent config file, got nil")
	}
	if !strings.Contains(stderr.String(), "failed to load config file") {
		t.Errorf("expected a config-file error message, got: %s", stderr.String())
	}
}

func TestFlagParsingDefaultsToZeroValues(t *testing.T) {
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configFile := flag.String("config", "", "path to configuration file (YAML)")
	controlAddr := flag.String("control-addr", "", "administrative control listen address")
	logLevel := flag.String("log-level", "", "log level")
	showVersion := flag.Bool("version", false, "show version information")

	flag.CommandLine.Parse([]string{})

	if *configFile != "" || *controlAddr != "" || *logLevel != "" || *showVersion {
		t.Fatal("expected every flag to default to its zero value")
	}
}

func TestFlagParsingWithValues(t *testing.T) {
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configFile := flag.String("config", "", "path to configuration file (YAML)")
	controlAddr := flag.String("control-addr", "", "administrative control listen address")
	logLevel := flag.String("log-level", "", "log level")

	flag.CommandLine.Parse([]string{
		"-config", "/tmp/overlayd.yaml",
		"-control-addr", "127.0.0.1:9999",
		"-log-level", "debug",
	})

	if *configFile != "/tmp/overlayd.yaml" {
		t.Errorf("expected config /tmp/overlayd.yaml, got %q", *configFile)
	}
	if *controlAddr != "127.0.0.1:9999" {
		t.Errorf("expected control-addr 127.0.0.1:9999, got %q", *controlAddr)
	}
	if *logLevel != "debug" {
		t.Errorf("expected log-level debug, got %q", *logLevel)
	}
}

func TestVersionVariablesAreSet(t *testing.T) {
	if version == "" {
		t.Error("version variable should not be empty")
	}
	if buildTime == "" {
		t.Error("buildTime variable should not be empty")
	}
}

func TestZeroConfigModeStartsAndShutsDown(t *testing.T) {
	binaryPath := buildTestBinary(t)
	tmpDir := t.TempDir()

	cmd := exec.Command(binaryPath, "-control-addr", "127.0.0.1:0")
	cmd.Dir = tmpDir
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start in zero-config mode: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if err := cmd.Process.Kill(); err != nil {
		t.Logf("warning: failed to kill process: %v", err)
	}
	cmd.Wait()
}

func TestRelayModeStartsWithBuiltInCollaborators(t *testing.T) {
	binaryPath := buildTestBinary(t)
	tmpDir := t.TempDir()

	configPath := filepath.Join(tmpDir, "relay.yaml")
	configContent := `
identity_key_path: ` + filepath.Join(tmpDir, "relay.identity") + `
relay: true
control_listen_addr: 127.0.0.1:0
in_routes:
  main:
    listen: 127.0.0.1:0
    secret: test-secret
anon_cache_capacity: 100
anon_cache_idle_ttl: 3600000000000
reply_block_capacity: 100
reply_block_per_fingerprint_cap: 10
log_level: info
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write relay config: %v", err)
	}

	cmd := exec.Command(binaryPath, "-config", configPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start in relay mode: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if cmd.ProcessState != nil {
		t.Fatalf("relay mode exited early: %s", stderr.String())
	}
	if err := cmd.Process.Kill(); err != nil {
		t.Logf("warning: failed to kill process: %v", err)
	}
	cmd.Wait()
}
