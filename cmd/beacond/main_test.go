package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: beacond") {
			t.Errorf("run(%v) output = %q", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args    []string
		wantErr string
	}{
		{[]string{"frobnicate"}, "unknown command"},
		{[]string{"--verbose"}, "unknown flag"},
		{[]string{"-o", "xml", "version"}, "unknown output format"},
		{[]string{"-config", "/nonexistent/beacond.yaml", "serve"}, "not found"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "beacond ") || !strings.Contains(out.String(), "go_version:") {
		t.Errorf("version output = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-o=json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json version output: %v (%q)", err, out.String())
	}
	if info["version"] == "" {
		t.Errorf("version info = %v", info)
	}
}

// clearUmask makes file permission assertions deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var out bytes.Buffer

	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	if st, err := os.Stat(filepath.Join(dir, "data")); err != nil || !st.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}
	if !strings.Contains(out.String(), "✓") {
		t.Errorf("output = %q", out.String())
	}

	// The example must load and validate as written.
	cfg, _, err := loadConfig(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Presence.TriggerThreshold != 2 || cfg.Presence.MaintainThreshold != 5 {
		t.Errorf("example thresholds = %d/%d, want 2/5", cfg.Presence.TriggerThreshold, cfg.Presence.MaintainThreshold)
	}
}

func TestRunInit_PreservesExistingConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  port: 7000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "listen:\n  port: 7000\n" {
		t.Errorf("existing config overwritten: %q", data)
	}
	if !strings.Contains(out.String(), "left unchanged") {
		t.Errorf("output = %q", out.String())
	}
}

// syncBuffer is a bytes.Buffer safe for the server's log goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRunServe_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := fmt.Sprintf(`
listen:
  address: 127.0.0.1
  port: %d
presence:
  trigger_threshold: 2
  maintain_threshold: 1
  idle_timeout: 0s
beacons:
  - id: keys
    name: Car Keys
data_dir: %s
log_level: warn
`, port, filepath.Join(dir, "data"))
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logs := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, logs, logs, []string{"-config", cfgPath, "serve"})
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not start: %v\n%s", err, logs.String())
		}
		time.Sleep(20 * time.Millisecond)
	}

	post := func(path, body string) int {
		t.Helper()
		resp, err := http.Post(base+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	presenceOf := func(id string) string {
		t.Helper()
		resp, err := http.Get(base + "/v1/beacons/" + id)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var snap struct {
			Presence string `json:"presence"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			t.Fatal(err)
		}
		return snap.Presence
	}

	for range 2 {
		if code := post("/v1/beacons/detected", `{"beaconId":"keys"}`); code != http.StatusOK {
			t.Fatalf("detected status = %d", code)
		}
	}
	if got := presenceOf("keys"); got != "present" {
		t.Errorf("after two hits presence = %q, want present", got)
	}
	if code := post("/v1/beacons/lost", `{"beaconId":"keys"}`); code != http.StatusOK {
		t.Fatalf("lost status = %d", code)
	}
	if got := presenceOf("keys"); got != "absent" {
		t.Errorf("after miss presence = %q, want absent", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}

	if _, err := os.Stat(filepath.Join(dir, "data", "beacond.db")); err != nil {
		t.Errorf("accessory database not created: %v", err)
	}
}
