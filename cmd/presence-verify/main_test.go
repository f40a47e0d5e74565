package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/PetoAdam/homenavi/serial-presence/internal/store"
)

func writeDoc(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".json"), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestVerifyCleanData(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, store.DocRecords, `{
  "USB:VID=1A86:PID=7523:SN=NO-SN-COM3": {"name": "Shift lights", "role": "LEDs", "tags": [], "channel": 0, "group": "", "id": 1, "installed": true, "last_port": "COM3", "notes": ""}
}`)
	writeDoc(t, dir, store.DocHistory, `[
  {"id": "6f1c1b8e-3c1e-4c53-9a52-2b8f4f0c5a11", "time": "2025-06-01T09:00:00Z", "type": "disconnected", "port": "COM3", "name": "Shift lights", "key": "USB:VID=1A86:PID=7523:SN=NO-SN-COM3"}
]`)
	writeDoc(t, dir, store.DocPortStats, `{
  "COM3": {"first_seen": "2025-06-01T08:00:00Z", "last_seen": "2025-06-01T09:00:00Z", "connection_count": 1, "disconnection_count": 1, "devices": ["USB:VID=1A86:PID=7523:SN=NO-SN-COM3"], "most_recent_device": null}
}`)

	var out bytes.Buffer
	if n := verify(context.Background(), store.NewFileBackend(dir), 100, &out); n != 0 {
		t.Fatalf("expected no failures, got %d: %s", n, out.String())
	}
	if out.Len() != 0 {
		t.Fatalf("expected no warnings, got %s", out.String())
	}
}

func TestVerifyReportsProblems(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, store.DocRecords, `{
  "USB:VID=1A86:PID=7523:SN=NO-SN-COM3": {"name": "a", "id": 2},
  "USB:VID=2341:PID=0043:SN=1": {"name": "b", "id": 2},
  "COM7": {"name": "c"}
}`)
	writeDoc(t, dir, store.DocHistory, `not json`)

	var out bytes.Buffer
	n := verify(context.Background(), store.NewFileBackend(dir), 100, &out)
	if n != 2 {
		t.Fatalf("expected 2 failures, got %d: %s", n, out.String())
	}
	report := out.String()
	for _, want := range []string{"id 2 is held by both", "history:", "WARN: records: legacy key \"COM7\""} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
}

func TestRootCmdFailsOnCorruptData(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, store.DocPortStats, `{"COM3": {"connection_count": -1, "disconnection_count": 0}}`)

	cmd := rootCmd()
	var stderr, stdout bytes.Buffer
	cmd.SetErr(&stderr)
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"--data-dir", dir})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected failure, got output %s", stdout.String())
	}
	if !strings.Contains(stderr.String(), "port_stats") {
		t.Fatalf("expected port_stats error, got %s", stderr.String())
	}
}

func TestRootCmdPassesOnEmptyDir(t *testing.T) {
	cmd := rootCmd()
	var stderr, stdout bytes.Buffer
	cmd.SetErr(&stderr)
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"--data-dir", t.TempDir()})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v (%s)", err, stderr.String())
	}
	if !strings.Contains(stdout.String(), "OK") {
		t.Fatalf("expected OK line, got %q", stdout.String())
	}
}
