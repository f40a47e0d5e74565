package hardware

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.bug.st/serial/enumerator"

	"github.com/PetoAdam/homenavi/serial-presence/internal/identity"
)

func TestSerialBuildsHardwareID(t *testing.T) {
	s := &Serial{list: func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "COM3", IsUSB: true, VID: "1a86", PID: "7523", Product: "USB-SERIAL CH340"},
			{Name: "COM5", IsUSB: true, VID: "2341", PID: "0043", SerialNumber: "75735323"},
			{Name: "COM1"},
			nil,
		}, nil
	}}

	ports, err := s.Ports(context.Background())
	if err != nil {
		t.Fatalf("ports: %v", err)
	}
	if len(ports) != 3 {
		t.Fatalf("expected 3 ports, got %d", len(ports))
	}

	want := []string{
		"USB:VID=1A86:PID=7523:SN=NO-SN-COM3",
		"USB:VID=2341:PID=0043:SN=75735323",
		"PORT:COM1",
	}
	for i, d := range ports {
		if got := identity.Resolve(d); got != want[i] {
			t.Fatalf("port %d: expected %q, got %q", i, want[i], got)
		}
	}
	if ports[0].Description != "USB-SERIAL CH340" {
		t.Fatalf("expected product as description, got %q", ports[0].Description)
	}
}

func TestSerialPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	s := &Serial{list: func() ([]*enumerator.PortDetails, error) { return nil, boom }}
	if _, err := s.Ports(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestFixtureReloadsEachCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	f := NewFixture(path)

	write(`ports:
  - path: COM3
    hwid: "USB VID:PID=1A86:7523 LOCATION=1-4"
    description: USB-SERIAL CH340
  - path: COM5
    vid: 9025
    pid: 67
    serial: "75735323"
`)
	ports, err := f.Ports(context.Background())
	if err != nil {
		t.Fatalf("ports: %v", err)
	}
	if len(ports) != 2 || ports[1].VID != 0x2341 || ports[0].Description != "USB-SERIAL CH340" {
		t.Fatalf("unexpected descriptors %#v", ports)
	}

	write("ports: []\n")
	ports, err = f.Ports(context.Background())
	if err != nil {
		t.Fatalf("ports: %v", err)
	}
	if len(ports) != 0 {
		t.Fatalf("expected no ports after edit, got %d", len(ports))
	}
}

func TestFixtureMissingFile(t *testing.T) {
	f := NewFixture(filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := f.Ports(context.Background()); err == nil {
		t.Fatalf("expected error for missing fixture")
	}
}
