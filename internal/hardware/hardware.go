// Package hardware lists the serial ports present on the host.
package hardware

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.bug.st/serial/enumerator"
	"gopkg.in/yaml.v3"

	"github.com/PetoAdam/homenavi/serial-presence/internal/identity"
)

// Serial enumerates the host's serial ports through the OS.
type Serial struct {
	list func() ([]*enumerator.PortDetails, error)
}

func NewSerial() *Serial {
	return &Serial{list: enumerator.GetDetailedPortsList}
}

func (s *Serial) Ports(_ context.Context) ([]identity.Descriptor, error) {
	ports, err := s.list()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	out := make([]identity.Descriptor, 0, len(ports))
	for _, p := range ports {
		if p == nil {
			continue
		}
		out = append(out, describe(p))
	}
	return out, nil
}

// describe maps enumerator details onto a descriptor, rebuilding the
// "USB VID:PID=vvvv:pppp SER=x" hardware-id string other tools report.
func describe(p *enumerator.PortDetails) identity.Descriptor {
	d := identity.Descriptor{
		Path:        p.Name,
		Serial:      strings.TrimSpace(p.SerialNumber),
		Description: p.Product,
	}
	if !p.IsUSB {
		return d
	}
	d.VID = parseHex(p.VID)
	d.PID = parseHex(p.PID)
	if d.VID == 0 || d.PID == 0 {
		return d
	}
	hwid := fmt.Sprintf("USB VID:PID=%04X:%04X", d.VID, d.PID)
	if d.Serial != "" && !strings.ContainsAny(d.Serial, " \t") {
		hwid += " SER=" + d.Serial
	}
	d.HardwareID = hwid
	return d
}

func parseHex(v string) int {
	n, err := strconv.ParseUint(strings.TrimSpace(v), 16, 32)
	if err != nil || n > 0xFFFF {
		return 0
	}
	return int(n)
}

// Fixture reads port descriptors from a YAML file on every call, so editing
// the file simulates plugging and unplugging boards.
type Fixture struct {
	path string
}

type fixtureFile struct {
	Ports []identity.Descriptor `yaml:"ports"`
}

func NewFixture(path string) *Fixture {
	return &Fixture{path: path}
}

func (f *Fixture) Ports(_ context.Context) ([]identity.Descriptor, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %q: %w", f.path, err)
	}
	var doc fixtureFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse fixture %q: %w", f.path, err)
	}
	return doc.Ports, nil
}
