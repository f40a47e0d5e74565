// Package stats aggregates connection activity per physical port.
package stats

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/PetoAdam/homenavi/serial-presence/internal/store"
)

// TopN is the length of each ranking in Analytics.
const TopN = 5

// PortStat aggregates everything ever observed on one port path.
type PortStat struct {
	FirstSeen          time.Time `json:"first_seen"`
	LastSeen           time.Time `json:"last_seen"`
	ConnectionCount    int       `json:"connection_count"`
	DisconnectionCount int       `json:"disconnection_count"`
	Devices            []string  `json:"devices"`
	MostRecentDevice   *string   `json:"most_recent_device"`
}

func (p *PortStat) UnmarshalJSON(b []byte) error {
	type plain PortStat
	var aux struct {
		plain
		FirstSeen string `json:"first_seen"`
		LastSeen  string `json:"last_seen"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*p = PortStat(aux.plain)
	for _, f := range []struct {
		raw string
		dst *time.Time
	}{{aux.FirstSeen, &p.FirstSeen}, {aux.LastSeen, &p.LastSeen}} {
		if f.raw == "" {
			continue
		}
		ts, err := store.ParseTime(f.raw)
		if err != nil {
			return fmt.Errorf("port stat: %w", err)
		}
		*f.dst = ts
	}
	if p.Devices == nil {
		p.Devices = []string{}
	}
	return nil
}

func (p PortStat) clone() PortStat {
	out := p
	out.Devices = slices.Clone(p.Devices)
	if out.Devices == nil {
		out.Devices = []string{}
	}
	if p.MostRecentDevice != nil {
		k := *p.MostRecentDevice
		out.MostRecentDevice = &k
	}
	return out
}

func (p *PortStat) touch(at time.Time) {
	if p.FirstSeen.IsZero() {
		p.FirstSeen = at
	}
	p.LastSeen = at
}

func (p *PortStat) addDevice(key string) {
	if i, found := slices.BinarySearch(p.Devices, key); !found {
		p.Devices = slices.Insert(p.Devices, i, key)
	}
	k := key
	p.MostRecentDevice = &k
}

func (p *PortStat) release(key string) bool {
	if p.MostRecentDevice == nil || *p.MostRecentDevice != key {
		return false
	}
	p.MostRecentDevice = nil
	return true
}

// PortCount is one entry of a port ranking.
type PortCount struct {
	Port  string `json:"port"`
	Count int    `json:"count"`
}

// Analytics is a point-in-time summary over all ports.
type Analytics struct {
	TotalPorts       int         `json:"total_ports"`
	ActivePorts      int         `json:"active_ports"`
	TopByConnections []PortCount `json:"most_used_ports"`
	TopByDevices     []PortCount `json:"most_shared_ports"`
	SessionStart     time.Time   `json:"session_start"`
	SessionSeconds   int64       `json:"session_seconds"`
	SessionDuration  string      `json:"session_duration"`
	DevicesInstalled int         `json:"devices_installed"`
}

// Aggregator holds per-port stats keyed by port path, not device identity.
// It is not safe for concurrent use.
type Aggregator struct {
	backend  store.Backend
	started  time.Time
	ports    map[string]*PortStat
	dirty    bool
	installs int
}

func New(b store.Backend, started time.Time) *Aggregator {
	return &Aggregator{backend: b, started: started, ports: map[string]*PortStat{}}
}

// Load replaces the in-memory stats with the persisted ones. Unreadable
// documents load as empty.
func (a *Aggregator) Load(ctx context.Context) int {
	a.ports = map[string]*PortStat{}
	a.dirty = false
	var stored map[string]PortStat
	ok, err := store.LoadDocument(ctx, a.backend, store.DocPortStats, &stored)
	if err != nil {
		slog.Warn("port stats unreadable, starting empty", "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	for port, st := range stored {
		slices.Sort(st.Devices)
		st.Devices = slices.Compact(st.Devices)
		a.ports[port] = &st
	}
	return len(a.ports)
}

func (a *Aggregator) port(name string) *PortStat {
	st, ok := a.ports[name]
	if !ok {
		st = &PortStat{Devices: []string{}}
		a.ports[name] = st
	}
	return st
}

// RecordConnect counts a connection of key on port.
func (a *Aggregator) RecordConnect(port, key string, at time.Time) {
	st := a.port(port)
	st.ConnectionCount++
	st.touch(at)
	st.addDevice(key)
	a.dirty = true
}

// RecordDisconnect counts a disconnection of key on port. The port stays
// occupied when another device has connected to it since.
func (a *Aggregator) RecordDisconnect(port, key string, at time.Time) {
	st := a.port(port)
	st.DisconnectionCount++
	st.touch(at)
	st.release(key)
	a.dirty = true
}

// Release marks port unoccupied if key is its most recent device, without
// counting a disconnection.
func (a *Aggregator) Release(port, key string) {
	st, ok := a.ports[port]
	if !ok || !st.release(key) {
		return
	}
	a.dirty = true
}

// RecordInstall counts an install for the current session. Not persisted.
func (a *Aggregator) RecordInstall() { a.installs++ }

// RecordSeen notes key on port without counting a connection. Used for
// devices already present when the process starts.
func (a *Aggregator) RecordSeen(port, key string, at time.Time) {
	st := a.port(port)
	st.touch(at)
	st.addDevice(key)
	a.dirty = true
}

// Ports returns a copy of every port stat.
func (a *Aggregator) Ports() map[string]PortStat {
	out := make(map[string]PortStat, len(a.ports))
	for k, v := range a.ports {
		out[k] = v.clone()
	}
	return out
}

func (a *Aggregator) Analytics(now time.Time) Analytics {
	out := Analytics{
		TotalPorts:       len(a.ports),
		SessionStart:     a.started,
		DevicesInstalled: a.installs,
	}
	var byConn, byDevices []PortCount
	for port, st := range a.ports {
		if st.MostRecentDevice != nil {
			out.ActivePorts++
		}
		if st.ConnectionCount > 0 {
			byConn = append(byConn, PortCount{Port: port, Count: st.ConnectionCount})
		}
		if len(st.Devices) > 0 {
			byDevices = append(byDevices, PortCount{Port: port, Count: len(st.Devices)})
		}
	}
	out.TopByConnections = rank(byConn)
	out.TopByDevices = rank(byDevices)

	uptime := now.Sub(a.started)
	if uptime < 0 {
		uptime = 0
	}
	out.SessionSeconds = int64(uptime / time.Second)
	out.SessionDuration = FormatUptime(out.SessionSeconds)
	return out
}

func rank(in []PortCount) []PortCount {
	slices.SortFunc(in, func(x, y PortCount) int {
		if c := cmp.Compare(y.Count, x.Count); c != 0 {
			return c
		}
		return cmp.Compare(x.Port, y.Port)
	})
	if len(in) > TopN {
		in = in[:TopN]
	}
	if in == nil {
		in = []PortCount{}
	}
	return in
}

func (a *Aggregator) Dirty() bool { return a.dirty }

func (a *Aggregator) Persist(ctx context.Context) error {
	out := make(map[string]PortStat, len(a.ports))
	for k, v := range a.ports {
		out[k] = v.clone()
	}
	if err := store.SaveDocument(ctx, a.backend, store.DocPortStats, out); err != nil {
		return err
	}
	a.dirty = false
	return nil
}

// FormatUptime renders a session length: "45s", "2m 5s", "1h 1m", "1d 1h".
func FormatUptime(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	minutes, secs := seconds/60, seconds%60
	if minutes < 60 {
		return fmt.Sprintf("%dm %ds", minutes, secs)
	}
	hours, minutes := minutes/60, minutes%60
	if hours < 24 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dd %dh", hours/24, hours%24)
}
