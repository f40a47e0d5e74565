// Package presence reconciles the serial ports seen on each scan with the
// persistent device inventory, and records what changed.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/PetoAdam/homenavi/serial-presence/internal/history"
	"github.com/PetoAdam/homenavi/serial-presence/internal/idalloc"
	"github.com/PetoAdam/homenavi/serial-presence/internal/identity"
	"github.com/PetoAdam/homenavi/serial-presence/internal/stats"
	"github.com/PetoAdam/homenavi/serial-presence/internal/store"
)

var (
	ErrEnumeration   = errors.New("port enumeration failed")
	ErrPersistence   = errors.New("persistence failed")
	ErrEmptyKey      = errors.New("device key is empty")
	ErrUnknownDevice = errors.New("unknown device")
)

const (
	unknownPort   = "Unknown"
	unknownDevice = "Unknown Device"
)

// Source lists the ports currently attached to the host.
type Source interface {
	Ports(ctx context.Context) ([]identity.Descriptor, error)
}

// EventSink receives every history event after it is appended.
type EventSink interface {
	Publish(ctx context.Context, e history.Event) error
}

// Metrics is told about scan outcomes. observability.PresenceMetrics
// satisfies it.
type Metrics interface {
	ScanCompleted(d time.Duration, connected int, err error)
	EventAppended(eventType string)
	PersistFailed(document string)
}

type noopMetrics struct{}

func (noopMetrics) ScanCompleted(time.Duration, int, error) {}
func (noopMetrics) EventAppended(string)                    {}
func (noopMetrics) PersistFailed(string)                    {}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithSink(s EventSink) Option { return func(e *Engine) { e.sink = s } }

func WithMetrics(m Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithTracer(t oteltrace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// Engine owns the presence state of one process. Every exported method takes
// the same lock, so calls never interleave.
type Engine struct {
	mu sync.Mutex

	records *store.Records
	history *history.Log
	stats   *stats.Aggregator
	source  Source

	// snapshot holds the keys of the previous scan; nil until the first one.
	snapshot map[string]struct{}

	now     func() time.Time
	sink    EventSink
	metrics Metrics
	tracer  oteltrace.Tracer

	lastScan       time.Time
	lastScanErr    error
	lastPersistErr error
	connected      int
}

func New(records *store.Records, log *history.Log, agg *stats.Aggregator, src Source, opts ...Option) *Engine {
	e := &Engine{
		records: records,
		history: log,
		stats:   agg,
		source:  src,
		now:     time.Now,
		metrics: noopMetrics{},
		tracer:  otel.Tracer("serial-presence/presence"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Scan enumerates the host's ports, diffs them against the previous scan and
// returns every connected device merged with its record. On a persistence
// failure the devices are still returned, with Degraded set and an error
// wrapping ErrPersistence.
func (e *Engine) Scan(ctx context.Context) (ScanResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scan(ctx)
}

func (e *Engine) scan(ctx context.Context) (ScanResult, error) {
	ctx, span := e.tracer.Start(ctx, "presence.scan")
	defer span.End()
	started := time.Now()

	ports, err := e.source.Ports(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrEnumeration, err)
		e.lastScanErr = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "enumeration failed")
		e.metrics.ScanCompleted(time.Since(started), 0, err)
		slog.Error("port scan failed", "error", err)
		return ScanResult{}, err
	}

	now := e.now().UTC()
	baseline := e.snapshot == nil
	current := make(map[string]struct{}, len(ports))
	var failures []persistFailure
	devices := make([]DeviceView, 0, len(ports))

	for _, d := range ports {
		key := identity.Resolve(d)
		_, dup := current[key]
		current[key] = struct{}{}

		rec, existed := e.records.Get(key)
		changed := !existed
		_, seen := e.snapshot[key]
		appeared := !seen && !dup

		if appeared || rec.ConnectedSince == nil {
			ts := now
			rec.ConnectedSince = &ts
			changed = true
		}
		if appeared {
			if baseline {
				e.stats.RecordSeen(d.Path, key, now)
			} else {
				e.stats.RecordConnect(d.Path, key, now)
				e.appendEvent(ctx, history.Event{
					Time:    now,
					Type:    history.Connected,
					Port:    d.Path,
					Name:    rec.Name,
					Key:     key,
					Details: vendorDetails(d),
				}, &failures)
			}
		}

		if rec.LastPort != d.Path {
			if rec.LastPort != "" {
				e.appendEvent(ctx, history.Event{
					Time: now,
					Type: history.PortChange,
					Port: d.Path,
					Name: rec.Name,
					Key:  key,
					Details: map[string]any{
						"old_port": rec.LastPort,
						"new_port": d.Path,
					},
				}, &failures)
				e.movePort(rec.LastPort, d.Path, key, now, appeared, dup)
			}
			rec.LastPort = d.Path
			changed = true
		}

		if changed {
			e.records.Set(key, rec)
		}
		devices = append(devices, newDeviceView(key, d, rec, now))
	}

	if !baseline {
		for _, key := range departed(e.snapshot, current) {
			e.disconnect(ctx, key, now, &failures)
		}
	}
	e.snapshot = current
	e.flush(ctx, &failures)

	e.lastScan = now
	e.lastScanErr = nil
	e.connected = len(devices)
	res := ScanResult{Devices: devices}
	err = e.settle(failures, &res)

	span.SetAttributes(
		attribute.Int("presence.ports", len(ports)),
		attribute.Bool("presence.baseline", baseline),
		attribute.Bool("presence.degraded", res.Degraded),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence degraded")
	}
	e.metrics.ScanCompleted(time.Since(started), len(devices), err)
	return res, err
}

func (e *Engine) disconnect(ctx context.Context, key string, now time.Time, failures *[]persistFailure) {
	rec, ok := e.records.Get(key)
	port, name := rec.LastPort, rec.Name
	if port == "" {
		port = unknownPort
	}
	if !ok {
		name = unknownDevice
	}
	e.appendEvent(ctx, history.Event{
		Time: now,
		Type: history.Disconnected,
		Port: port,
		Name: name,
		Key:  key,
	}, failures)
	if rec.LastPort != "" {
		e.stats.RecordDisconnect(rec.LastPort, key, now)
	}
	if ok && rec.ConnectedSince != nil {
		rec.ConnectedSince = nil
		e.records.Set(key, rec)
	}
}

// movePort keeps port stats in step with a device whose port changed. A device
// that stayed present across scans was re-plugged in between, which counts as
// a disconnection from the old port and a connection to the new one. A device
// that just appeared has its connection counted already, so the old port is
// only released.
func (e *Engine) movePort(oldPort, newPort, key string, now time.Time, appeared, dup bool) {
	switch {
	case dup:
	case appeared:
		e.stats.Release(oldPort, key)
	default:
		e.stats.RecordDisconnect(oldPort, key, now)
		e.stats.RecordConnect(newPort, key, now)
	}
}

func (e *Engine) appendEvent(ctx context.Context, ev history.Event, failures *[]persistFailure) {
	ev, err := e.history.Append(ctx, ev)
	e.metrics.EventAppended(string(ev.Type))
	if err != nil {
		*failures = append(*failures, e.persistFailed(store.DocHistory, err))
	}
	if e.sink == nil {
		return
	}
	if err := e.sink.Publish(ctx, ev); err != nil {
		slog.Warn("event publish failed", "type", ev.Type, "key", ev.Key, "error", err)
	}
}

type persistFailure struct {
	document string
	err      error
}

func (e *Engine) persistFailed(doc string, err error) persistFailure {
	e.metrics.PersistFailed(doc)
	slog.Error("persist failed", "document", doc, "error", err)
	return persistFailure{document: doc, err: err}
}

// flush writes every document with unsaved changes. History is included so a
// log that failed to save on an earlier append is retried.
func (e *Engine) flush(ctx context.Context, failures *[]persistFailure) {
	if e.records.Dirty() {
		if err := e.records.Persist(ctx); err != nil {
			*failures = append(*failures, e.persistFailed(store.DocRecords, err))
		}
	}
	if e.stats.Dirty() {
		if err := e.stats.Persist(ctx); err != nil {
			*failures = append(*failures, e.persistFailed(store.DocPortStats, err))
		}
	}
	failed := func(doc string) bool {
		return slices.ContainsFunc(*failures, func(f persistFailure) bool { return f.document == doc })
	}
	if e.history.Dirty() && !failed(store.DocHistory) {
		if err := e.history.Persist(ctx); err != nil {
			*failures = append(*failures, e.persistFailed(store.DocHistory, err))
		}
	}
}

func (e *Engine) unsaved() bool {
	return e.records.Dirty() || e.stats.Dirty() || e.history.Dirty()
}

// settle folds the failures of one operation into res and the health state.
// Health recovers only once no document holds unsaved changes; Install and
// Update write records alone, so other documents wait for the next scan.
func (e *Engine) settle(failures []persistFailure, res *ScanResult) error {
	if len(failures) == 0 {
		if !e.unsaved() {
			e.lastPersistErr = nil
		}
		return nil
	}
	errs := make([]error, 0, len(failures))
	for _, f := range failures {
		err := fmt.Errorf("%s: %w", f.document, f.err)
		errs = append(errs, err)
		if res != nil {
			res.PersistErrors = append(res.PersistErrors, err.Error())
		}
	}
	if res != nil {
		res.Degraded = true
	}
	err := fmt.Errorf("%w: %w", ErrPersistence, errors.Join(errs...))
	e.lastPersistErr = err
	return err
}

// departed returns the keys in prev missing from cur, sorted.
func departed(prev, cur map[string]struct{}) []string {
	var out []string
	for k := range prev {
		if _, ok := cur[k]; !ok {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

func vendorDetails(d identity.Descriptor) map[string]any {
	details := map[string]any{"vid": nil, "pid": nil}
	if vid, pid, ok := identity.VendorProduct(d); ok {
		details["vid"] = vid
		details["pid"] = pid
	}
	return details
}

// Install marks key as installed, creating its record with defaults and
// assigning the smallest free id when it has none.
func (e *Engine) Install(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrEmptyKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.install(key)
	var failures []persistFailure
	if err := e.records.Persist(ctx); err != nil {
		failures = append(failures, e.persistFailed(store.DocRecords, err))
	}
	return true, e.settle(failures, nil)
}

func (e *Engine) install(key string) store.DeviceRecord {
	rec, _ := e.records.Get(key)
	if id, assigned := idalloc.Assign(rec.ID, e.records.IDs(key)); assigned {
		rec.ID = &id
		slog.Info("assigned device id", "key", key, "id", id)
	}
	rec.Installed = true
	e.records.Set(key, rec)
	e.stats.RecordInstall()
	return rec
}

// BulkInstall scans and installs every connected device that is not yet
// installed or has no id. It returns how many were installed.
func (e *Engine) BulkInstall(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.scan(ctx)
	if errors.Is(err, ErrEnumeration) {
		return 0, err
	}
	count := 0
	for _, d := range res.Devices {
		if d.Installed && d.ID != nil {
			continue
		}
		e.install(d.Key)
		count++
	}
	if count == 0 {
		return 0, err
	}
	if perr := e.records.Persist(ctx); perr != nil {
		return count, e.settle([]persistFailure{e.persistFailed(store.DocRecords, perr)}, nil)
	}
	return count, err
}

// Update merges the user-editable fields of p onto key's record, creating it
// when missing. Ids are owned by Install and are never changed here.
func (e *Engine) Update(ctx context.Context, key string, p store.Patch) (store.DeviceRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return store.DeviceRecord{}, ErrEmptyKey
	}
	p.ID = nil
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.records.Upsert(key, p)
	var failures []persistFailure
	if err := e.records.Persist(ctx); err != nil {
		failures = append(failures, e.persistFailed(store.DocRecords, err))
	}
	return rec, e.settle(failures, nil)
}

// History returns the newest limit events, newest first.
func (e *Engine) History(limit int) []history.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Recent(limit)
}

// DeviceHistory returns the newest events for one device.
func (e *Engine) DeviceHistory(key string) ([]history.Event, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrEmptyKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	events := e.history.ByDevice(key, history.DeviceWindow)
	if len(events) == 0 && !e.records.Has(key) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, key)
	}
	return events, nil
}

func (e *Engine) Timeline(limit int) []history.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Timeline(limit)
}

func (e *Engine) Analytics() stats.Analytics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.Analytics(e.now().UTC())
}

func (e *Engine) PortStats() map[string]stats.PortStat {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.Ports()
}

// KnownDevices lists every USB device ever recorded, connected or not.
func (e *Engine) KnownDevices() []KnownDevice {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []KnownDevice
	for _, key := range e.records.Keys() {
		if !identity.IsUSB(key) {
			continue
		}
		rec, _ := e.records.Get(key)
		_, online := e.snapshot[key]
		out = append(out, KnownDevice{
			Key:       key,
			Name:      rec.Name,
			LastPort:  rec.LastPort,
			Role:      rec.Role,
			Group:     rec.Group,
			ID:        rec.ID,
			Installed: rec.Installed,
			Connected: online,
		})
	}
	return out
}

func (e *Engine) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := Health{
		OK:             e.lastPersistErr == nil,
		Connected:      e.connected,
		Records:        e.records.Len(),
		HistoryEntries: e.history.Len(),
	}
	if !e.lastScan.IsZero() {
		ts := e.lastScan
		h.LastScan = &ts
	}
	if e.lastPersistErr != nil {
		h.PersistError = e.lastPersistErr.Error()
	}
	if e.lastScanErr != nil {
		h.ScanError = e.lastScanErr.Error()
	}
	return h
}
