package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/serial-presence/internal/identity"
)

const (
	DefaultName = "New Device"
	DefaultRole = "Unassigned"
)

// DeviceRecord is the persisted, user-named view of one physical device.
type DeviceRecord struct {
	Name           string     `json:"name"`
	Role           string     `json:"role"`
	Tags           []string   `json:"tags"`
	Channel        int        `json:"channel"`
	Group          string     `json:"group"`
	ID             *int       `json:"id,omitempty"`
	Installed      bool       `json:"installed"`
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
	LastPort       string     `json:"last_port,omitempty"`
	Notes          string     `json:"notes"`
}

// NewRecord returns the record created for a key seen for the first time.
func NewRecord() DeviceRecord {
	return DeviceRecord{Name: DefaultName, Role: DefaultRole, Tags: []string{}}
}

// UnmarshalJSON fills fields missing from the document with the defaults of
// NewRecord, so entries holding only connection state still carry a name.
func (d *DeviceRecord) UnmarshalJSON(b []byte) error {
	type plain DeviceRecord
	var aux struct {
		plain
		ConnectedSince *string `json:"connected_since"`
		IdentifyID     *int    `json:"identify_id"`
	}
	aux.plain = plain(NewRecord())
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*d = DeviceRecord(aux.plain)
	if d.ID == nil && aux.IdentifyID != nil {
		id := *aux.IdentifyID
		d.ID = &id
	}
	d.ConnectedSince = nil
	if aux.ConnectedSince != nil && *aux.ConnectedSince != "" {
		ts, err := ParseTime(*aux.ConnectedSince)
		if err != nil {
			return fmt.Errorf("connected_since: %w", err)
		}
		d.ConnectedSince = &ts
	}
	d.Tags = NormalizeTags(d.Tags)
	return nil
}

// Clone returns a deep copy so callers may mutate it freely.
func (d DeviceRecord) Clone() DeviceRecord {
	out := d
	out.Tags = slices.Clone(d.Tags)
	if out.Tags == nil {
		out.Tags = []string{}
	}
	if d.ID != nil {
		id := *d.ID
		out.ID = &id
	}
	if d.ConnectedSince != nil {
		ts := *d.ConnectedSince
		out.ConnectedSince = &ts
	}
	return out
}

// NormalizeTags trims, drops empties, de-duplicates and sorts tags.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Patch carries the fields of a partial update; nil fields are left alone.
type Patch struct {
	Name      *string
	Role      *string
	Tags      *[]string
	Channel   *int
	Group     *string
	Notes     *string
	Installed *bool
	ID        *int
}

func (p Patch) apply(d *DeviceRecord) {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.Role != nil {
		d.Role = *p.Role
	}
	if p.Tags != nil {
		d.Tags = NormalizeTags(*p.Tags)
	}
	if p.Channel != nil {
		d.Channel = *p.Channel
	}
	if p.Group != nil {
		d.Group = *p.Group
	}
	if p.Notes != nil {
		d.Notes = *p.Notes
	}
	if p.Installed != nil {
		d.Installed = *p.Installed
	}
	if p.ID != nil {
		id := *p.ID
		d.ID = &id
	}
}

// Records is the identity-keyed device inventory. It is not safe for
// concurrent use; callers serialise access.
type Records struct {
	backend Backend
	byKey   map[string]DeviceRecord
	dirty   bool
}

func NewRecords(b Backend) *Records {
	return &Records{backend: b, byKey: map[string]DeviceRecord{}}
}

// Load replaces the in-memory map with the persisted one. A missing or
// corrupt document yields an empty store; it is logged, never returned.
// Keys written under earlier key schemes are rewritten to the canonical form.
func (r *Records) Load(ctx context.Context) int {
	r.byKey = map[string]DeviceRecord{}
	r.dirty = false

	var raw map[string]DeviceRecord
	ok, err := LoadDocument(ctx, r.backend, DocRecords, &raw)
	if err != nil {
		slog.Warn("device records unreadable, starting empty", "error", err)
		return 0
	}
	if !ok {
		return 0
	}

	var legacy []string
	for key, rec := range raw {
		if _, changed := identity.Canonicalize(key); changed {
			legacy = append(legacy, key)
			continue
		}
		r.byKey[key] = rec
	}
	slices.Sort(legacy)
	for _, key := range legacy {
		canon, _ := identity.Canonicalize(key)
		if _, exists := r.byKey[canon]; exists {
			slog.Warn("dropping legacy device record shadowed by canonical key", "legacy_key", key, "key", canon)
			continue
		}
		slog.Info("migrated legacy device key", "legacy_key", key, "key", canon)
		r.byKey[canon] = raw[key]
		r.dirty = true
	}
	return len(r.byKey)
}

// Get returns a copy of the record for key, or an empty default record.
func (r *Records) Get(key string) (DeviceRecord, bool) {
	rec, ok := r.byKey[key]
	if !ok {
		return NewRecord(), false
	}
	return rec.Clone(), true
}

func (r *Records) Has(key string) bool {
	_, ok := r.byKey[key]
	return ok
}

// Set stores rec under key, replacing any previous record.
func (r *Records) Set(key string, rec DeviceRecord) {
	rec = rec.Clone()
	rec.Tags = NormalizeTags(rec.Tags)
	r.byKey[key] = rec
	r.dirty = true
}

// Upsert merges p onto the record for key, creating it with defaults first
// when missing, and returns the result.
func (r *Records) Upsert(key string, p Patch) DeviceRecord {
	rec, _ := r.Get(key)
	p.apply(&rec)
	r.Set(key, rec)
	return rec.Clone()
}

// Keys returns all record keys in sorted order.
func (r *Records) Keys() []string {
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// All returns a deep copy of the whole map.
func (r *Records) All() map[string]DeviceRecord {
	out := make(map[string]DeviceRecord, len(r.byKey))
	for k, v := range r.byKey {
		out[k] = v.Clone()
	}
	return out
}

// IDs returns every assigned id except the one held by the record at skip.
func (r *Records) IDs(skip string) []int {
	var ids []int
	for k, v := range r.byKey {
		if k == skip || v.ID == nil {
			continue
		}
		ids = append(ids, *v.ID)
	}
	return ids
}

func (r *Records) Len() int { return len(r.byKey) }

// Dirty reports whether the map changed since the last successful Persist.
func (r *Records) Dirty() bool { return r.dirty }

// Persist writes the full map atomically through the backend.
func (r *Records) Persist(ctx context.Context) error {
	out := make(map[string]DeviceRecord, len(r.byKey))
	for k, v := range r.byKey {
		if v.Tags == nil {
			v.Tags = []string{}
		}
		out[k] = v
	}
	if err := SaveDocument(ctx, r.backend, DocRecords, out); err != nil {
		return err
	}
	r.dirty = false
	return nil
}
