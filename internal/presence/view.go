package presence

import (
	"fmt"
	"slices"
	"time"

	"github.com/PetoAdam/homenavi/serial-presence/internal/identity"
	"github.com/PetoAdam/homenavi/serial-presence/internal/store"
)

const statusConnected = "connected"

// DeviceView is one connected port merged with its device record.
type DeviceView struct {
	Key            string     `json:"key"`
	Port           string     `json:"port"`
	Status         string     `json:"status"`
	Name           string     `json:"name"`
	Role           string     `json:"role"`
	Tags           []string   `json:"tags"`
	Channel        int        `json:"channel"`
	Group          string     `json:"group"`
	ID             *int       `json:"id"`
	Installed      bool       `json:"installed"`
	Notes          string     `json:"notes"`
	Description    string     `json:"description"`
	Manufacturer   string     `json:"manufacturer"`
	SerialNumber   string     `json:"serial_number"`
	VID            string     `json:"vid"`
	PID            string     `json:"pid"`
	ConnectedSince *time.Time `json:"connected_since"`
	ConnectedFor   string     `json:"connected_for"`
}

type ScanResult struct {
	Devices []DeviceView `json:"devices"`
	// Degraded is set when some state could not be written; Devices is
	// still complete.
	Degraded      bool     `json:"degraded"`
	PersistErrors []string `json:"persist_errors,omitempty"`
}

// KnownDevice is a persisted USB device, whether or not it is attached.
type KnownDevice struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	LastPort  string `json:"last_port"`
	Role      string `json:"role"`
	Group     string `json:"group"`
	ID        *int   `json:"id"`
	Installed bool   `json:"installed"`
	Connected bool   `json:"connected"`
}

type Health struct {
	OK             bool       `json:"ok"`
	LastScan       *time.Time `json:"last_scan,omitempty"`
	PersistError   string     `json:"persist_error,omitempty"`
	ScanError      string     `json:"scan_error,omitempty"`
	Connected      int        `json:"connected"`
	Records        int        `json:"records"`
	HistoryEntries int        `json:"history_entries"`
}

func newDeviceView(key string, d identity.Descriptor, rec store.DeviceRecord, now time.Time) DeviceView {
	v := DeviceView{
		Key:          key,
		Port:         d.Path,
		Status:       statusConnected,
		Name:         rec.Name,
		Role:         rec.Role,
		Tags:         slices.Clone(rec.Tags),
		Channel:      rec.Channel,
		Group:        rec.Group,
		Installed:    rec.Installed,
		Notes:        rec.Notes,
		Description:  d.Description,
		Manufacturer: d.Manufacturer,
		SerialNumber: d.Serial,
	}
	if v.Tags == nil {
		v.Tags = []string{}
	}
	if rec.ID != nil {
		id := *rec.ID
		v.ID = &id
	}
	if vid, pid, ok := identity.VendorProduct(d); ok {
		v.VID, v.PID = vid, pid
	}
	if rec.ConnectedSince != nil {
		since := *rec.ConnectedSince
		v.ConnectedSince = &since
		v.ConnectedFor = FormatDuration(int64(now.Sub(since) / time.Second))
	}
	return v
}

// FormatDuration renders a connection age: "45s", "2m", "1h 1m", "1d 1h".
// Negative input counts as zero.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours, minutes := minutes/60, minutes%60
	if hours < 24 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dd %dh", hours/24, hours%24)
}
