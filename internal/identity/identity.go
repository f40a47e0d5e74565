// Package identity derives stable device keys from raw serial port descriptors.
package identity

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// UnknownPath stands in for a descriptor that carries no device path.
	UnknownPath = "UNKNOWN"

	usbPrefix  = "USB:"
	portPrefix = "PORT:"
	noSerial   = "NO-SN-"
)

var (
	vidPidRe    = regexp.MustCompile(`VID:PID=([0-9A-Fa-f]{4}):([0-9A-Fa-f]{4})`)
	serialRe    = regexp.MustCompile(`SER=([^ ]+)`)
	usbKeyRe    = regexp.MustCompile(`^USB:VID=([^:]*):PID=([^:]*):SN=(.*)$`)
	rawConcatRe = regexp.MustCompile(`^([0-9A-Fa-f]{4}):([0-9A-Fa-f]{4}):(.+)$`)
	hex4Re      = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
)

// Descriptor is one enumerated port as reported by the host.
// VID and PID are zero when the platform did not report them.
type Descriptor struct {
	Path         string `yaml:"path"`
	HardwareID   string `yaml:"hwid"`
	VID          int    `yaml:"vid"`
	PID          int    `yaml:"pid"`
	Serial       string `yaml:"serial"`
	Description  string `yaml:"description"`
	Manufacturer string `yaml:"manufacturer"`
}

// Resolve returns the canonical key for d. It never fails: missing fields
// degrade to sentinels. Serial-less boards get a path-derived serial so
// identical clones on different ports stay distinct.
func Resolve(d Descriptor) string {
	path := strings.TrimSpace(d.Path)
	if path == "" {
		path = UnknownPath
	}

	vid, pid, ok := VendorProduct(d)
	if !ok {
		return portPrefix + path
	}

	sn := serialToken(d)
	if sn == "" {
		sn = noSerial + path
	}
	return usbKey(vid, pid, sn)
}

// VendorProduct returns the uppercase 4-hex vendor and product codes of d,
// preferring the hardware-id string over the numeric fields.
func VendorProduct(d Descriptor) (vid, pid string, ok bool) {
	if m := vidPidRe.FindStringSubmatch(d.HardwareID); m != nil {
		return strings.ToUpper(m[1]), strings.ToUpper(m[2]), true
	}
	if validCode(d.VID) && validCode(d.PID) {
		return fmt.Sprintf("%04X", d.VID), fmt.Sprintf("%04X", d.PID), true
	}
	return "", "", false
}

func validCode(v int) bool { return v > 0 && v <= 0xFFFF }

func serialToken(d Descriptor) string {
	if m := serialRe.FindStringSubmatch(d.HardwareID); m != nil {
		return m[1]
	}
	return strings.TrimSpace(d.Serial)
}

func usbKey(vid, pid, sn string) string {
	return fmt.Sprintf("USB:VID=%s:PID=%s:SN=%s", vid, pid, sn)
}

// IsUSB reports whether key was derived from a USB vendor/product pair.
func IsUSB(key string) bool { return strings.HasPrefix(key, usbPrefix) }

// Canonicalize rewrites keys persisted under earlier key schemes into the
// current one. The second return value reports whether key changed.
//
// Recognised legacy forms:
//
//	USB:VID=1a86:PID=7523:SN=x          lowercase hex
//	USB:VID=UNKNOWN:PID=UNKNOWN:SN=NO-SN-COM3
//	1a86:7523:x                         raw vendor:product:serial
//	COM3, /dev/ttyUSB0                  bare path
func Canonicalize(key string) (string, bool) {
	switch {
	case key == "":
		return key, false
	case strings.HasPrefix(key, portPrefix):
		return key, false
	case strings.HasPrefix(key, usbPrefix):
		m := usbKeyRe.FindStringSubmatch(key)
		if m == nil {
			return key, false
		}
		vid, pid, sn := m[1], m[2], m[3]
		if vid == "UNKNOWN" && pid == "UNKNOWN" {
			if path, ok := strings.CutPrefix(sn, noSerial); ok && path != "" {
				return portPrefix + path, true
			}
			return key, false
		}
		if !hex4Re.MatchString(vid) || !hex4Re.MatchString(pid) {
			return key, false
		}
		out := usbKey(strings.ToUpper(vid), strings.ToUpper(pid), sn)
		return out, out != key
	}

	if m := rawConcatRe.FindStringSubmatch(key); m != nil {
		return usbKey(strings.ToUpper(m[1]), strings.ToUpper(m[2]), m[3]), true
	}
	if !strings.Contains(key, ":") {
		return portPrefix + key, true
	}
	return key, false
}
