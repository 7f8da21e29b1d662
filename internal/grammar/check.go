package grammar

import (
	"strings"

	"github.com/2oby/orac-core/internal/backend"
)

// Check is the outcome of the utterance pre-check: which configured device
// type and location the text appears to mention.
type Check struct {
	Device        string `json:"device,omitempty"`
	Location      string `json:"location,omitempty"`
	DeviceFound   bool   `json:"device_found"`
	LocationFound bool   `json:"location_found"`
}

// OK reports whether both a device type and a location were spotted.
func (c Check) OK() bool { return c.DeviceFound && c.LocationFound }

// CheckUtterance reports whether text mentions one of rec's grammar-eligible
// device types and locations. It is a heuristic for operator test surfaces
// only; the authoritative constraint is the grammar itself.
func CheckUtterance(rec *backend.Record, text string) Check {
	devices, locations, _ := vocabulary(rec)
	lower := strings.ToLower(text)

	var out Check
	for _, d := range devices {
		if strings.Contains(lower, d) {
			out.Device, out.DeviceFound = d, true
			break
		}
	}
	for _, l := range locations {
		if strings.Contains(lower, l) {
			out.Location, out.LocationFound = l, true
			break
		}
	}
	return out
}
