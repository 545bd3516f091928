package chargepoint

import "strings"

// Status is the normalized connector state. Vendor status text is mapped onto
// this enum at the API boundary; raw vendor strings never leave that layer.
type Status string

const (
	StatusAvailable Status = "available"
	StatusOccupied  Status = "occupied"
	StatusCharging  Status = "charging"
	StatusError     Status = "error"
	StatusUnknown   Status = "unknown"
)

// ParseStatus maps vendor status text onto the Status enum. Missing or
// unrecognized values map to StatusUnknown rather than failing.
func ParseStatus(vendor string) Status {
	switch strings.ToLower(strings.TrimSpace(vendor)) {
	case "available":
		return StatusAvailable
	case "connected", "occupied", "preparing", "suspendedev", "suspendedevse", "finishing":
		return StatusOccupied
	case "charging":
		return StatusCharging
	case "error", "faulted", "fault":
		return StatusError
	default:
		return StatusUnknown
	}
}

// String implements fmt.Stringer.
func (s Status) String() string { return string(s) }
