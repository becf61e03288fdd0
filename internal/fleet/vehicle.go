package fleet

import (
	"time"

	"fleetgate/internal/gps51"
)

// A vehicle with no report for this long is shown offline.
const offlineAfter = 5 * time.Minute

const (
	StatusMoving  = "moving"
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Vehicle is the dashboard-facing view of a device joined with its latest
// position.
type Vehicle struct {
	DeviceID   string    `json:"deviceId"`
	Name       string    `json:"name"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Speed      float64   `json:"speed"`
	Course     float64   `json:"course"`
	IsMoving   bool      `json:"isMoving"`
	Status     string    `json:"status"`
	HasFix     bool      `json:"hasFix"`
	LastUpdate time.Time `json:"lastUpdate"`

	// MovingChangedAt is when the moving flag last flipped, maintained by
	// the poller to drive immediate-poll decisions.
	MovingChangedAt time.Time `json:"movingChangedAt,omitzero"`
}

func coordsValid(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return true
}

// VehicleFromPosition joins a device with its most recent position.
// Position timestamps are upstream epoch milliseconds.
func VehicleFromPosition(d gps51.Device, p gps51.Position, now time.Time) Vehicle {
	updated := time.UnixMilli(p.UpdateTime)
	v := Vehicle{
		DeviceID:   d.DeviceID,
		Name:       d.DeviceName,
		Lat:        p.Lat,
		Lon:        p.Lon,
		Speed:      p.Speed,
		Course:     p.Course,
		IsMoving:   p.Moving == 1,
		HasFix:     coordsValid(p.Lat, p.Lon),
		LastUpdate: updated,
	}
	switch {
	case v.IsMoving:
		v.Status = StatusMoving
	case now.Sub(updated) < offlineAfter:
		v.Status = StatusOnline
	default:
		v.Status = StatusOffline
	}
	return v
}

// MergePositions folds incoming positions into byDevice, keeping the most
// recent report per device when duplicates arrive.
func MergePositions(byDevice map[string]gps51.Position, incoming []gps51.Position) {
	for _, p := range incoming {
		if prev, ok := byDevice[p.DeviceID]; ok && prev.UpdateTime >= p.UpdateTime {
			continue
		}
		byDevice[p.DeviceID] = p
	}
}
