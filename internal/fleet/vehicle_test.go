package fleet

import (
	"testing"
	"time"

	"fleetgate/internal/gps51"
)

func TestVehicleFromPosition(t *testing.T) {
	now := time.Now()
	d := gps51.Device{DeviceID: "d1", DeviceName: "Truck 1"}
	p := gps51.Position{
		DeviceID:   "d1",
		UpdateTime: now.Add(-10 * time.Second).UnixMilli(),
		Lat:        6.4281,
		Lon:        3.4219,
		Speed:      42,
		Moving:     1,
	}

	v := VehicleFromPosition(d, p, now)
	if !v.IsMoving {
		t.Error("moving:1 must map to IsMoving=true")
	}
	if v.Speed != 42 {
		t.Errorf("Speed = %v, want 42", v.Speed)
	}
	if v.Status != StatusMoving {
		t.Errorf("Status = %q, want moving", v.Status)
	}
	if !v.HasFix {
		t.Error("valid coordinates must set HasFix")
	}
}

func TestVehicleStatusDerivation(t *testing.T) {
	now := time.Now()
	d := gps51.Device{DeviceID: "d1"}

	cases := []struct {
		name   string
		moving int
		age    time.Duration
		want   string
	}{
		{"moving overrides age", 1, 10 * time.Minute, StatusMoving},
		{"recent stationary is online", 0, time.Minute, StatusOnline},
		{"stale stationary is offline", 0, 10 * time.Minute, StatusOffline},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := gps51.Position{DeviceID: "d1", Moving: c.moving, UpdateTime: now.Add(-c.age).UnixMilli(), Lat: 1, Lon: 1}
			if v := VehicleFromPosition(d, p, now); v.Status != c.want {
				t.Errorf("Status = %q, want %q", v.Status, c.want)
			}
		})
	}
}

func TestVehicleNoFixForNullIsland(t *testing.T) {
	v := VehicleFromPosition(gps51.Device{DeviceID: "d1"}, gps51.Position{DeviceID: "d1"}, time.Now())
	if v.HasFix {
		t.Error("0,0 must not count as a fix")
	}
}

func TestMergePositionsMostRecentWins(t *testing.T) {
	byDevice := map[string]gps51.Position{
		"d1": {DeviceID: "d1", UpdateTime: 200, Speed: 10},
	}

	MergePositions(byDevice, []gps51.Position{
		{DeviceID: "d1", UpdateTime: 100, Speed: 99}, // stale duplicate
		{DeviceID: "d2", UpdateTime: 50},
		{DeviceID: "d1", UpdateTime: 300, Speed: 55}, // newer
	})

	if got := byDevice["d1"]; got.UpdateTime != 300 || got.Speed != 55 {
		t.Errorf("d1 = %+v, want newest report", got)
	}
	if _, ok := byDevice["d2"]; !ok {
		t.Error("new device position dropped")
	}
}
