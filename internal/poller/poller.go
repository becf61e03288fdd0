package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"fleetgate/internal/fleet"
	"fleetgate/internal/gps51"
)

// Polling intervals by fleet activity.
const (
	IntervalMoving     = 30 * time.Second
	IntervalStationary = 45 * time.Second
	IntervalIdle       = 60 * time.Second

	// A moving-flag flip this recent makes the next poll immediate.
	movingFlipWindow = 60 * time.Second

	// Vehicles above this speed are the hot subset.
	prioritySpeedKmh = 30.0
)

// ChooseInterval picks the polling period from fleet activity: any moving
// vehicle wins the short interval, any online stationary vehicle the middle
// one, otherwise the fleet is idle.
func ChooseInterval(vehicles []fleet.Vehicle) time.Duration {
	stationary := false
	for _, v := range vehicles {
		if v.IsMoving {
			return IntervalMoving
		}
		if v.Status != fleet.StatusOffline {
			stationary = true
		}
	}
	if stationary {
		return IntervalStationary
	}
	return IntervalIdle
}

// PriorityVehicles returns the moving vehicles above the speed threshold,
// for callers that want to poll a hot subset more often.
func PriorityVehicles(vehicles []fleet.Vehicle) []fleet.Vehicle {
	var out []fleet.Vehicle
	for _, v := range vehicles {
		if v.IsMoving && v.Speed > prioritySpeedKmh {
			out = append(out, v)
		}
	}
	return out
}

// ShouldPollImmediately reports whether any vehicle's moving flag flipped
// within the last minute.
func ShouldPollImmediately(vehicles []fleet.Vehicle, now time.Time) bool {
	for _, v := range vehicles {
		if !v.MovingChangedAt.IsZero() && now.Sub(v.MovingChangedAt) <= movingFlipWindow {
			return true
		}
	}
	return false
}

// Source is the slice of the fleet client the poller needs.
type Source interface {
	DeviceList(ctx context.Context, username string, forceRefresh bool) (*gps51.DeviceListResult, error)
	LastPositions(ctx context.Context, deviceIDs []string, lastQueryTime int64, forceRefresh bool) (*gps51.PositionsResult, error)
}

type Snapshot struct {
	Vehicles      []fleet.Vehicle `json:"vehicles"`
	Interval      time.Duration   `json:"-"`
	IntervalMs    int64           `json:"intervalMs"`
	LastPoll      time.Time       `json:"lastPoll,omitzero"`
	LastQueryTime int64           `json:"lastQueryTime"`
	LastError     string          `json:"lastError,omitempty"`
}

// Poller drives the position refresh loop, adapting its interval to fleet
// activity after every cycle.
type Poller struct {
	src      Source
	username func() string // current session username; empty when logged out
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.RWMutex
	devices       []gps51.Device
	positions     map[string]gps51.Position
	vehicles      map[string]fleet.Vehicle
	lastQueryTime int64
	interval      time.Duration
	lastPoll      time.Time
	lastErr       string

	poke chan struct{}
}

func New(src Source, username func() string, logger *slog.Logger) *Poller {
	return &Poller{
		src:       src,
		username:  username,
		logger:    logger.With("component", "poller"),
		now:       time.Now,
		positions: make(map[string]gps51.Position),
		vehicles:  make(map[string]fleet.Vehicle),
		interval:  IntervalIdle,
		poke:      make(chan struct{}, 1),
	}
}

// Poke requests an immediate poll cycle, used by the proxy after actions
// that likely changed fleet state.
func (p *Poller) Poke() {
	select {
	case p.poke <- struct{}{}:
	default:
	}
}

// Run polls until ctx is canceled. Each cycle fetches the device list
// (served from cache most of the time), batches all device IDs into one
// position query, merges most-recent-wins, and recomputes the interval.
func (p *Poller) Run(ctx context.Context) {
	for {
		interval := p.pollOnce(ctx)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.poke:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) time.Duration {
	user := p.username()
	if user == "" {
		// Nothing to poll until someone authenticates.
		return IntervalIdle
	}
	list, err := p.src.DeviceList(ctx, user, false)
	if err != nil {
		return p.recordError(err)
	}

	ids := make([]string, 0, len(list.Devices))
	for _, d := range list.Devices {
		ids = append(ids, d.DeviceID)
	}
	if len(ids) == 0 {
		p.mu.Lock()
		p.devices = list.Devices
		p.interval = IntervalIdle
		p.lastPoll = p.now()
		p.lastErr = ""
		p.mu.Unlock()
		return IntervalIdle
	}

	p.mu.RLock()
	watermark := p.lastQueryTime
	p.mu.RUnlock()

	res, err := p.src.LastPositions(ctx, ids, watermark, false)
	if err != nil {
		return p.recordError(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.devices = list.Devices
	fleet.MergePositions(p.positions, res.Positions)
	if res.LastQueryTime > 0 {
		p.lastQueryTime = res.LastQueryTime
	}

	now := p.now()
	next := make(map[string]fleet.Vehicle, len(list.Devices))
	for _, d := range list.Devices {
		pos, ok := p.positions[d.DeviceID]
		if !ok {
			next[d.DeviceID] = fleet.Vehicle{
				DeviceID: d.DeviceID,
				Name:     d.DeviceName,
				Status:   fleet.StatusOffline,
			}
			continue
		}
		v := fleet.VehicleFromPosition(d, pos, now)
		if prev, ok := p.vehicles[d.DeviceID]; ok {
			v.MovingChangedAt = prev.MovingChangedAt
			if prev.IsMoving != v.IsMoving {
				v.MovingChangedAt = now
			}
		}
		next[d.DeviceID] = v
	}
	p.vehicles = next
	p.lastPoll = now
	p.lastErr = ""

	vehicles := p.vehicleSliceLocked()
	p.interval = ChooseInterval(vehicles)
	if ShouldPollImmediately(vehicles, now) && p.interval > IntervalMoving {
		p.interval = IntervalMoving
	}
	return p.interval
}

func (p *Poller) recordError(err error) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = err.Error()
	p.logger.Warn("poll cycle failed", "err", err)
	// Keep the current interval; the governor already owns backoff for
	// rate-limit failures.
	return p.interval
}

func (p *Poller) vehicleSliceLocked() []fleet.Vehicle {
	out := make([]fleet.Vehicle, 0, len(p.vehicles))
	for _, v := range p.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (p *Poller) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		Vehicles:      p.vehicleSliceLocked(),
		Interval:      p.interval,
		IntervalMs:    p.interval.Milliseconds(),
		LastPoll:      p.lastPoll,
		LastQueryTime: p.lastQueryTime,
		LastError:     p.lastErr,
	}
}
