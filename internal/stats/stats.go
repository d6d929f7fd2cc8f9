// Package stats derives queue statistics.
//
// Authoritative figures from the backend always win. When they are missing
// the numbers are estimated from the snapshot; the estimated average wait is
// a position heuristic (position * MinutesPerSlot), not a measurement, and
// should be replaced once the backend reports real service times.
package stats

import (
	"sort"

	"fila-client/config"
	"fila-client/internal/model"
)

// Params are the constants used when estimating.
type Params struct {
	MinutesPerSlot        float64
	DefaultServiceMinutes float64
}

// DefaultParams returns the historical constants.
func DefaultParams() Params {
	return Params{MinutesPerSlot: 15, DefaultServiceMinutes: 30}
}

// ParamsFromConfig converts the stats config section.
func ParamsFromConfig(cfg config.StatsConfig) Params {
	p := DefaultParams()
	if cfg.MinutesPerSlot > 0 {
		p.MinutesPerSlot = cfg.MinutesPerSlot
	}
	if cfg.DefaultServiceMinutes > 0 {
		p.DefaultServiceMinutes = cfg.DefaultServiceMinutes
	}
	return p
}

// Compute returns the statistics for snapshot. It is pure: it neither reads
// the clock nor keeps state.
func Compute(snapshot model.QueueSnapshot, authoritative *model.Statistics, p Params) model.Statistics {
	if wellFormed(authoritative) {
		out := *authoritative
		if authoritative.Last24h != nil {
			rollup := *authoritative.Last24h
			out.Last24h = &rollup
		}
		out.Source = model.SourceServer
		return out
	}
	return estimate(snapshot, p)
}

// EstimateWait is the heuristic wait for a customer at the given 1-based
// position among waiting entries.
func EstimateWait(position int, p Params) float64 {
	if position <= 0 {
		return 0
	}
	return float64(position) * p.MinutesPerSlot
}

// Counts returns entry counts keyed by status.
func Counts(snapshot model.QueueSnapshot) map[string]int {
	counts := map[string]int{
		string(model.StatusWaiting):  0,
		string(model.StatusNext):     0,
		string(model.StatusServing):  0,
		string(model.StatusFinished): 0,
		string(model.StatusRemoved):  0,
	}
	for _, e := range snapshot.Entries {
		counts[string(e.Status)]++
	}
	return counts
}

// WaitingOrder returns the waiting entries ordered by position, then arrival.
func WaitingOrder(snapshot model.QueueSnapshot) []model.QueueEntry {
	var waiting []model.QueueEntry
	for _, e := range snapshot.Entries {
		if e.Status == model.StatusWaiting {
			waiting = append(waiting, e)
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		a, b := waiting[i], waiting[j]
		if a.Position != b.Position {
			if a.Position == 0 {
				return false
			}
			if b.Position == 0 {
				return true
			}
			return a.Position < b.Position
		}
		return a.EnteredAt.Before(b.EnteredAt)
	})
	return waiting
}

func wellFormed(s *model.Statistics) bool {
	if s == nil {
		return false
	}
	for _, n := range []int{s.Total, s.Waiting, s.Serving, s.Next, s.Finished, s.Removed,
		s.Barbers.Total, s.Barbers.Available, s.Barbers.Busy} {
		if n < 0 {
			return false
		}
	}
	return s.AverageWaitMinutes >= 0 && s.AverageServiceMinutes >= 0
}

func estimate(snapshot model.QueueSnapshot, p Params) model.Statistics {
	out := model.Statistics{
		Total:                 len(snapshot.Entries),
		AverageServiceMinutes: p.DefaultServiceMinutes,
		Source:                model.SourceEstimated,
	}
	for _, e := range snapshot.Entries {
		switch e.Status {
		case model.StatusWaiting:
			out.Waiting++
		case model.StatusNext:
			out.Next++
		case model.StatusServing:
			out.Serving++
		case model.StatusFinished:
			out.Finished++
		case model.StatusRemoved:
			out.Removed++
		}
	}

	if waiting := WaitingOrder(snapshot); len(waiting) > 0 {
		var sum float64
		for i := range waiting {
			sum += EstimateWait(i+1, p)
		}
		out.AverageWaitMinutes = sum / float64(len(waiting))
	}

	out.Barbers = availability(snapshot)
	return out
}

func availability(snapshot model.QueueSnapshot) model.BarberAvailability {
	if len(snapshot.Barbers) == 0 {
		return model.BarberAvailability{}
	}
	busy := make(map[string]bool)
	for _, e := range snapshot.Entries {
		if e.Status == model.StatusServing && e.BarberID != "" {
			busy[e.BarberID] = true
		}
	}
	var out model.BarberAvailability
	out.Total = len(snapshot.Barbers)
	for _, b := range snapshot.Barbers {
		switch {
		case busy[b.ID]:
			out.Busy++
		case b.Available:
			out.Available++
		}
	}
	return out
}
