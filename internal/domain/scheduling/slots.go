package scheduling

import (
	"github.com/clinic/clinic/pkg/apperrors"
	"github.com/clinic/clinic/pkg/calendar"
)

// AvailableSlots lists every interval-aligned start time from start up to,
// but excluding, end, minus the occupied ones. A slot that starts before
// end is kept even when it runs past it. end <= start is a closed window
// and yields no slots.
func AvailableSlots(start, end calendar.TimeOfDay, interval int, occupied []calendar.TimeOfDay) ([]calendar.TimeOfDay, error) {
	if interval <= 0 {
		return nil, apperrors.NewInvalidScheduleConfigError("interval must be positive, got %d", interval)
	}

	taken := make(map[calendar.TimeOfDay]struct{}, len(occupied))
	for _, t := range occupied {
		taken[t] = struct{}{}
	}

	slots := []calendar.TimeOfDay{}
	for t := start; t.Before(end); t = t.Add(interval) {
		if _, ok := taken[t]; ok {
			continue
		}
		slots = append(slots, t)
	}
	return slots, nil
}

// Slots is AvailableSlots for the schedule's window.
func (s *Schedule) Slots(occupied []calendar.TimeOfDay) ([]calendar.TimeOfDay, error) {
	return AvailableSlots(s.StartTime, s.EndTime, s.Interval, occupied)
}

func containsSlot(slots []calendar.TimeOfDay, t calendar.TimeOfDay) bool {
	for _, s := range slots {
		if s == t {
			return true
		}
	}
	return false
}
