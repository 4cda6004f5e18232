package dashboard

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
	"github.com/hackgods/clinic-appointment-core/internal/calendar"
)

// Stats summarizes one day of appointments.
type Stats struct {
	Date       string  `json:"date"`
	Total      int     `json:"total"`
	Pending    int     `json:"pending"`
	NoShows    int     `json:"no_shows"`
	NoShowRate float64 `json:"no_show_rate"`
}

// Compute derives the day's stats from full snapshots. The no-show rate is a
// percentage of all the day's appointments and 0 when there are none.
func Compute(date time.Time, views []appointment.AppointmentView) Stats {
	s := Stats{Date: calendar.FormatDate(date), Total: len(views)}
	for _, v := range views {
		switch v.Status {
		case appointment.StatusPending:
			s.Pending++
		case appointment.StatusNoShow:
			s.NoShows++
		}
	}
	if s.Total > 0 {
		s.NoShowRate = math.Round(float64(s.NoShows)/float64(s.Total)*1000) / 10
	}
	return s
}

// Board is one observer's live copy of a day. Events replace whole
// snapshots, so stats are always recomputed from the set rather than
// adjusted incrementally.
type Board struct {
	date  string
	views map[uuid.UUID]appointment.AppointmentView
}

func NewBoard(date time.Time, views []appointment.AppointmentView) *Board {
	b := &Board{
		date:  calendar.FormatDate(date),
		views: make(map[uuid.UUID]appointment.AppointmentView, len(views)),
	}
	for _, v := range views {
		b.views[v.ID] = v
	}
	return b
}

// Apply folds ev into the board and reports whether the board changed.
// Snapshots of another day, or not newer than the one held, are ignored.
func (b *Board) Apply(ev appointment.Event) bool {
	if calendar.FormatDate(ev.Snapshot.Date) != b.date {
		return false
	}
	if held, ok := b.views[ev.Snapshot.ID]; ok && !ev.Snapshot.UpdatedAt.After(held.UpdatedAt) {
		return false
	}
	b.views[ev.Snapshot.ID] = ev.Snapshot
	return true
}

// Views returns the day's appointments ordered by slot.
func (b *Board) Views() []appointment.AppointmentView {
	out := make([]appointment.AppointmentView, 0, len(b.views))
	for _, v := range b.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (b *Board) Stats() Stats {
	date, _ := calendar.ParseDate(b.date)
	return Compute(date, b.Views())
}
