package inbound

import (
	"context"
	"fmt"

	"itipcal/internal/itip"
	"itipcal/internal/models"
)

// AttendeeUpdate sets the calendar user's participation status on events a
// previous REQUEST or ADD created or rescheduled, for automatic or
// pre-selected answers.
type AttendeeUpdate struct {
	PartStat models.PartStat
	// Comment replaces the stored attendee comment when set.
	Comment *string
}

// Apply updates the events mentioned in prior. It is a no-op for other
// methods, for NEEDS-ACTION and when prior neither created nor rescheduled
// anything.
func (u AttendeeUpdate) Apply(ctx context.Context, pc *Context, method itip.Method, prior *Result) (*Result, error) {
	result := &Result{}
	if method != itip.MethodRequest && method != itip.MethodAdd {
		return result, nil
	}
	if u.PartStat == "" || u.PartStat == models.PartStatNeedsAction || prior == nil {
		return result, nil
	}
	if err := pc.validate(); err != nil {
		return nil, err
	}

	targets := make([]*models.Event, 0, len(prior.Created))
	targets = append(targets, prior.Created...)
	for _, up := range prior.Rescheduled() {
		targets = append(targets, up.Updated)
	}
	for _, target := range targets {
		stored, err := pc.Store.LoadEvent(ctx, target.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload event %s: %w", target.ID, err)
		}
		idx := stored.FindAttendee(pc.CalendarUser)
		if idx < 0 {
			pc.Logger.Debug("Calendar user is not an attendee", "uid", stored.UID, "user", pc.CalendarUser.String())
			continue
		}
		updated := stored.Clone()
		a := &updated.Attendees[idx]
		a.PartStat = u.PartStat
		if u.Comment != nil {
			a.Comment = *u.Comment
		}
		a.Timestamp = pc.Now()
		saved, err := pc.Store.UpdateEvent(ctx, updated)
		if err != nil {
			return nil, fmt.Errorf("failed to update participation status on %s: %w", stored.ID, err)
		}
		result.Updated = append(result.Updated, models.Diff(stored, saved))
	}
	return result, nil
}

// UpdateAttendeeStatus is shorthand for AttendeeUpdate{partStat, comment}.Apply.
func UpdateAttendeeStatus(ctx context.Context, pc *Context, method itip.Method, partStat models.PartStat, comment *string, prior *Result) (*Result, error) {
	return AttendeeUpdate{PartStat: partStat, Comment: comment}.Apply(ctx, pc, method, prior)
}
