package inbound

import (
	"context"
	"fmt"
	"slices"
	"time"

	"itipcal/internal/itip"
	"itipcal/internal/models"
	"itipcal/internal/recurrence"
	"itipcal/internal/storage"
)

// CancelProcessor applies CANCEL messages. A cancelled series master is
// applied as a whole; otherwise every transmitted occurrence is cancelled on
// its own and failures are recorded as session warnings.
type CancelProcessor struct{}

func (CancelProcessor) Process(ctx context.Context, pc *Context, msg Message) (*Result, error) {
	if master := msg.Resource.SeriesMaster(); master != nil {
		return cancelOccurrence(ctx, pc, msg.Originator, master)
	}
	result := &Result{}
	for _, occurrence := range msg.Resource.ChangeExceptions() {
		r, err := cancelOccurrence(ctx, pc, msg.Originator, occurrence)
		if err != nil {
			pc.warn("Failed to cancel occurrence", err, "uid", occurrence.UID, "recurrence_id", occurrence.RecurrenceID.String())
			continue
		}
		result.Merge(r)
	}
	return result, nil
}

func cancelOccurrence(ctx context.Context, pc *Context, originator models.CalendarUser, cancelled *models.Event) (*Result, error) {
	resolver := pc.resolver()
	stored, err := resolver.ResolveEvent(ctx, cancelled.UID, cancelled.RecurrenceID, pc.targetUserID())
	if err != nil {
		return nil, err
	}
	if cancelled.FindAttendee(pc.CalendarUser) < 0 {
		return nil, fmt.Errorf("%w: %s is not an attendee of %q", itip.ErrWrongCancellation, pc.CalendarUser, cancelled.UID)
	}
	if err := itip.RequireOrganizer(stored, originator); err != nil {
		return nil, err
	}
	if cancelled.Organizer == nil || !models.SameUser(*cancelled.Organizer, *stored.Organizer) {
		return nil, fmt.Errorf("%w: uid %q", itip.ErrOrganizerMismatch, cancelled.UID)
	}
	if cancelled.Sequence < stored.Sequence {
		return nil, fmt.Errorf("%w: uid %q has sequence %d, stored %d",
			itip.ErrOutdatedSequence, cancelled.UID, cancelled.Sequence, stored.Sequence)
	}
	if stored.FolderID != pc.Folder.ID {
		return nil, fmt.Errorf("%w: event %s is in folder %s", itip.ErrNotInFolder, stored.ID, stored.FolderID)
	}
	if err := pc.Permissions.RequireEventPermission(ctx, pc.Folder, stored, pc.Session.UserID, storage.PermissionDelete); err != nil {
		return nil, err
	}

	rid := cancelled.RecurrenceID
	switch {
	case !stored.IsSeriesMaster() && !stored.IsSeriesException():
		return deleteEvent(ctx, pc, stored)
	case rid == nil:
		return deleteSeries(ctx, pc, stored)
	case rid.ThisAndFuture():
		master, err := resolver.SeriesMaster(ctx, stored)
		if err != nil {
			return nil, err
		}
		return deleteFuture(ctx, pc, master, rid)
	case stored.IsSeriesException():
		return deleteException(ctx, pc, stored)
	default:
		return addDeleteException(ctx, pc, stored, rid)
	}
}

func deleteEvent(ctx context.Context, pc *Context, event *models.Event) (*Result, error) {
	if err := pc.Store.DeleteEvent(ctx, event.ID); err != nil {
		return nil, fmt.Errorf("failed to delete event %s: %w", event.ID, err)
	}
	return &Result{Deleted: []*models.Event{event}}, nil
}

func deleteSeries(ctx context.Context, pc *Context, master *models.Event) (*Result, error) {
	exceptions, err := pc.Store.LoadExceptions(ctx, master.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load exceptions of %s: %w", master.ID, err)
	}
	if err := pc.Store.DeleteEvent(ctx, master.ID); err != nil {
		return nil, fmt.Errorf("failed to delete series %s: %w", master.ID, err)
	}
	return &Result{Deleted: append([]*models.Event{master}, exceptions...)}, nil
}

// deleteException removes a change exception and excludes its occurrence
// from the series.
func deleteException(ctx context.Context, pc *Context, exception *models.Event) (*Result, error) {
	result, err := deleteEvent(ctx, pc, exception)
	if err != nil {
		return nil, err
	}
	if exception.SeriesID == "" {
		return result, nil
	}
	master, err := pc.resolver().SeriesMaster(ctx, exception)
	if err != nil {
		return nil, err
	}
	r, err := addDeleteException(ctx, pc, master, exception.RecurrenceID)
	if err != nil {
		return nil, err
	}
	result.Merge(r)
	return result, nil
}

func addDeleteException(ctx context.Context, pc *Context, master *models.Event, rid *models.RecurrenceID) (*Result, error) {
	if master.HasDeleteException(rid.Value) {
		return &Result{}, nil
	}
	updated := master.Clone()
	updated.DeleteExceptionDates = append(updated.DeleteExceptionDates, rid.Value)
	slices.SortFunc(updated.DeleteExceptionDates, func(a, b time.Time) int { return a.Compare(b) })
	saved, err := pc.Store.UpdateEvent(ctx, updated)
	if err != nil {
		return nil, fmt.Errorf("failed to exclude occurrence %s from %s: %w", rid, master.ID, err)
	}
	return &Result{Updated: []models.EventUpdate{models.Diff(master, saved)}}, nil
}

// deleteFuture ends the series before rid and removes every later change
// exception.
func deleteFuture(ctx context.Context, pc *Context, master *models.Event, rid *models.RecurrenceID) (*Result, error) {
	rule, err := recurrence.Truncate(master.RecurrenceRule, master.Start, rid.Value)
	if err != nil {
		return nil, err
	}
	if rule == "" {
		return deleteSeries(ctx, pc, master)
	}

	exceptions, err := pc.Store.LoadExceptions(ctx, master.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load exceptions of %s: %w", master.ID, err)
	}
	result := &Result{}
	for _, ex := range exceptions {
		if ex.RecurrenceID.Before(rid.Value) {
			continue
		}
		r, err := deleteEvent(ctx, pc, ex)
		if err != nil {
			return nil, err
		}
		result.Merge(r)
	}

	updated := master.Clone()
	updated.RecurrenceRule = rule
	updated.DeleteExceptionDates = slices.DeleteFunc(updated.DeleteExceptionDates, func(t time.Time) bool {
		return !t.Before(rid.Value)
	})
	saved, err := pc.Store.UpdateEvent(ctx, updated)
	if err != nil {
		return nil, fmt.Errorf("failed to truncate series %s: %w", master.ID, err)
	}
	result.Updated = append(result.Updated, models.Diff(master, saved))
	return result, nil
}
