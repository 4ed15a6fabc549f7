package inbound

import (
	"context"
	"errors"
	"fmt"

	"itipcal/internal/itip"
	"itipcal/internal/models"
	"itipcal/internal/storage"
)

// RequestProcessor applies REQUEST messages: new invitations and updates
// sent by the organizer.
type RequestProcessor struct{}

func (RequestProcessor) Process(ctx context.Context, pc *Context, msg Message) (*Result, error) {
	if err := itip.RequireOrganizer(msg.Resource.FirstEvent(), msg.Originator); err != nil {
		return nil, err
	}
	if err := pc.Permissions.RequireFolderPermission(ctx, pc.Folder, pc.Session.UserID, storage.PermissionWrite); err != nil {
		return nil, err
	}

	events := msg.Resource.Clone().Events()
	var skipped []*models.RecurrenceID
	if isAttendee(events, pc.CalendarUser) {
		var err error
		if events, skipped, err = patchAttendeeState(ctx, pc, events); err != nil {
			return nil, err
		}
	} else {
		pc.Logger.Info("Calendar user is not invited, adding as attendee", "uid", msg.Resource.UID(), "user", pc.CalendarUser.String())
		for _, e := range events {
			e.Attendees = append(e.Attendees, models.Attendee{
				CalendarUser: pc.CalendarUser,
				PartStat:     models.PartStatNeedsAction,
			})
		}
	}
	if len(events) == 0 {
		return &Result{}, nil
	}

	resource, err := models.NewResource(events...)
	if err != nil {
		return nil, err
	}
	// A transmitted master replaces the whole stored resource, loose
	// exceptions are merged into it.
	return put(ctx, pc, resource, resource.SeriesMaster() != nil, skipped)
}

func isAttendee(events []*models.Event, user models.CalendarUser) bool {
	for _, e := range events {
		if e.FindAttendee(user) >= 0 {
			return true
		}
	}
	return false
}

// patchAttendeeState keeps the calendar user's own reply state unless the
// organizer sent a newer revision of the event. Outdated events are dropped
// and their recurrence ids returned in skipped.
func patchAttendeeState(ctx context.Context, pc *Context, events []*models.Event) (out []*models.Event, skipped []*models.RecurrenceID, err error) {
	resolver := pc.resolver()
	out = events[:0]
	for _, e := range events {
		stored, err := resolver.ResolveEvent(ctx, e.UID, e.RecurrenceID, pc.targetUserID())
		if errors.Is(err, itip.ErrEventNotFound) {
			out = append(out, e)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if stored.Organizer != nil && e.Organizer != nil && !models.SameUser(*stored.Organizer, *e.Organizer) {
			return nil, nil, fmt.Errorf("%w: uid %q", itip.ErrOrganizerMismatch, e.UID)
		}
		sameOccurrence := stored.RecurrenceID.Matches(e.RecurrenceID)
		if sameOccurrence && e.Sequence < stored.Sequence {
			pc.warn("Ignoring outdated event", fmt.Errorf("%w: uid %q has sequence %d, stored %d",
				itip.ErrOutdatedSequence, e.UID, e.Sequence, stored.Sequence), "uid", e.UID)
			skipped = append(skipped, e.RecurrenceID)
			continue
		}
		if e.Sequence <= stored.Sequence {
			if idx := e.FindAttendee(pc.CalendarUser); idx >= 0 {
				if own, ok := stored.Attendee(pc.CalendarUser); ok {
					e.Attendees[idx] = spliceAttendee(e.Attendees[idx], own)
				}
			}
		}
		out = append(out, e)
	}
	return out, skipped, nil
}

// spliceAttendee takes the participation state and identity of stored while
// keeping the role assigned by the organizer.
func spliceAttendee(incoming, stored models.Attendee) models.Attendee {
	out := incoming
	out.CalendarUser = stored.CalendarUser
	out.PartStat = stored.PartStat
	out.Comment = stored.Comment
	out.Timestamp = stored.Timestamp
	return out
}

// put writes resource to storage. With replace set, stored change exceptions
// that are neither part of resource nor listed in keep are deleted.
func put(ctx context.Context, pc *Context, resource *models.CalendarObjectResource, replace bool, keep []*models.RecurrenceID) (*Result, error) {
	result := &Result{}
	stored, err := pc.resolver().ResolveResource(ctx, resource.UID(), pc.targetUserID())
	if err != nil && !errors.Is(err, itip.ErrEventNotFound) {
		return nil, err
	}

	var storedMaster *models.Event
	if stored != nil && stored.FirstEvent().RecurrenceID == nil {
		storedMaster = stored.FirstEvent()
	}

	seriesID := ""
	if storedMaster != nil {
		seriesID = storedMaster.SeriesID
	}
	if master := resource.SeriesMaster(); master != nil {
		saved, err := save(ctx, pc, master, storedMaster, result)
		if err != nil {
			return nil, err
		}
		seriesID = saved.SeriesID
	}

	for _, ex := range resource.ChangeExceptions() {
		existing, err := storedException(ctx, pc, stored, storedMaster, ex)
		if err != nil {
			return nil, err
		}
		ex.SeriesID = seriesID
		if _, err := save(ctx, pc, ex, existing, result); err != nil {
			return nil, err
		}
	}

	if replace && stored != nil {
		for _, old := range stored.ChangeExceptions() {
			if resource.Find(old.RecurrenceID) != nil || containsRecurrence(keep, old.RecurrenceID) {
				continue
			}
			if err := pc.Store.DeleteEvent(ctx, old.ID); err != nil {
				return nil, fmt.Errorf("failed to delete obsolete exception %s: %w", old.ID, err)
			}
			result.Deleted = append(result.Deleted, old)
		}
	}
	return result, nil
}

// storedException returns the stored copy of the change exception ex, or nil.
// Without a stored master every loose exception is resolved on its own.
func storedException(ctx context.Context, pc *Context, stored *models.CalendarObjectResource, storedMaster, ex *models.Event) (*models.Event, error) {
	if stored == nil {
		return nil, nil
	}
	if storedMaster != nil {
		return stored.Find(ex.RecurrenceID), nil
	}
	existing, err := pc.resolver().ResolveEvent(ctx, ex.UID, ex.RecurrenceID, pc.targetUserID())
	if errors.Is(err, itip.ErrEventNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !existing.RecurrenceID.Matches(ex.RecurrenceID) {
		return nil, nil
	}
	return existing, nil
}

func containsRecurrence(rids []*models.RecurrenceID, rid *models.RecurrenceID) bool {
	for _, r := range rids {
		if r.Matches(rid) {
			return true
		}
	}
	return false
}

// save creates event or updates existing with it.
func save(ctx context.Context, pc *Context, event, existing *models.Event, result *Result) (*models.Event, error) {
	if existing == nil {
		event.ID = ""
		saved, err := pc.Store.CreateEvent(ctx, pc.Folder.ID, event)
		if err != nil {
			return nil, fmt.Errorf("failed to create event %q: %w", event.UID, err)
		}
		result.Created = append(result.Created, saved)
		return saved, nil
	}
	event.ID = existing.ID
	event.FolderID = existing.FolderID
	event.SeriesID = existing.SeriesID
	event.Created = existing.Created
	saved, err := pc.Store.UpdateEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("failed to update event %s: %w", existing.ID, err)
	}
	result.Updated = append(result.Updated, models.Diff(existing, saved))
	return saved, nil
}
