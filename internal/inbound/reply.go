package inbound

import (
	"context"
	"fmt"

	"itipcal/internal/itip"
	"itipcal/internal/models"
	"itipcal/internal/storage"
)

// ReplyProcessor applies REPLY messages to the organizer's copy of an event.
// Each replied occurrence is handled on its own; failures become warnings.
type ReplyProcessor struct{}

func (ReplyProcessor) Process(ctx context.Context, pc *Context, msg Message) (*Result, error) {
	if err := pc.Permissions.RequireFolderPermission(ctx, pc.Folder, pc.Session.UserID, storage.PermissionWrite); err != nil {
		return nil, err
	}
	result := &Result{}
	for _, replied := range msg.Resource.Events() {
		r, err := applyReply(ctx, pc, msg.Originator, replied)
		if err != nil {
			pc.warn("Failed to apply reply", err, "uid", replied.UID, "recurrence_id", replied.RecurrenceID.String())
			continue
		}
		result.Merge(r)
	}
	return result, nil
}

func applyReply(ctx context.Context, pc *Context, originator models.CalendarUser, replied *models.Event) (*Result, error) {
	stored, err := pc.resolver().ResolveEvent(ctx, replied.UID, replied.RecurrenceID, pc.targetUserID())
	if err != nil {
		return nil, err
	}
	if replied.RecurrenceID != nil && !stored.RecurrenceID.Matches(replied.RecurrenceID) {
		return nil, fmt.Errorf("%w: no change exception %s for %q", itip.ErrEventNotFound, replied.RecurrenceID, replied.UID)
	}
	if stored.Organizer == nil || !models.SameUser(*stored.Organizer, pc.CalendarUser) {
		return nil, fmt.Errorf("%w: %s does not organize %q", itip.ErrNotOrganizer, pc.CalendarUser, replied.UID)
	}
	if stored.FolderID != pc.Folder.ID {
		return nil, fmt.Errorf("%w: event %s is in folder %s", itip.ErrNotInFolder, stored.ID, stored.FolderID)
	}
	if replied.Sequence < stored.Sequence {
		return nil, fmt.Errorf("%w: reply to %q has sequence %d, stored %d",
			itip.ErrOutdatedSequence, replied.UID, replied.Sequence, stored.Sequence)
	}
	answer, ok := replied.Attendee(originator)
	if !ok {
		return nil, fmt.Errorf("%w: reply to %q does not list %s", itip.ErrUnknownAttendee, replied.UID, originator)
	}
	idx := stored.FindAttendee(originator)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s is not invited to %q", itip.ErrUnknownAttendee, originator, replied.UID)
	}

	updated := stored.Clone()
	a := &updated.Attendees[idx]
	a.PartStat = answer.PartStat
	a.Comment = answer.Comment
	a.Timestamp = pc.Now()
	if answer.SentBy != nil {
		a.SentBy = answer.SentBy
	}
	saved, err := pc.Store.UpdateEvent(ctx, updated)
	if err != nil {
		return nil, fmt.Errorf("failed to record reply on %s: %w", stored.ID, err)
	}
	return &Result{Updated: []models.EventUpdate{models.Diff(stored, saved)}}, nil
}
