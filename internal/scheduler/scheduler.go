// Package scheduler performs changes the local calendar user makes to group
// scheduled events and hands the resulting scheduling messages to a sink.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"itipcal/internal/inbound"
	"itipcal/internal/itip"
	"itipcal/internal/models"
	"itipcal/internal/outbound"
	"itipcal/internal/recurrence"
	"itipcal/internal/storage"
)

// Sink delivers built messages and notifications.
type Sink interface {
	Deliver(ctx context.Context, batch outbound.Batch) error
}

// Config wires a Scheduler.
type Config struct {
	Store       storage.Storage
	Permissions storage.PermissionChecker
	Folder      storage.Folder
	// User is the calendar user changes are made by.
	User models.CalendarUser
	Deps outbound.Deps
	// Sink is optional; without it batches are only returned.
	Sink Sink
	Now  func() time.Time
}

// Scheduler applies local changes and computes the messages they imply.
type Scheduler struct {
	logger   *slog.Logger
	store    storage.Storage
	perms    storage.PermissionChecker
	resolver *itip.Resolver
	folder   storage.Folder
	user     models.CalendarUser
	sink     Sink
	now      func() time.Time

	creates *outbound.CreateBuilder
	updates *outbound.UpdateBuilder
	cancels *outbound.CancelBuilder
	replies *outbound.ReplyBuilder
}

// New creates a Scheduler.
func New(logger *slog.Logger, cfg Config) (*Scheduler, error) {
	if cfg.Store == nil || cfg.Permissions == nil {
		return nil, errors.New("scheduler requires storage and a permission checker")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Deps.Logger == nil {
		cfg.Deps.Logger = logger
	}
	return &Scheduler{
		logger:   logger,
		store:    cfg.Store,
		perms:    cfg.Permissions,
		resolver: itip.NewResolver(cfg.Store),
		folder:   cfg.Folder,
		user:     cfg.User,
		sink:     cfg.Sink,
		now:      cfg.Now,
		creates:  outbound.NewCreateBuilder(cfg.Deps),
		updates:  outbound.NewUpdateBuilder(cfg.Deps),
		cancels:  outbound.NewCancelBuilder(cfg.Deps),
		replies:  outbound.NewReplyBuilder(cfg.Deps),
	}, nil
}

// Create stores a new calendar object resource and invites its attendees.
// Missing UIDs are generated and group scheduled events without organizer
// are organized by the scheduler's user.
func (s *Scheduler) Create(ctx context.Context, session *itip.Session, events ...*models.Event) (outbound.Batch, error) {
	if err := s.perms.RequireFolderPermission(ctx, s.folder, session.UserID, storage.PermissionCreate); err != nil {
		return outbound.Batch{}, err
	}
	uid := ""
	for _, e := range events {
		if e.UID != "" {
			uid = e.UID
			break
		}
	}
	if uid == "" {
		uid = uuid.NewString()
	}
	prepared := make([]*models.Event, 0, len(events))
	for _, e := range events {
		c := e.Clone()
		c.ID, c.SeriesID = "", ""
		if c.UID == "" {
			c.UID = uid
		}
		if c.Organizer == nil && len(c.Attendees) > 0 {
			org := s.user
			c.Organizer = &org
		}
		prepared = append(prepared, c)
	}
	resource, err := models.NewResource(prepared...)
	if err != nil {
		return outbound.Batch{}, err
	}
	if _, err := s.resolver.ResolveEvent(ctx, resource.UID(), nil, session.UserID); err == nil {
		return outbound.Batch{}, fmt.Errorf("event with uid %q already exists", resource.UID())
	} else if !errors.Is(err, itip.ErrEventNotFound) {
		return outbound.Batch{}, err
	}

	var created []*models.Event
	seriesID := ""
	if master := resource.SeriesMaster(); master != nil {
		saved, err := s.store.CreateEvent(ctx, s.folder.ID, master)
		if err != nil {
			return outbound.Batch{}, fmt.Errorf("failed to create %q: %w", master.UID, err)
		}
		created = append(created, saved)
		seriesID = saved.SeriesID
	}
	for _, exception := range resource.ChangeExceptions() {
		exception.SeriesID = seriesID
		saved, err := s.store.CreateEvent(ctx, s.folder.ID, exception)
		if err != nil {
			return outbound.Batch{}, fmt.Errorf("failed to create exception of %q: %w", exception.UID, err)
		}
		created = append(created, saved)
	}
	s.logger.Info("Created event", "uid", resource.UID(), "events", len(created))

	batch, err := s.creates.Build(ctx, session, s.user, created)
	if err != nil {
		return outbound.Batch{}, err
	}
	return s.deliver(ctx, batch)
}

// Update stores a modified version of an existing event, identified by its
// ID, and informs the attendees. The sequence number is raised for every
// effective change.
func (s *Scheduler) Update(ctx context.Context, session *itip.Session, event *models.Event) (outbound.Batch, error) {
	stored, err := s.store.LoadEvent(ctx, event.ID)
	if err != nil {
		return outbound.Batch{}, fmt.Errorf("failed to load event %s: %w", event.ID, err)
	}
	if err := s.perms.RequireEventPermission(ctx, s.folder, stored, session.UserID, storage.PermissionWrite); err != nil {
		return outbound.Batch{}, err
	}
	if err := s.requireOrganizer(stored); err != nil {
		return outbound.Batch{}, err
	}

	updated := event.Clone()
	updated.UID, updated.FolderID, updated.SeriesID = stored.UID, stored.FolderID, stored.SeriesID
	updated.RecurrenceID = stored.RecurrenceID
	if models.Diff(stored, updated).IsEmpty() {
		return outbound.Batch{}, nil
	}
	updated.Sequence = max(updated.Sequence, stored.Sequence+1)
	saved, err := s.store.UpdateEvent(ctx, updated)
	if err != nil {
		return outbound.Batch{}, fmt.Errorf("failed to update event %s: %w", stored.ID, err)
	}
	update := models.Diff(stored, saved)
	s.logger.Info("Updated event", "uid", saved.UID, "fields", update.Fields)

	var resource *models.CalendarObjectResource
	if saved.IsSeriesMaster() {
		if resource, err = s.resolver.ResolveResource(ctx, saved.UID, session.UserID); err != nil {
			return outbound.Batch{}, err
		}
	}
	batch, err := s.updates.RequestUpdate(ctx, session, s.user, resource, update)
	if err != nil {
		return outbound.Batch{}, err
	}
	return s.deliver(ctx, batch)
}

// CreateException stores a change exception for one occurrence of the
// series whose master has the object id masterID.
func (s *Scheduler) CreateException(ctx context.Context, session *itip.Session, masterID string, exception *models.Event) (outbound.Batch, error) {
	master, err := s.store.LoadEvent(ctx, masterID)
	if err != nil {
		return outbound.Batch{}, fmt.Errorf("failed to load series master %s: %w", masterID, err)
	}
	if !master.IsSeriesMaster() {
		return outbound.Batch{}, fmt.Errorf("%w: event %s is not a series master", itip.ErrNotSupported, masterID)
	}
	if exception.RecurrenceID == nil {
		return outbound.Batch{}, fmt.Errorf("%w: change exception without recurrence id", models.ErrInvalidResource)
	}
	if err := s.perms.RequireEventPermission(ctx, s.folder, master, session.UserID, storage.PermissionWrite); err != nil {
		return outbound.Batch{}, err
	}
	if err := s.requireOrganizer(master); err != nil {
		return outbound.Batch{}, err
	}
	exceptions, err := s.store.LoadExceptions(ctx, master.ID)
	if err != nil {
		return outbound.Batch{}, fmt.Errorf("failed to load exceptions of %s: %w", master.ID, err)
	}
	if itip.FindException(exceptions, exception.RecurrenceID) != nil {
		return outbound.Batch{}, fmt.Errorf("%w: %s", itip.ErrDuplicateException, exception.RecurrenceID)
	}

	c := exception.Clone()
	c.ID, c.UID, c.SeriesID = "", master.UID, master.SeriesID
	c.RecurrenceRule, c.DeleteExceptionDates = "", nil
	c.Organizer = master.Organizer
	c.Sequence = max(c.Sequence, master.Sequence)
	saved, err := s.store.CreateEvent(ctx, master.FolderID, c)
	if err != nil {
		return outbound.Batch{}, fmt.Errorf("failed to create exception of %q: %w", master.UID, err)
	}
	s.logger.Info("Created change exception", "uid", saved.UID, "recurrenceId", saved.RecurrenceID.String())

	batch, err := s.updates.NewException(ctx, session, s.user, saved, models.Diff(master, saved))
	if err != nil {
		return outbound.Batch{}, err
	}
	return s.deliver(ctx, batch)
}

// Split changes a series from the occurrence at rid onwards. The series whose
// master has the object id masterID ends before rid, and tail becomes a new
// series with its own UID that takes over every later change exception.
// Zero fields of tail are taken from the master.
func (s *Scheduler) Split(ctx context.Context, session *itip.Session, masterID string, rid *models.RecurrenceID, tail *models.Event) (outbound.Batch, error) {
	master, err := s.store.LoadEvent(ctx, masterID)
	if err != nil {
		return outbound.Batch{}, fmt.Errorf("failed to load series master %s: %w", masterID, err)
	}
	if !master.IsSeriesMaster() {
		return outbound.Batch{}, fmt.Errorf("%w: event %s is not a series master", itip.ErrNotSupported, masterID)
	}
	if rid == nil {
		return outbound.Batch{}, fmt.Errorf("%w: split without recurrence id", models.ErrInvalidResource)
	}
	if err := s.perms.RequireEventPermission(ctx, s.folder, master, session.UserID, storage.PermissionWrite); err != nil {
		return outbound.Batch{}, err
	}
	if err := s.perms.RequireFolderPermission(ctx, s.folder, session.UserID, storage.PermissionCreate); err != nil {
		return outbound.Batch{}, err
	}
	if err := s.requireOrganizer(master); err != nil {
		return outbound.Batch{}, err
	}

	headRule, err := recurrence.Truncate(master.RecurrenceRule, master.Start, rid.Value)
	if err != nil {
		return outbound.Batch{}, err
	}
	tailRule, err := recurrence.Tail(master.RecurrenceRule, master.Start, rid.Value)
	if err != nil {
		return outbound.Batch{}, err
	}
	if headRule == "" || tailRule == "" {
		return outbound.Batch{}, fmt.Errorf("%w: %q has no occurrences on both sides of %s", models.ErrInvalidResource, master.UID, rid)
	}
	exceptions, err := s.store.LoadExceptions(ctx, master.ID)
	if err != nil {
		return outbound.Batch{}, fmt.Errorf("failed to load exceptions of %s: %w", master.ID, err)
	}

	t := s.tailOf(master, rid, tail, tailRule)
	savedTail, err := s.store.CreateEvent(ctx, master.FolderID, t)
	if err != nil {
		return outbound.Batch{}, fmt.Errorf("failed to create series %q: %w", t.UID, err)
	}
	tailEvents := []*models.Event{savedTail}
	for _, ex := range exceptions {
		if ex.RecurrenceID.Before(rid.Value) {
			continue
		}
		if err := s.store.DeleteEvent(ctx, ex.ID); err != nil {
			return outbound.Batch{}, fmt.Errorf("failed to move exception %s: %w", ex.ID, err)
		}
		moved := ex.Clone()
		moved.ID, moved.UID, moved.SeriesID = "", savedTail.UID, savedTail.SeriesID
		moved.Organizer = savedTail.Organizer
		saved, err := s.store.CreateEvent(ctx, master.FolderID, moved)
		if err != nil {
			return outbound.Batch{}, fmt.Errorf("failed to move exception of %q: %w", master.UID, err)
		}
		tailEvents = append(tailEvents, saved)
	}

	head := master.Clone()
	head.RecurrenceRule = headRule
	head.DeleteExceptionDates = slices.DeleteFunc(head.DeleteExceptionDates, func(d time.Time) bool {
		return !d.Before(rid.Value)
	})
	head.Sequence++
	savedHead, err := s.store.UpdateEvent(ctx, head)
	if err != nil {
		return outbound.Batch{}, fmt.Errorf("failed to truncate series %s: %w", master.ID, err)
	}
	s.logger.Info("Split series", "uid", master.UID, "recurrenceId", rid.String(), "tail", savedTail.UID)

	tailResource, err := models.NewResource(tailEvents...)
	if err != nil {
		return outbound.Batch{}, err
	}
	batch, err := s.updates.Split(ctx, session, s.user, models.Diff(master, savedHead), tailResource)
	if err != nil {
		return outbound.Batch{}, err
	}
	return s.deliver(ctx, batch)
}

// tailOf builds the master of the series split off master at rid.
func (s *Scheduler) tailOf(master *models.Event, rid *models.RecurrenceID, tail *models.Event, rule string) *models.Event {
	t := master.Clone()
	t.Start, t.End, t.RecurrenceRule = time.Time{}, time.Time{}, ""
	if tail != nil {
		t = tail.Clone()
		if t.Summary == "" {
			t.Summary = master.Summary
		}
		if t.Location == "" {
			t.Location = master.Location
		}
		if t.Description == "" {
			t.Description = master.Description
		}
		if t.Attendees == nil {
			t.Attendees = master.Clone().Attendees
		}
	}
	if t.UID == "" || t.UID == master.UID {
		t.UID = uuid.NewString()
	}
	if t.Start.IsZero() {
		t.Start = rid.Value
		t.AllDay = master.AllDay
	}
	if t.End.IsZero() {
		t.End = t.Start.Add(master.End.Sub(master.Start))
	}
	if t.RecurrenceRule == "" {
		t.RecurrenceRule = rule
	}
	t.DeleteExceptionDates = nil
	for _, d := range master.DeleteExceptionDates {
		if !d.Before(rid.Value) {
			t.DeleteExceptionDates = append(t.DeleteExceptionDates, d)
		}
	}
	t.ID, t.SeriesID, t.RecurrenceID = "", "", nil
	t.Organizer = master.Organizer
	t.Sequence = 0
	return t
}

// Delete removes the event with uid, or a single occurrence of it when rid
// is set, and cancels it for the attendees. Only the organizer's deletions
// produce messages.
func (s *Scheduler) Delete(ctx context.Context, session *itip.Session, uid string, rid *models.RecurrenceID) (outbound.Batch, error) {
	stored, err := s.resolver.ResolveEvent(ctx, uid, rid, session.UserID)
	if err != nil {
		return outbound.Batch{}, err
	}
	if err := s.perms.RequireEventPermission(ctx, s.folder, stored, session.UserID, storage.PermissionDelete); err != nil {
		return outbound.Batch{}, err
	}

	var cancelled *models.Event
	switch {
	case rid == nil || !(stored.IsSeriesMaster() || stored.IsSeriesException()):
		if err := s.store.DeleteEvent(ctx, stored.ID); err != nil {
			return outbound.Batch{}, fmt.Errorf("failed to delete event %s: %w", stored.ID, err)
		}
		cancelled = stored
	case stored.IsSeriesException():
		if err := s.store.DeleteEvent(ctx, stored.ID); err != nil {
			return outbound.Batch{}, fmt.Errorf("failed to delete exception %s: %w", stored.ID, err)
		}
		master, err := s.resolver.SeriesMaster(ctx, stored)
		if err != nil {
			return outbound.Batch{}, err
		}
		if err := s.excludeOccurrence(ctx, master, stored.RecurrenceID.Value); err != nil {
			return outbound.Batch{}, err
		}
		cancelled = stored
	default:
		if err := s.excludeOccurrence(ctx, stored, rid.Value); err != nil {
			return outbound.Batch{}, err
		}
		cancelled = occurrence(stored, rid)
	}
	s.logger.Info("Deleted event", "uid", uid, "recurrenceId", rid.String())

	if s.requireOrganizer(stored) != nil {
		return outbound.Batch{}, nil
	}
	batch, err := s.cancels.Build(ctx, session, s.user, cancelled)
	if err != nil {
		return outbound.Batch{}, err
	}
	return s.deliver(ctx, batch)
}

// Reply sets the user's own participation status on the event with uid and
// answers the organizer. A recurrence id addresses an existing change
// exception.
func (s *Scheduler) Reply(ctx context.Context, session *itip.Session, uid string, rid *models.RecurrenceID, partStat models.PartStat, comment *string) (outbound.Batch, error) {
	stored, err := s.resolver.ResolveEvent(ctx, uid, rid, session.UserID)
	if err != nil {
		return outbound.Batch{}, err
	}
	if rid != nil && !stored.RecurrenceID.Matches(rid) {
		return outbound.Batch{}, fmt.Errorf("%w: no change exception of %q at %s", itip.ErrEventNotFound, uid, rid)
	}
	if err := s.perms.RequireEventPermission(ctx, s.folder, stored, session.UserID, storage.PermissionWrite); err != nil {
		return outbound.Batch{}, err
	}
	idx := stored.FindAttendee(s.user)
	if idx < 0 {
		return outbound.Batch{}, fmt.Errorf("%w: %s on %q", itip.ErrUnknownAttendee, s.user, uid)
	}

	updated := stored.Clone()
	a := &updated.Attendees[idx]
	a.PartStat = partStat
	if comment != nil {
		a.Comment = *comment
	}
	a.Timestamp = s.now()
	saved, err := s.store.UpdateEvent(ctx, updated)
	if err != nil {
		return outbound.Batch{}, fmt.Errorf("failed to update participation status on %s: %w", stored.ID, err)
	}
	s.logger.Info("Updated participation status", "uid", uid, "partstat", partStat)

	batch, err := s.replies.Build(ctx, session, s.user, models.Diff(stored, saved))
	if err != nil {
		return outbound.Batch{}, err
	}
	return s.deliver(ctx, batch)
}

// Replies answers the organizers of every event in result on which the
// user's own attendee changed.
func (s *Scheduler) Replies(ctx context.Context, session *itip.Session, result *inbound.Result) (outbound.Batch, error) {
	var batch outbound.Batch
	if result == nil {
		return batch, nil
	}
	for _, update := range result.Updated {
		own := slices.ContainsFunc(update.UpdatedAttendees, func(a models.AttendeeUpdate) bool {
			return models.SameUser(a.Updated.CalendarUser, s.user)
		})
		if !own {
			continue
		}
		b, err := s.replies.Build(ctx, session, s.user, update)
		if err != nil {
			return outbound.Batch{}, err
		}
		batch = batch.Append(b)
	}
	return s.deliver(ctx, batch)
}

func (s *Scheduler) deliver(ctx context.Context, batch outbound.Batch) (outbound.Batch, error) {
	if s.sink == nil || batch.Len() == 0 {
		return batch, nil
	}
	if err := s.sink.Deliver(ctx, batch); err != nil {
		return batch, fmt.Errorf("failed to deliver scheduling messages: %w", err)
	}
	s.logger.Debug("Delivered scheduling messages", "messages", len(batch.Messages), "notifications", len(batch.Notifications))
	return batch, nil
}

func (s *Scheduler) requireOrganizer(event *models.Event) error {
	if event.Organizer == nil || models.SameUser(*event.Organizer, s.user) {
		return nil
	}
	return fmt.Errorf("%w: %s organizes %q", itip.ErrNotOrganizer, event.Organizer, event.UID)
}

// excludeOccurrence adds t to the delete exceptions of master.
func (s *Scheduler) excludeOccurrence(ctx context.Context, master *models.Event, t time.Time) error {
	if master.HasDeleteException(t) {
		return nil
	}
	updated := master.Clone()
	updated.DeleteExceptionDates = append(updated.DeleteExceptionDates, t)
	slices.SortFunc(updated.DeleteExceptionDates, time.Time.Compare)
	updated.Sequence++
	if _, err := s.store.UpdateEvent(ctx, updated); err != nil {
		return fmt.Errorf("failed to exclude occurrence from %s: %w", master.ID, err)
	}
	return nil
}

// occurrence derives the event of a single occurrence of master.
func occurrence(master *models.Event, rid *models.RecurrenceID) *models.Event {
	e := master.Clone()
	e.ID = ""
	e.RecurrenceID = &models.RecurrenceID{Value: rid.Value, AllDay: rid.AllDay}
	e.RecurrenceRule, e.DeleteExceptionDates = "", nil
	e.End = rid.Value.Add(master.End.Sub(master.Start))
	e.Start = rid.Value
	e.Sequence++
	return e
}
