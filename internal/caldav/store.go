package caldav

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"itipcal/internal/icalendar"
	"itipcal/internal/models"
	"itipcal/internal/storage"
)

var _ storage.Storage = (*Client)(nil)

func uidQuery(uid string) *caldav.CalendarQuery {
	return &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name: ical.CompEvent,
				Props: []caldav.PropFilter{{
					Name:      ical.PropUID,
					TextMatch: &caldav.TextMatch{Text: uid},
				}},
			}},
		},
	}
}

// isNotFound reports whether err is a 404 answer; the client does not export
// its HTTP error type.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "404")
}

func (c *Client) ResolveUID(ctx context.Context, uid string, rid *models.RecurrenceID, userID int) (string, error) {
	if userID != c.folder.OwnerID {
		return "", fmt.Errorf("event with uid %q: %w", uid, storage.ErrNotFound)
	}
	objects, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, uidQuery(uid))
	if err != nil {
		return "", fmt.Errorf("failed to query calendar for uid %q: %w", uid, err)
	}
	for _, obj := range objects {
		events, err := icalendar.Events(obj.Data)
		if err != nil {
			c.logger.Warn("Skipping unreadable calendar object", "path", obj.Path, "error", err)
			continue
		}
		if id, ok := pick(obj.Path, events, rid); ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("event with uid %q: %w", uid, storage.ErrNotFound)
}

func (c *Client) LoadEvent(ctx context.Context, objectID string) (*models.Event, error) {
	path, rid, err := splitObjectID(objectID)
	if err != nil {
		return nil, err
	}
	events, err := c.loadObject(ctx, path)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.RecurrenceID.Matches(rid) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("event %s: %w", objectID, storage.ErrNotFound)
}

func (c *Client) LoadExceptions(ctx context.Context, seriesID string) ([]*models.Event, error) {
	events, err := c.loadObject(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	var out []*models.Event
	for _, e := range events {
		if e.RecurrenceID != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (c *Client) CreateEvent(ctx context.Context, folderID string, event *models.Event) (*models.Event, error) {
	if folderID != c.folder.ID {
		return nil, fmt.Errorf("folder %s: %w", folderID, storage.ErrNotFound)
	}
	created := event.Clone()
	now := c.now()
	created.Created, created.LastModified = now, now

	if event.SeriesID == "" {
		path := c.newObjectPath()
		c.logger.Debug("Creating calendar object", "path", path, "uid", event.UID)
		return c.storeEvent(ctx, path, []*models.Event{created}, created.RecurrenceID)
	}

	events, err := c.loadObject(ctx, event.SeriesID)
	if err != nil {
		return nil, fmt.Errorf("series %s: %w", event.SeriesID, err)
	}
	for _, e := range events {
		if e.RecurrenceID.Matches(created.RecurrenceID) {
			return nil, fmt.Errorf("series %s already contains %s", event.SeriesID, created.RecurrenceID)
		}
	}
	return c.storeEvent(ctx, event.SeriesID, append(events, created), created.RecurrenceID)
}

func (c *Client) UpdateEvent(ctx context.Context, event *models.Event) (*models.Event, error) {
	path, rid, err := splitObjectID(event.ID)
	if err != nil {
		return nil, err
	}
	events, err := c.loadObject(ctx, path)
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(events, func(e *models.Event) bool { return e.RecurrenceID.Matches(rid) })
	if idx < 0 {
		return nil, fmt.Errorf("event %s: %w", event.ID, storage.ErrNotFound)
	}
	updated := event.Clone()
	updated.Created = events[idx].Created
	updated.LastModified = c.now()
	events[idx] = updated
	return c.storeEvent(ctx, path, events, rid)
}

func (c *Client) DeleteEvent(ctx context.Context, objectID string) error {
	path, rid, err := splitObjectID(objectID)
	if err != nil {
		return err
	}
	if rid == nil {
		c.logger.Debug("Removing calendar object", "path", path)
		if err := c.webdavClient.RemoveAll(ctx, path); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("event %s: %w", objectID, storage.ErrNotFound)
			}
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return nil
	}

	events, err := c.loadObject(ctx, path)
	if err != nil {
		return err
	}
	remaining := slices.DeleteFunc(events, func(e *models.Event) bool { return e.RecurrenceID.Matches(rid) })
	if len(remaining) == 0 {
		return c.webdavClient.RemoveAll(ctx, path)
	}
	_, err = c.storeEvent(ctx, path, remaining, nil)
	return err
}

// Attachment streams a managed attachment, whose id is its path on the
// server.
func (c *Client) Attachment(ctx context.Context, managedID string) (io.ReadCloser, error) {
	rc, err := c.webdavClient.Open(ctx, managedID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("attachment %s: %w", managedID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open attachment %s: %w", managedID, err)
	}
	return rc, nil
}

func (c *Client) loadObject(ctx context.Context, path string) ([]*models.Event, error) {
	obj, err := c.caldavClient.GetCalendarObject(ctx, path)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("calendar object %s: %w", path, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get calendar object %s: %w", path, err)
	}
	events, err := icalendar.Events(obj.Data)
	if err != nil {
		return nil, fmt.Errorf("calendar object %s: %w", path, err)
	}
	identify(path, c.folder.ID, events)
	return events, nil
}

// storeEvent writes events as the resource at path and returns the stored
// copy of the event addressed by rid.
func (c *Client) storeEvent(ctx context.Context, path string, events []*models.Event, rid *models.RecurrenceID) (*models.Event, error) {
	resource, err := models.NewResource(events...)
	if err != nil {
		return nil, err
	}
	cal := icalendar.NewCalendar("", resource, c.now())
	if _, err := c.caldavClient.PutCalendarObject(ctx, path, cal); err != nil {
		return nil, fmt.Errorf("failed to put calendar object %s: %w", path, err)
	}
	stored := make([]*models.Event, len(events))
	for i, e := range events {
		stored[i] = e.Clone()
	}
	identify(path, c.folder.ID, stored)
	for _, e := range stored {
		if e.RecurrenceID.Matches(rid) {
			return e, nil
		}
	}
	return stored[0], nil
}
