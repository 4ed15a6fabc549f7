package itip

import (
	"context"
	"errors"
	"fmt"

	"itipcal/internal/models"
	"itipcal/internal/storage"
)

// Resolver maps UIDs and recurrence ids onto stored events.
type Resolver struct {
	store storage.Storage
}

// NewResolver creates a Resolver reading from store.
func NewResolver(store storage.Storage) *Resolver {
	return &Resolver{store: store}
}

// ResolveEvent returns the stored event addressed by uid and rid as seen by
// userID. For an occurrence of a series without its own change exception the
// series master is returned. ErrEventNotFound signals a new event.
func (r *Resolver) ResolveEvent(ctx context.Context, uid string, rid *models.RecurrenceID, userID int) (*models.Event, error) {
	id, err := r.store.ResolveUID(ctx, uid, rid, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: uid %q", ErrEventNotFound, uid)
		}
		return nil, fmt.Errorf("failed to resolve uid %q: %w", uid, err)
	}
	event, err := r.store.LoadEvent(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: uid %q", ErrEventNotFound, uid)
		}
		return nil, fmt.Errorf("failed to load event %s: %w", id, err)
	}
	if rid == nil || event.RecurrenceID.Matches(rid) || !event.IsSeriesMaster() {
		return event, nil
	}
	// The storage returned the master; look for a matching exception in case
	// it only resolves masters.
	exceptions, err := r.store.LoadExceptions(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load exceptions of %s: %w", event.ID, err)
	}
	if exception := FindException(exceptions, rid); exception != nil {
		return exception, nil
	}
	return event, nil
}

// ResolveResource loads the stored calendar object resource for uid: the
// series master (or single event) followed by its change exceptions.
func (r *Resolver) ResolveResource(ctx context.Context, uid string, userID int) (*models.CalendarObjectResource, error) {
	event, err := r.ResolveEvent(ctx, uid, nil, userID)
	if err != nil {
		return nil, err
	}
	if !event.IsSeriesMaster() {
		return models.NewResource(event)
	}
	exceptions, err := r.store.LoadExceptions(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load exceptions of %s: %w", event.ID, err)
	}
	return models.NewResource(append([]*models.Event{event}, exceptions...)...)
}

// SeriesMaster loads the master of the series event belongs to. A master is
// returned unchanged.
func (r *Resolver) SeriesMaster(ctx context.Context, event *models.Event) (*models.Event, error) {
	if event.IsSeriesMaster() {
		return event, nil
	}
	if event.SeriesID == "" {
		return nil, fmt.Errorf("%w: event %s is not part of a series", ErrEventNotFound, event.ID)
	}
	master, err := r.store.LoadEvent(ctx, event.SeriesID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: series master %s", ErrEventNotFound, event.SeriesID)
		}
		return nil, fmt.Errorf("failed to load series master %s: %w", event.SeriesID, err)
	}
	return master, nil
}

// FindException returns the change exception matching rid, or nil.
func FindException(exceptions []*models.Event, rid *models.RecurrenceID) *models.Event {
	for _, e := range exceptions {
		if e.RecurrenceID.Matches(rid) {
			return e
		}
	}
	return nil
}
