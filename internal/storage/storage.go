// Package storage defines the collaborators the scheduling engine uses to
// read and write calendar data and to check permissions.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"itipcal/internal/models"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied is returned by permission checks.
	ErrPermissionDenied = errors.New("permission denied")
)

// Storage reads and writes events of calendar folders.
type Storage interface {
	// ResolveUID returns the object id of the event with the given UID as
	// seen by userID. With a recurrence id, the matching change exception is
	// returned when it exists, otherwise the series master.
	ResolveUID(ctx context.Context, uid string, rid *models.RecurrenceID, userID int) (string, error)
	LoadEvent(ctx context.Context, objectID string) (*models.Event, error)
	// LoadExceptions returns the change exceptions of the series whose master
	// has the given object id.
	LoadExceptions(ctx context.Context, seriesID string) ([]*models.Event, error)

	// CreateEvent stores a new event in folderID. Events with a SeriesID are
	// added to that series.
	CreateEvent(ctx context.Context, folderID string, event *models.Event) (*models.Event, error)
	UpdateEvent(ctx context.Context, event *models.Event) (*models.Event, error)
	// DeleteEvent deletes an event; deleting a series master deletes all of
	// its change exceptions as well.
	DeleteEvent(ctx context.Context, objectID string) error

	// Attachment streams the content of a managed attachment.
	Attachment(ctx context.Context, managedID string) (io.ReadCloser, error)
}

// Permission is a folder or object level right.
type Permission int

const (
	PermissionRead Permission = 1 << iota
	PermissionCreate
	PermissionWrite
	PermissionDelete
)

func (p Permission) String() string {
	switch p {
	case PermissionRead:
		return "read"
	case PermissionCreate:
		return "create"
	case PermissionWrite:
		return "write"
	case PermissionDelete:
		return "delete"
	default:
		return fmt.Sprintf("permission(%d)", int(p))
	}
}

// Folder is a calendar folder events are stored in.
type Folder struct {
	ID      string
	OwnerID int
	Name    string
}

// PermissionChecker verifies access rights before a mutation is performed.
type PermissionChecker interface {
	RequireFolderPermission(ctx context.Context, folder Folder, userID int, perm Permission) error
	RequireEventPermission(ctx context.Context, folder Folder, event *models.Event, userID int, perm Permission) error
}

// OwnerOnly grants every permission on folders owned by the user and nothing
// elsewhere.
type OwnerOnly struct{}

func (OwnerOnly) RequireFolderPermission(_ context.Context, folder Folder, userID int, perm Permission) error {
	if folder.OwnerID != userID {
		return fmt.Errorf("%w: %s on folder %s for user %d", ErrPermissionDenied, perm, folder.ID, userID)
	}
	return nil
}

func (o OwnerOnly) RequireEventPermission(ctx context.Context, folder Folder, event *models.Event, userID int, perm Permission) error {
	if event.FolderID != folder.ID {
		return fmt.Errorf("%w: event %s is not in folder %s", ErrPermissionDenied, event.ID, folder.ID)
	}
	return o.RequireFolderPermission(ctx, folder, userID, perm)
}
