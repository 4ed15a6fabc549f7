// Package memory provides an in-memory implementation of the storage
// collaborators, used for dry runs and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"itipcal/internal/models"
	"itipcal/internal/storage"
)

// Store keeps events, folders and folder grants in memory.
type Store struct {
	mu          sync.Mutex
	events      map[string]*models.Event
	folders     map[string]storage.Folder
	grants      map[string]map[int]storage.Permission
	attachments map[string][]byte
	now         func() time.Time
}

// New creates an empty store. A nil clock defaults to time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		events:      make(map[string]*models.Event),
		folders:     make(map[string]storage.Folder),
		grants:      make(map[string]map[int]storage.Permission),
		attachments: make(map[string][]byte),
		now:         now,
	}
}

// AddFolder registers a folder. The owner implicitly holds every permission.
func (s *Store) AddFolder(folder storage.Folder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders[folder.ID] = folder
	if s.grants[folder.ID] == nil {
		s.grants[folder.ID] = make(map[int]storage.Permission)
	}
}

// Grant gives userID the permissions perm on folderID.
func (s *Store) Grant(folderID string, userID int, perm storage.Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grants[folderID] == nil {
		s.grants[folderID] = make(map[int]storage.Permission)
	}
	s.grants[folderID][userID] |= perm
}

// PutAttachment stores attachment content and returns its managed id.
func (s *Store) PutAttachment(data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.attachments[id] = append([]byte(nil), data...)
	return id
}

// Events returns copies of all stored events ordered by UID, masters first.
func (s *Store) Events() []*models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UID != out[j].UID {
			return out[i].UID < out[j].UID
		}
		ri, rj := out[i].RecurrenceID, out[j].RecurrenceID
		if ri == nil || rj == nil {
			return ri == nil && rj != nil
		}
		return ri.Value.Before(rj.Value)
	})
	return out
}

func (s *Store) permissions(folderID string, userID int) storage.Permission {
	if f, ok := s.folders[folderID]; ok && f.OwnerID == userID {
		return storage.PermissionRead | storage.PermissionCreate | storage.PermissionWrite | storage.PermissionDelete
	}
	return s.grants[folderID][userID]
}

func (s *Store) ResolveUID(_ context.Context, uid string, rid *models.RecurrenceID, userID int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var master, exact, loose *models.Event
	for _, e := range s.events {
		if e.UID != uid || s.permissions(e.FolderID, userID)&storage.PermissionRead == 0 {
			continue
		}
		switch {
		case e.RecurrenceID == nil:
			master = e
		case rid != nil && e.RecurrenceID.Matches(rid):
			exact = e
		case loose == nil:
			loose = e
		}
	}
	switch {
	case exact != nil:
		return exact.ID, nil
	case master != nil:
		return master.ID, nil
	case rid == nil && loose != nil:
		return loose.ID, nil
	}
	return "", fmt.Errorf("event with uid %q: %w", uid, storage.ErrNotFound)
}

func (s *Store) LoadEvent(_ context.Context, objectID string) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[objectID]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", objectID, storage.ErrNotFound)
	}
	return e.Clone(), nil
}

func (s *Store) LoadExceptions(_ context.Context, seriesID string) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Event
	for _, e := range s.events {
		if e.SeriesID == seriesID && e.ID != seriesID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RecurrenceID.Value.Before(out[j].RecurrenceID.Value)
	})
	return out, nil
}

func (s *Store) CreateEvent(_ context.Context, folderID string, event *models.Event) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[folderID]; !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, storage.ErrNotFound)
	}
	if event.SeriesID != "" {
		if _, ok := s.events[event.SeriesID]; !ok {
			return nil, fmt.Errorf("series %s: %w", event.SeriesID, storage.ErrNotFound)
		}
	}
	e := event.Clone()
	e.ID = uuid.NewString()
	e.FolderID = folderID
	if e.SeriesID == "" && e.IsSeriesMaster() {
		e.SeriesID = e.ID
	}
	now := s.now()
	e.Created, e.LastModified = now, now
	s.events[e.ID] = e
	return e.Clone(), nil
}

func (s *Store) UpdateEvent(_ context.Context, event *models.Event) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.events[event.ID]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", event.ID, storage.ErrNotFound)
	}
	e := event.Clone()
	e.FolderID = stored.FolderID
	e.Created = stored.Created
	e.LastModified = s.now()
	s.events[e.ID] = e
	return e.Clone(), nil
}

func (s *Store) DeleteEvent(_ context.Context, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[objectID]
	if !ok {
		return fmt.Errorf("event %s: %w", objectID, storage.ErrNotFound)
	}
	delete(s.events, objectID)
	if e.SeriesID == objectID {
		for id, other := range s.events {
			if other.SeriesID == objectID {
				delete(s.events, id)
			}
		}
	}
	return nil
}

func (s *Store) Attachment(_ context.Context, managedID string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.attachments[managedID]
	if !ok {
		return nil, fmt.Errorf("attachment %s: %w", managedID, storage.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Permissions returns a checker backed by the folder grants of the store.
func (s *Store) Permissions() storage.PermissionChecker {
	return permissionChecker{s}
}

type permissionChecker struct {
	s *Store
}

func (p permissionChecker) RequireFolderPermission(_ context.Context, folder storage.Folder, userID int, perm storage.Permission) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if p.s.permissions(folder.ID, userID)&perm == 0 {
		return fmt.Errorf("%w: %s on folder %s for user %d", storage.ErrPermissionDenied, perm, folder.ID, userID)
	}
	return nil
}

func (p permissionChecker) RequireEventPermission(ctx context.Context, folder storage.Folder, event *models.Event, userID int, perm storage.Permission) error {
	if event.FolderID != folder.ID {
		return fmt.Errorf("%w: event %s is not in folder %s", storage.ErrPermissionDenied, event.ID, folder.ID)
	}
	return p.RequireFolderPermission(ctx, folder, userID, perm)
}
