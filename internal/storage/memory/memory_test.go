package memory

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"itipcal/internal/models"
	"itipcal/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New(func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) })
	s.AddFolder(storage.Folder{ID: "cal", OwnerID: 1})
	return s
}

func TestSeriesLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	start := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

	master, err := s.CreateEvent(ctx, "cal", &models.Event{UID: "u1", RecurrenceRule: "FREQ=WEEKLY", Start: start})
	if err != nil {
		t.Fatalf("CreateEvent(master) error = %v", err)
	}
	if master.SeriesID != master.ID {
		t.Fatalf("SeriesID = %q, want %q", master.SeriesID, master.ID)
	}
	rid := models.NewRecurrenceID(start.AddDate(0, 0, 7))
	exception, err := s.CreateEvent(ctx, "cal", &models.Event{UID: "u1", SeriesID: master.ID, RecurrenceID: rid})
	if err != nil {
		t.Fatalf("CreateEvent(exception) error = %v", err)
	}

	if id, err := s.ResolveUID(ctx, "u1", rid, 1); err != nil || id != exception.ID {
		t.Errorf("ResolveUID(rid) = %q, %v; want exception", id, err)
	}
	other := models.NewRecurrenceID(start.AddDate(0, 0, 14))
	if id, err := s.ResolveUID(ctx, "u1", other, 1); err != nil || id != master.ID {
		t.Errorf("ResolveUID(other rid) = %q, %v; want master", id, err)
	}
	if _, err := s.ResolveUID(ctx, "u1", nil, 2); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ResolveUID(foreign user) error = %v, want ErrNotFound", err)
	}

	exceptions, err := s.LoadExceptions(ctx, master.ID)
	if err != nil || len(exceptions) != 1 {
		t.Fatalf("LoadExceptions() = %v, %v", exceptions, err)
	}

	if err := s.DeleteEvent(ctx, master.ID); err != nil {
		t.Fatalf("DeleteEvent() error = %v", err)
	}
	if got := s.Events(); len(got) != 0 {
		t.Errorf("Events() after series delete = %d, want 0", len(got))
	}
}

func TestCreateExceptionRequiresSeries(t *testing.T) {
	s := newStore(t)
	_, err := s.CreateEvent(context.Background(), "cal", &models.Event{UID: "u1", SeriesID: "missing"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestPermissions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	s.Grant("cal", 2, storage.PermissionRead)
	folder := storage.Folder{ID: "cal", OwnerID: 1}
	checker := s.Permissions()

	if err := checker.RequireFolderPermission(ctx, folder, 1, storage.PermissionDelete); err != nil {
		t.Errorf("owner delete: %v", err)
	}
	if err := checker.RequireFolderPermission(ctx, folder, 2, storage.PermissionRead); err != nil {
		t.Errorf("grantee read: %v", err)
	}
	if err := checker.RequireFolderPermission(ctx, folder, 2, storage.PermissionWrite); !errors.Is(err, storage.ErrPermissionDenied) {
		t.Errorf("grantee write error = %v, want ErrPermissionDenied", err)
	}
	if err := checker.RequireEventPermission(ctx, folder, &models.Event{ID: "x", FolderID: "other"}, 1, storage.PermissionRead); !errors.Is(err, storage.ErrPermissionDenied) {
		t.Errorf("foreign event error = %v, want ErrPermissionDenied", err)
	}
}

func TestAttachment(t *testing.T) {
	s := newStore(t)
	id := s.PutAttachment([]byte("agenda"))
	rc, err := s.Attachment(context.Background(), id)
	if err != nil {
		t.Fatalf("Attachment() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "agenda" {
		t.Errorf("content = %q", data)
	}
}
