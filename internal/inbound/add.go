package inbound

import (
	"context"
	"fmt"

	"itipcal/internal/itip"
	"itipcal/internal/storage"
)

// AddProcessor applies ADD messages, which append new occurrences to an
// existing series.
type AddProcessor struct{}

func (AddProcessor) Process(ctx context.Context, pc *Context, msg Message) (*Result, error) {
	uid := msg.Resource.UID()
	master, err := pc.resolver().ResolveEvent(ctx, uid, nil, pc.targetUserID())
	if err != nil {
		return nil, err
	}
	if !master.IsSeriesMaster() {
		return nil, fmt.Errorf("%w: adding occurrences to the non-recurring event %q", itip.ErrNotSupported, uid)
	}
	if msg.Resource.SeriesMaster() != nil {
		pc.Logger.Debug("Ignoring series master in ADD", "uid", uid)
	}
	exceptions, err := pc.Store.LoadExceptions(ctx, master.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load exceptions of %s: %w", master.ID, err)
	}

	result := &Result{}
	for _, added := range msg.Resource.ChangeExceptions() {
		if itip.FindException(exceptions, added.RecurrenceID) != nil {
			pc.warn("Ignoring occurrence that already exists", fmt.Errorf("%w: uid %q recurrence id %s",
				itip.ErrDuplicateException, uid, added.RecurrenceID), "uid", uid)
			continue
		}
		if err := itip.RequireOrganizer(master, msg.Originator); err != nil {
			return nil, err
		}
		if master.FolderID != pc.Folder.ID {
			return nil, fmt.Errorf("%w: event %s is in folder %s", itip.ErrNotInFolder, master.ID, master.FolderID)
		}
		if err := pc.Permissions.RequireFolderPermission(ctx, pc.Folder, pc.Session.UserID, storage.PermissionRead); err != nil {
			return nil, err
		}
		if err := pc.Permissions.RequireEventPermission(ctx, pc.Folder, master, pc.Session.UserID, storage.PermissionWrite); err != nil {
			return nil, err
		}

		exception := added.Clone()
		exception.ID = ""
		exception.SeriesID = master.ID
		saved, err := pc.Store.CreateEvent(ctx, pc.Folder.ID, exception)
		if err != nil {
			return nil, fmt.Errorf("failed to add occurrence %s to %s: %w", added.RecurrenceID, master.ID, err)
		}
		result.Created = append(result.Created, saved)
		exceptions = append(exceptions, saved)
	}
	return result, nil
}
