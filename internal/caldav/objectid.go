package caldav

import (
	"fmt"
	"strings"
	"time"

	"itipcal/internal/models"
)

// Object ids are the path of the calendar object resource, followed by the
// recurrence id for change exceptions: "/cal/x.ics#20250303T090000Z".
const ridSeparator = "#"

func objectID(path string, rid *models.RecurrenceID) string {
	if rid == nil {
		return path
	}
	return path + ridSeparator + rid.String()
}

func splitObjectID(id string) (string, *models.RecurrenceID, error) {
	path, raw, found := strings.Cut(id, ridSeparator)
	if path == "" {
		return "", nil, fmt.Errorf("invalid object id %q", id)
	}
	if !found {
		return path, nil, nil
	}
	if t, err := time.Parse("20060102T150405Z", raw); err == nil {
		return path, models.NewRecurrenceID(t), nil
	}
	t, err := time.Parse("20060102", raw)
	if err != nil {
		return "", nil, fmt.Errorf("invalid recurrence id in object id %q", id)
	}
	return path, &models.RecurrenceID{Value: t, AllDay: true}, nil
}

// pick returns the id of the event addressed by rid, using the same rules as
// storage.Storage.ResolveUID.
func pick(path string, events []*models.Event, rid *models.RecurrenceID) (string, bool) {
	var master, loose *models.Event
	for _, e := range events {
		switch {
		case e.RecurrenceID == nil:
			master = e
		case rid != nil && e.RecurrenceID.Matches(rid):
			return objectID(path, e.RecurrenceID), true
		case loose == nil:
			loose = e
		}
	}
	switch {
	case master != nil:
		return path, true
	case rid == nil && loose != nil:
		return objectID(path, loose.RecurrenceID), true
	}
	return "", false
}

// identify assigns object, folder and series ids to the events of the
// resource stored at path.
func identify(path, folderID string, events []*models.Event) {
	seriesID := ""
	for _, e := range events {
		if e.RecurrenceID == nil && e.RecurrenceRule != "" {
			seriesID = path
		}
	}
	for _, e := range events {
		e.ID = objectID(path, e.RecurrenceID)
		e.FolderID = folderID
		e.SeriesID = seriesID
	}
}
