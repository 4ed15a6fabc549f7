package inbound

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"itipcal/internal/itip"
	"itipcal/internal/models"
	"itipcal/internal/storage"
	"itipcal/internal/storage/memory"
)

var (
	start     = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	organizer = models.CalendarUser{URI: "mailto:org@example.com", CN: "Organizer"}
	me        = models.CalendarUser{EntityID: 2, Email: "me@example.com"}
	myAddress = models.CalendarUser{URI: "mailto:ME@example.com"}
	colleague = models.CalendarUser{URI: "mailto:colleague@example.com"}
)

type fixture struct {
	store *memory.Store
	pc    *Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New(func() time.Time { return start })
	folder := storage.Folder{ID: "cal", OwnerID: 2, Name: "Calendar"}
	store.AddFolder(folder)
	return &fixture{
		store: store,
		pc: &Context{
			Session:      itip.NewSession(1, 2),
			Store:        store,
			Permissions:  store.Permissions(),
			Folder:       folder,
			CalendarUser: me,
			Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
			Now:          func() time.Time { return start.Add(time.Minute) },
		},
	}
}

func (f *fixture) seed(t *testing.T, folderID string, e *models.Event) *models.Event {
	t.Helper()
	saved, err := f.store.CreateEvent(context.Background(), folderID, e)
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	return saved
}

func (f *fixture) load(t *testing.T, id string) *models.Event {
	t.Helper()
	e, err := f.store.LoadEvent(context.Background(), id)
	if err != nil {
		t.Fatalf("LoadEvent(%s) error = %v", id, err)
	}
	return e
}

func invitation(seq int, status models.PartStat) *models.Event {
	org := organizer
	return &models.Event{
		UID:       "meeting-1",
		Sequence:  seq,
		Summary:   "Review",
		Start:     start,
		End:       start.Add(time.Hour),
		Organizer: &org,
		Attendees: []models.Attendee{
			{CalendarUser: myAddress, PartStat: status},
			{CalendarUser: colleague, PartStat: models.PartStatNeedsAction},
		},
	}
}

func series(rule string) *models.Event {
	e := invitation(0, models.PartStatAccepted)
	e.UID = "series-1"
	e.RecurrenceRule = rule
	return e
}

func occurrence(master *models.Event, day int, seq int) *models.Event {
	e := master.Clone()
	e.ID, e.SeriesID, e.FolderID = "", "", ""
	e.RecurrenceRule = ""
	e.RecurrenceID = models.NewRecurrenceID(master.Start.AddDate(0, 0, day))
	e.Start = e.RecurrenceID.Value
	e.End = e.Start.Add(time.Hour)
	e.Sequence = seq
	return e
}

func resourceOf(t *testing.T, events ...*models.Event) *models.CalendarObjectResource {
	t.Helper()
	r, err := models.NewResource(events...)
	if err != nil {
		t.Fatalf("NewResource() error = %v", err)
	}
	return r
}

func message(t *testing.T, method itip.Method, events ...*models.Event) Message {
	t.Helper()
	return Message{Method: method, Originator: organizer, Resource: resourceOf(t, events...)}
}

func TestRequestCreatesInvitation(t *testing.T) {
	f := newFixture(t)
	result, err := Process(context.Background(), f.pc, message(t, itip.MethodRequest, invitation(0, models.PartStatNeedsAction)))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(result.Created) != 1 {
		t.Fatalf("Created = %d, want 1", len(result.Created))
	}
	if f.pc.Session.InITipTransaction() {
		t.Error("iTIP transaction flag still set after processing")
	}
}

func TestRequestSequenceDecidesAttendeeStatus(t *testing.T) {
	tests := []struct {
		name     string
		incoming int
		want     models.PartStat
	}{
		{"same sequence keeps reply", 3, models.PartStatAccepted},
		{"newer sequence resets reply", 4, models.PartStatNeedsAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			stored := f.seed(t, "cal", invitation(3, models.PartStatAccepted))

			result, err := Process(context.Background(), f.pc, message(t, itip.MethodRequest, invitation(tt.incoming, models.PartStatNeedsAction)))
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if len(result.Updated) != 1 {
				t.Fatalf("Updated = %d, want 1", len(result.Updated))
			}
			got, _ := f.load(t, stored.ID).Attendee(me)
			if got.PartStat != tt.want {
				t.Errorf("PartStat = %s, want %s", got.PartStat, tt.want)
			}
		})
	}
}

func TestRequestOutdatedSequenceIsWarning(t *testing.T) {
	f := newFixture(t)
	stored := f.seed(t, "cal", invitation(5, models.PartStatAccepted))

	incoming := invitation(4, models.PartStatNeedsAction)
	incoming.Summary = "Old title"
	result, err := Process(context.Background(), f.pc, message(t, itip.MethodRequest, incoming))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !result.IsEmpty() {
		t.Errorf("result = %+v, want no mutations", result)
	}
	warnings := f.pc.Session.Warnings()
	if len(warnings) != 1 || !errors.Is(warnings[0], itip.ErrOutdatedSequence) {
		t.Errorf("warnings = %v", warnings)
	}
	if got := f.load(t, stored.ID).Summary; got != "Review" {
		t.Errorf("Summary = %q, outdated update was applied", got)
	}
}

func TestRequestAddsUninvitedUser(t *testing.T) {
	f := newFixture(t)
	incoming := invitation(0, models.PartStatAccepted)
	incoming.Attendees = incoming.Attendees[1:]

	result, err := Process(context.Background(), f.pc, message(t, itip.MethodRequest, incoming))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	got, ok := f.load(t, result.Created[0].ID).Attendee(me)
	if !ok || got.PartStat != models.PartStatNeedsAction {
		t.Errorf("Attendee(me) = %+v, %v", got, ok)
	}
}

func TestRequestRejectsForeignOriginator(t *testing.T) {
	f := newFixture(t)
	msg := message(t, itip.MethodRequest, invitation(0, models.PartStatNeedsAction))
	msg.Originator = colleague
	_, err := Process(context.Background(), f.pc, msg)
	if !errors.Is(err, itip.ErrNotOrganizer) {
		t.Errorf("Process() error = %v, want ErrNotOrganizer", err)
	}
}

func TestRequestOrganizerMismatch(t *testing.T) {
	f := newFixture(t)
	stored := invitation(0, models.PartStatAccepted)
	other := models.CalendarUser{URI: "mailto:someone@example.com"}
	stored.Organizer = &other
	f.seed(t, "cal", stored)

	_, err := Process(context.Background(), f.pc, message(t, itip.MethodRequest, invitation(1, models.PartStatNeedsAction)))
	if !errors.Is(err, itip.ErrOrganizerMismatch) {
		t.Errorf("Process() error = %v, want ErrOrganizerMismatch", err)
	}
}

func TestRequestMasterReplacesExceptions(t *testing.T) {
	f := newFixture(t)
	master := f.seed(t, "cal", series("FREQ=DAILY"))
	exception := occurrence(master, 1, 0)
	exception.SeriesID = master.ID
	f.seed(t, "cal", exception)

	incoming := series("FREQ=DAILY")
	incoming.Sequence = 1
	result, err := Process(context.Background(), f.pc, message(t, itip.MethodRequest, incoming))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(result.Updated) != 1 || len(result.Deleted) != 1 {
		t.Fatalf("result = %d updated, %d deleted", len(result.Updated), len(result.Deleted))
	}
	if n := len(f.store.Events()); n != 1 {
		t.Errorf("stored events = %d, want 1", n)
	}
}

func TestRequestExceptionIsMerged(t *testing.T) {
	f := newFixture(t)
	master := f.seed(t, "cal", series("FREQ=DAILY"))

	result, err := Process(context.Background(), f.pc, message(t, itip.MethodRequest, occurrence(master, 2, 0)))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(result.Created) != 1 || result.Created[0].SeriesID != master.ID {
		t.Fatalf("Created = %+v", result.Created)
	}
	if n := len(f.store.Events()); n != 2 {
		t.Errorf("stored events = %d, want 2", n)
	}
}

func TestRequestKeepsNewerExceptionOnOutdatedCopy(t *testing.T) {
	f := newFixture(t)
	stored := series("FREQ=DAILY")
	stored.Sequence = 1
	master := f.seed(t, "cal", stored)
	exception := occurrence(master, 1, 3)
	exception.SeriesID = master.ID
	exception = f.seed(t, "cal", exception)

	incoming := series("FREQ=DAILY")
	incoming.Sequence = 2
	result, err := Process(context.Background(), f.pc, message(t, itip.MethodRequest, incoming, occurrence(incoming, 1, 2)))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(result.Deleted) != 0 {
		t.Errorf("Deleted = %d, want 0", len(result.Deleted))
	}
	if w := f.pc.Session.Warnings(); len(w) != 1 || !errors.Is(w[0], itip.ErrOutdatedSequence) {
		t.Errorf("warnings = %v", w)
	}
	if got := f.load(t, exception.ID); got.Sequence != 3 {
		t.Errorf("exception sequence = %d, want 3", got.Sequence)
	}
	if got := f.load(t, master.ID); got.Sequence != 2 {
		t.Errorf("master sequence = %d, want 2", got.Sequence)
	}
}

func TestRequestUpdatesMatchingLooseException(t *testing.T) {
	f := newFixture(t)
	base := series("FREQ=DAILY")
	f.seed(t, "cal", occurrence(base, 1, 0))
	second := f.seed(t, "cal", occurrence(base, 2, 0))

	update := occurrence(base, 2, 1)
	update.Summary = "Moved review"
	result, err := Process(context.Background(), f.pc, message(t, itip.MethodRequest, update))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(result.Created) != 0 || len(result.Updated) != 1 {
		t.Fatalf("result = %d created, %d updated", len(result.Created), len(result.Updated))
	}
	if n := len(f.store.Events()); n != 2 {
		t.Errorf("stored events = %d, want 2", n)
	}
	if got := f.load(t, second.ID); got.Sequence != 1 || got.Summary != "Moved review" {
		t.Errorf("second exception = seq %d %q", got.Sequence, got.Summary)
	}
}

func TestCancelBatchRecordsWarnings(t *testing.T) {
	f := newFixture(t)
	stored := series("FREQ=DAILY")
	stored.Sequence = 2
	master := f.seed(t, "cal", stored)

	stale := occurrence(master, 3, 1)
	notMine := occurrence(master, 4, 2)
	notMine.Attendees = notMine.Attendees[1:]
	msg := message(t, itip.MethodCancel,
		occurrence(master, 1, 2),
		occurrence(master, 2, 2),
		stale,
		notMine,
	)

	result, err := Process(context.Background(), f.pc, msg)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(result.Updated) != 2 {
		t.Errorf("Updated = %d, want 2", len(result.Updated))
	}
	if got := f.load(t, master.ID).DeleteExceptionDates; len(got) != 2 {
		t.Errorf("DeleteExceptionDates = %v, want 2 dates", got)
	}
	warnings := f.pc.Session.Warnings()
	if len(warnings) != 2 {
		t.Fatalf("warnings = %v, want 2", warnings)
	}
	if !errors.Is(warnings[0], itip.ErrOutdatedSequence) || !errors.Is(warnings[1], itip.ErrWrongCancellation) {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestCancelSeries(t *testing.T) {
	f := newFixture(t)
	master := f.seed(t, "cal", series("FREQ=DAILY"))
	exception := occurrence(master, 1, 0)
	exception.SeriesID = master.ID
	f.seed(t, "cal", exception)

	result, err := Process(context.Background(), f.pc, message(t, itip.MethodCancel, series("FREQ=DAILY")))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(result.Deleted) != 2 || len(f.store.Events()) != 0 {
		t.Errorf("Deleted = %d, remaining = %d", len(result.Deleted), len(f.store.Events()))
	}
}

func TestCancelException(t *testing.T) {
	f := newFixture(t)
	master := f.seed(t, "cal", series("FREQ=DAILY"))
	exception := occurrence(master, 1, 0)
	exception.SeriesID = master.ID
	f.seed(t, "cal", exception)

	result, err := Process(context.Background(), f.pc, message(t, itip.MethodCancel, occurrence(master, 1, 0)))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(result.Deleted) != 1 || len(result.Updated) != 1 {
		t.Fatalf("result = %d deleted, %d updated", len(result.Deleted), len(result.Updated))
	}
	if !f.load(t, master.ID).HasDeleteException(start.AddDate(0, 0, 1)) {
		t.Error("occurrence of the deleted exception is not excluded from the series")
	}
}

func TestCancelThisAndFuture(t *testing.T) {
	tests := []struct {
		rule string
		want string
	}{
		{"FREQ=DAILY", "UNTIL=20250306T085959Z"},
		{"FREQ=DAILY;COUNT=10", "COUNT=3"},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			f := newFixture(t)
			master := f.seed(t, "cal", series(tt.rule))
			for _, day := range []int{1, 5} {
				ex := occurrence(master, day, 0)
				ex.SeriesID = master.ID
				f.seed(t, "cal", ex)
			}

			cancelled := occurrence(master, 3, 0)
			cancelled.RecurrenceID.Range = models.RangeThisAndFuture
			result, err := Process(context.Background(), f.pc, message(t, itip.MethodCancel, cancelled))
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if len(result.Deleted) != 1 {
				t.Errorf("Deleted = %d, want the exception after the cut", len(result.Deleted))
			}
			if got := f.load(t, master.ID).RecurrenceRule; !strings.Contains(got, tt.want) {
				t.Errorf("RecurrenceRule = %q, want %s", got, tt.want)
			}
			if n := len(f.store.Events()); n != 2 {
				t.Errorf("stored events = %d, want 2", n)
			}
		})
	}
}

func TestCancelRequiresTargetFolder(t *testing.T) {
	f := newFixture(t)
	f.store.AddFolder(storage.Folder{ID: "other", OwnerID: 2})
	f.seed(t, "other", invitation(0, models.PartStatAccepted))

	_, err := Process(context.Background(), f.pc, message(t, itip.MethodCancel, invitation(0, models.PartStatAccepted)))
	if !errors.Is(err, itip.ErrNotInFolder) {
		t.Errorf("Process() error = %v, want ErrNotInFolder", err)
	}
}

func TestAddTwiceWarnsOnce(t *testing.T) {
	f := newFixture(t)
	master := f.seed(t, "cal", series("FREQ=WEEKLY"))
	msg := message(t, itip.MethodAdd, occurrence(master, 2, 0))

	first, err := Process(context.Background(), f.pc, msg)
	if err != nil || len(first.Created) != 1 {
		t.Fatalf("first Process() = %+v, %v", first, err)
	}
	second, err := Process(context.Background(), f.pc, msg)
	if err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	if !second.IsEmpty() {
		t.Errorf("second result = %+v, want no mutations", second)
	}
	warnings := f.pc.Session.Warnings()
	if len(warnings) != 1 || !errors.Is(warnings[0], itip.ErrDuplicateException) {
		t.Errorf("warnings = %v", warnings)
	}
	if n := len(f.store.Events()); n != 2 {
		t.Errorf("stored events = %d, want 2", n)
	}
}

func TestAddToSingleEventIsNotSupported(t *testing.T) {
	f := newFixture(t)
	single := f.seed(t, "cal", invitation(0, models.PartStatAccepted))
	_, err := Process(context.Background(), f.pc, message(t, itip.MethodAdd, occurrence(single, 1, 0)))
	if !errors.Is(err, itip.ErrNotSupported) {
		t.Errorf("Process() error = %v, want ErrNotSupported", err)
	}
}

func TestReplyUpdatesOrganizerCopy(t *testing.T) {
	f := newFixture(t)
	mine := invitation(1, models.PartStatAccepted)
	owner := me
	mine.Organizer = &owner
	stored := f.seed(t, "cal", mine)

	reply := mine.Clone()
	reply.Attendees = []models.Attendee{{CalendarUser: colleague, PartStat: models.PartStatTentative, Comment: "maybe"}}
	stranger := models.CalendarUser{URI: "mailto:stranger@example.com"}
	msg := Message{Method: itip.MethodReply, Originator: colleague, Resource: resourceOf(t, reply)}

	if _, err := Process(context.Background(), f.pc, msg); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	got, _ := f.load(t, stored.ID).Attendee(colleague)
	if got.PartStat != models.PartStatTentative || got.Comment != "maybe" {
		t.Errorf("attendee = %+v", got)
	}

	msg.Originator = stranger
	result, err := Process(context.Background(), f.pc, msg)
	if err != nil {
		t.Fatalf("Process(stranger) error = %v", err)
	}
	warnings := f.pc.Session.Warnings()
	if !result.IsEmpty() || len(warnings) != 1 || itip.Code(warnings[0]) != "UNKNOWN_ATTENDEE" {
		t.Errorf("stranger reply: result %+v, warnings %v", result, warnings)
	}
}

func TestUnsupportedMethod(t *testing.T) {
	f := newFixture(t)
	_, err := Process(context.Background(), f.pc, message(t, itip.MethodCounter, invitation(0, models.PartStatAccepted)))
	if !errors.Is(err, itip.ErrUnsupportedMethod) {
		t.Errorf("Process() error = %v, want ErrUnsupportedMethod", err)
	}
}

func TestAttendeeUpdateNoOps(t *testing.T) {
	created := &models.Event{ID: "x"}
	tests := []struct {
		name   string
		method itip.Method
		status models.PartStat
		prior  *Result
	}{
		{"cancel", itip.MethodCancel, models.PartStatAccepted, &Result{Created: []*models.Event{created}}},
		{"needs action", itip.MethodRequest, models.PartStatNeedsAction, &Result{Created: []*models.Event{created}}},
		{"empty prior", itip.MethodRequest, models.PartStatAccepted, &Result{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			result, err := UpdateAttendeeStatus(context.Background(), f.pc, tt.method, tt.status, nil, tt.prior)
			if err != nil {
				t.Fatalf("UpdateAttendeeStatus() error = %v", err)
			}
			if !result.IsEmpty() {
				t.Errorf("result = %+v, want no-op", result)
			}
		})
	}
}

func TestAttendeeUpdateAnswersInvitation(t *testing.T) {
	f := newFixture(t)
	prior, err := Process(context.Background(), f.pc, message(t, itip.MethodRequest, invitation(0, models.PartStatNeedsAction)))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	comment := "see you"
	result, err := UpdateAttendeeStatus(context.Background(), f.pc, itip.MethodRequest, models.PartStatAccepted, &comment, prior)
	if err != nil {
		t.Fatalf("UpdateAttendeeStatus() error = %v", err)
	}
	if len(result.Updated) != 1 {
		t.Fatalf("Updated = %d, want 1", len(result.Updated))
	}
	got, _ := f.load(t, prior.Created[0].ID).Attendee(me)
	if got.PartStat != models.PartStatAccepted || got.Comment != comment || !got.Timestamp.Equal(start.Add(time.Minute)) {
		t.Errorf("attendee = %+v", got)
	}
}
