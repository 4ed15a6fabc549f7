package outbound

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"itipcal/internal/itip"
	"itipcal/internal/message"
	"itipcal/internal/models"
)

var (
	organizer = models.CalendarUser{EntityID: 1, URI: "mailto:org@example.com", CN: "Organizer"}
	userA     = models.CalendarUser{URI: "mailto:a@example.com"}
	userB     = models.CalendarUser{URI: "mailto:b@example.com"}
	userC     = models.CalendarUser{URI: "mailto:c@example.com"}
	colleague = models.CalendarUser{EntityID: 2, URI: "mailto:colleague@example.com"}
)

type recordingDescriber struct {
	message.NopDescriber
	calls []string
	err   error
}

func (d *recordingDescriber) DescribeCreate(context.Context, message.DescribeRequest, *models.Event) (message.Description, error) {
	d.calls = append(d.calls, "create")
	return message.Description{Subject: "create"}, d.err
}

func (d *recordingDescriber) DescribeUpdate(context.Context, message.DescribeRequest, models.EventUpdate) (message.Description, error) {
	d.calls = append(d.calls, "update")
	return message.Description{Subject: "update"}, d.err
}

func (d *recordingDescriber) DescribeNewException(context.Context, message.DescribeRequest, models.EventUpdate) (message.Description, error) {
	d.calls = append(d.calls, "exception")
	return message.Description{Subject: "exception"}, d.err
}

func (d *recordingDescriber) DescribeSplit(context.Context, message.DescribeRequest, models.EventUpdate) (message.Description, error) {
	d.calls = append(d.calls, "split")
	return message.Description{Subject: "split"}, d.err
}

func (d *recordingDescriber) DescribeCancel(context.Context, message.DescribeRequest, *models.Event) (message.Description, error) {
	d.calls = append(d.calls, "cancel")
	return message.Description{Subject: "cancel"}, d.err
}

func (d *recordingDescriber) DescribeReply(context.Context, message.DescribeRequest, models.EventUpdate) (message.Description, error) {
	d.calls = append(d.calls, "reply")
	return message.Description{Subject: "reply"}, d.err
}

func testDeps(d message.Describer) Deps {
	return Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Describer: d}
}

func attendees(users ...models.CalendarUser) []models.Attendee {
	out := make([]models.Attendee, len(users))
	for i, u := range users {
		out[i] = models.Attendee{CalendarUser: u, PartStat: models.PartStatNeedsAction}
	}
	return out
}

func series(t *testing.T) (*models.Event, *models.Event) {
	t.Helper()
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	org := organizer
	master := &models.Event{
		ID: "m", SeriesID: "m", UID: "series-1", Summary: "Standup",
		Start: start, End: start.Add(15 * time.Minute), RecurrenceRule: "FREQ=DAILY",
		Organizer: &org, Attendees: attendees(userA, userB),
		Attachments: []models.Attachment{{ManagedID: "att-1", Filename: "agenda.pdf"}},
	}
	exception := master.Clone()
	exception.ID = "x"
	exception.RecurrenceID = models.NewRecurrenceID(start.AddDate(0, 0, 1))
	exception.Attendees = attendees(userA, userB, userC)
	return master, exception
}

func recipients(batch Batch) []string {
	var out []string
	for _, m := range batch.Messages {
		out = append(out, m.Recipient().Address())
	}
	return out
}

func TestCreateNotifiesExceptionOnlyAttendeesOnce(t *testing.T) {
	master, exception := series(t)
	b := NewCreateBuilder(testDeps(nil))

	batch, err := b.Build(context.Background(), itip.NewSession(1, 1), organizer, []*models.Event{master, exception})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	got := recipients(batch)
	want := []string{"mailto:a@example.com", "mailto:b@example.com", "mailto:c@example.com"}
	if len(got) != len(want) {
		t.Fatalf("recipients = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("recipient %d = %s, want %s", i, got[i], want[i])
		}
	}
	if n := len(batch.Messages[0].Resource().Events()); n != 2 {
		t.Errorf("master invitation carries %d events, want 2", n)
	}
	if n := len(batch.Messages[2].Resource().Events()); n != 1 {
		t.Errorf("exception invitation carries %d events, want 1", n)
	}
	for _, m := range batch.Messages {
		if m.Method() != itip.MethodRequest {
			t.Errorf("method = %s, want REQUEST", m.Method())
		}
		if v, ok := message.Additional[bool](m, message.AdditionalNotificationsEnabled); !ok || !v {
			t.Errorf("notifications flag = %v, %v", v, ok)
		}
	}
}

func TestCreateSendsNotificationsToInternalAttendees(t *testing.T) {
	master, _ := series(t)
	master.Attendees = append(attendees(organizer, colleague), attendees(userA)...)

	batch, err := NewCreateBuilder(testDeps(nil)).Build(context.Background(), itip.NewSession(1, 1), organizer, []*models.Event{master})
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Messages) != 1 || batch.Messages[0].Recipient().Address() != userA.Address() {
		t.Errorf("messages = %v", recipients(batch))
	}
	if len(batch.Notifications) != 1 || batch.Notifications[0].Action() != message.ActionCreate {
		t.Fatalf("notifications = %v", batch.Notifications)
	}
	if !models.SameUser(batch.Notifications[0].Recipient(), colleague) {
		t.Errorf("notification recipient = %s", batch.Notifications[0].Recipient())
	}
}

func TestBuildersSuppressedInITipTransaction(t *testing.T) {
	ctx := context.Background()
	session := itip.NewSession(1, 1)
	leave := session.EnterITipTransaction()
	defer leave()

	master, exception := series(t)
	updated := master.Clone()
	updated.Summary = "Renamed"
	updated.Attendees = attendees(userA, userC)
	update := models.Diff(master, updated)
	deps := testDeps(nil)

	checks := map[string]func() (Batch, error){
		"create": func() (Batch, error) {
			return NewCreateBuilder(deps).Build(ctx, session, organizer, []*models.Event{master, exception})
		},
		"update": func() (Batch, error) {
			return NewUpdateBuilder(deps).RequestUpdate(ctx, session, organizer, nil, update)
		},
		"split": func() (Batch, error) {
			return NewUpdateBuilder(deps).Split(ctx, session, organizer, update, resourceOf(t, exception))
		},
		"cancel": func() (Batch, error) {
			return NewCancelBuilder(deps).Build(ctx, session, organizer, master)
		},
		"reply": func() (Batch, error) {
			return NewReplyBuilder(deps).Build(ctx, session, userA, update)
		},
	}
	for name, build := range checks {
		batch, err := build()
		if err != nil {
			t.Errorf("%s: error = %v", name, err)
		}
		if batch.Len() != 0 {
			t.Errorf("%s: produced %d entries while in iTIP transaction", name, batch.Len())
		}
	}
}

func TestUpdateSplitsAddedAndRemovedAttendees(t *testing.T) {
	master, _ := series(t)
	updated := master.Clone()
	updated.Location = "Room 2"
	updated.Attendees = attendees(userA, userC)
	d := &recordingDescriber{}

	batch, err := NewUpdateBuilder(testDeps(d)).RequestUpdate(context.Background(), itip.NewSession(1, 1), organizer, nil, models.Diff(master, updated))
	if err != nil {
		t.Fatalf("RequestUpdate() error = %v", err)
	}
	byRecipient := map[string]*message.SchedulingMessage{}
	for _, m := range batch.Messages {
		byRecipient[m.Recipient().Address()] = m
	}
	if len(byRecipient) != 3 {
		t.Fatalf("recipients = %v", recipients(batch))
	}
	if m := byRecipient[userC.Address()]; m.Method() != itip.MethodRequest || m.Description().Subject != "create" {
		t.Errorf("added attendee got %s/%q", m.Method(), m.Description().Subject)
	} else if added, _ := message.Additional[bool](m, message.AdditionalAddedAttendee); !added {
		t.Error("added attendee message not marked")
	}
	if m := byRecipient[userB.Address()]; m.Method() != itip.MethodCancel || m.Description().Subject != "cancel" {
		t.Errorf("removed attendee got %s/%q", m.Method(), m.Description().Subject)
	} else if len(m.Resource().FirstEvent().Attachments) != 0 {
		t.Error("cancel carries attachments")
	}
	if m := byRecipient[userA.Address()]; m.Method() != itip.MethodRequest || m.Description().Subject != "update" {
		t.Errorf("remaining attendee got %s/%q", m.Method(), m.Description().Subject)
	}
}

func TestNewExceptionUsesExceptionDescription(t *testing.T) {
	master, exception := series(t)
	d := &recordingDescriber{}
	exception.Attendees = attendees(userA, userB)

	batch, err := NewUpdateBuilder(testDeps(d)).NewException(context.Background(), itip.NewSession(1, 1), organizer, exception, models.Diff(master, exception))
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Messages) != 2 {
		t.Fatalf("messages = %v", recipients(batch))
	}
	for _, m := range batch.Messages {
		if m.Description().Subject != "exception" {
			t.Errorf("description = %q", m.Description().Subject)
		}
		if m.Resource().SeriesMaster() != nil {
			t.Error("new exception message should not carry the master")
		}
	}
}

func TestSplitInvitesTailOnlyAttendeesIndividually(t *testing.T) {
	master, _ := series(t)
	truncated := master.Clone()
	truncated.RecurrenceRule = "FREQ=DAILY;UNTIL=20250610T000000Z"
	tail := master.Clone()
	tail.ID, tail.SeriesID, tail.UID = "t", "t", "series-2"
	tail.Start = master.Start.AddDate(0, 0, 10)
	tail.Attendees = attendees(userA, userC)
	d := &recordingDescriber{}

	batch, err := NewUpdateBuilder(testDeps(d)).Split(context.Background(), itip.NewSession(1, 1), organizer, models.Diff(master, truncated), resourceOf(t, tail))
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	var masterMsgs, tailMsgs []*message.SchedulingMessage
	for _, m := range batch.Messages {
		if split, _ := message.Additional[bool](m, message.AdditionalSplit); !split {
			t.Errorf("message to %s not marked as split", m.Recipient())
		}
		if m.Resource().UID() == "series-1" {
			masterMsgs = append(masterMsgs, m)
		} else {
			tailMsgs = append(tailMsgs, m)
		}
	}
	if len(masterMsgs) != 2 {
		t.Errorf("master update messages = %d, want 2", len(masterMsgs))
	}
	if len(tailMsgs) != 2 {
		t.Fatalf("tail messages = %d, want 2", len(tailMsgs))
	}
	for _, m := range tailMsgs {
		want := "split"
		if models.SameUser(m.Recipient(), userC) {
			want = "create"
		}
		if m.Description().Subject != want {
			t.Errorf("tail message to %s described as %q, want %q", m.Recipient(), m.Description().Subject, want)
		}
	}
}

func TestCancelStripsAttachments(t *testing.T) {
	master, _ := series(t)
	batch, err := NewCancelBuilder(testDeps(nil)).Build(context.Background(), itip.NewSession(1, 1), organizer, master)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Messages) != 2 {
		t.Fatalf("messages = %v", recipients(batch))
	}
	for _, m := range batch.Messages {
		if m.Method() != itip.MethodCancel {
			t.Errorf("method = %s", m.Method())
		}
		if m.AttachmentProvider() != nil {
			t.Error("cancel has an attachment provider")
		}
		if len(m.Resource().FirstEvent().Attachments) != 0 {
			t.Error("cancel carries attachments")
		}
	}
	if len(master.Attachments) != 1 {
		t.Error("input event was modified")
	}
}

func TestReplyAddressesOrganizerOnly(t *testing.T) {
	master, _ := series(t)
	master.Organizer = &models.CalendarUser{URI: "mailto:ext-org@example.com"}
	updated := master.Clone()
	updated.Attendees[0].PartStat = models.PartStatAccepted

	batch, err := NewReplyBuilder(testDeps(nil)).Build(context.Background(), itip.NewSession(1, 5), userA, models.Diff(master, updated))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(batch.Messages) != 1 || batch.Len() != 1 {
		t.Fatalf("batch = %+v", batch)
	}
	m := batch.Messages[0]
	if m.Method() != itip.MethodReply || m.Recipient().Address() != "mailto:ext-org@example.com" {
		t.Errorf("reply = %s", m)
	}
	event := m.Resource().FirstEvent()
	if len(event.Attendees) != 1 || event.Attendees[0].PartStat != models.PartStatAccepted {
		t.Errorf("reply attendees = %+v", event.Attendees)
	}

	_, err = NewReplyBuilder(testDeps(nil)).Build(context.Background(), itip.NewSession(1, 5), userC, models.Diff(master, updated))
	if !errors.Is(err, message.ErrIncompleteMessage) {
		t.Errorf("reply by non-attendee error = %v", err)
	}
}

func TestDescriberFailureDegradesToEmptyDescription(t *testing.T) {
	master, _ := series(t)
	d := &recordingDescriber{err: errors.New("templates missing")}
	batch, err := NewCancelBuilder(testDeps(d)).Build(context.Background(), itip.NewSession(1, 1), organizer, master)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for _, m := range batch.Messages {
		if !m.Description().IsEmpty() {
			t.Errorf("description = %+v, want empty", m.Description())
		}
	}
}

func resourceOf(t *testing.T, events ...*models.Event) *models.CalendarObjectResource {
	t.Helper()
	r, err := models.NewResource(events...)
	if err != nil {
		t.Fatalf("NewResource() error = %v", err)
	}
	return r
}
