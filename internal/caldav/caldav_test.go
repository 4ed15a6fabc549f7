package caldav

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/emersion/go-ical"

	"itipcal/internal/models"
)

func TestObjectID(t *testing.T) {
	rid := models.NewRecurrenceID(time.Date(2025, 3, 3, 9, 0, 0, 0, time.FixedZone("CET", 3600)))
	tests := []struct {
		name string
		rid  *models.RecurrenceID
	}{
		{"master", nil},
		{"timed exception", rid},
		{"all-day exception", &models.RecurrenceID{Value: time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), AllDay: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := objectID("/cal/a.ics", tt.rid)
			path, got, err := splitObjectID(id)
			if err != nil {
				t.Fatalf("splitObjectID(%q) error = %v", id, err)
			}
			if path != "/cal/a.ics" || !got.Matches(tt.rid) {
				t.Errorf("splitObjectID(%q) = %q, %v", id, path, got)
			}
		})
	}
	if _, _, err := splitObjectID("/cal/a.ics#tomorrow"); err == nil {
		t.Error("splitObjectID() accepted an invalid recurrence id")
	}
}

func TestPick(t *testing.T) {
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	master := &models.Event{UID: "x", RecurrenceRule: "FREQ=DAILY", Start: start}
	exception := &models.Event{UID: "x", RecurrenceID: models.NewRecurrenceID(start.AddDate(0, 0, 1))}

	tests := []struct {
		name   string
		events []*models.Event
		rid    *models.RecurrenceID
		want   string
		found  bool
	}{
		{"master", []*models.Event{master, exception}, nil, "/c/x.ics", true},
		{"exception", []*models.Event{master, exception}, exception.RecurrenceID, "/c/x.ics#20250304T090000Z", true},
		{"occurrence without exception", []*models.Event{master, exception}, models.NewRecurrenceID(start.AddDate(0, 0, 2)), "/c/x.ics", true},
		{"loose exception", []*models.Event{exception}, nil, "/c/x.ics#20250304T090000Z", true},
		{"other loose occurrence", []*models.Event{exception}, models.NewRecurrenceID(start), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := pick("/c/x.ics", tt.events, tt.rid)
			if got != tt.want || found != tt.found {
				t.Errorf("pick() = %q, %v; want %q, %v", got, found, tt.want, tt.found)
			}
		})
	}
}

func TestIdentify(t *testing.T) {
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	events := []*models.Event{
		{UID: "x", RecurrenceRule: "FREQ=DAILY", Start: start},
		{UID: "x", RecurrenceID: models.NewRecurrenceID(start)},
	}
	identify("/c/x.ics", "/c/", events)
	if !events[0].IsSeriesMaster() {
		t.Error("master is not identified as series master")
	}
	if events[1].SeriesID != "/c/x.ics" || events[1].FolderID != "/c/" {
		t.Errorf("exception = %+v", events[1])
	}

	single := []*models.Event{{UID: "y", Start: start}}
	identify("/c/y.ics", "/c/", single)
	if single[0].IsSeriesMaster() || single[0].SeriesID != "" {
		t.Errorf("single event = %+v", single[0])
	}
}

func TestUIDQuery(t *testing.T) {
	q := uidQuery("abc")
	if q.CompFilter.Name != ical.CompCalendar || len(q.CompFilter.Comps) != 1 {
		t.Fatalf("CompFilter = %+v", q.CompFilter)
	}
	prop := q.CompFilter.Comps[0].Props[0]
	if prop.Name != ical.PropUID || prop.TextMatch == nil || prop.TextMatch.Text != "abc" {
		t.Errorf("PropFilter = %+v", prop)
	}
}

func TestCustomTransport(t *testing.T) {
	var user, pass, agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		agent = r.UserAgent()
	}))
	defer srv.Close()

	client := &http.Client{Transport: &customTransport{Username: "me", Password: "secret", Transport: http.DefaultTransport}}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if user != "me" || pass != "secret" || agent != "itipcal/1.0" {
		t.Errorf("request had user %q pass %q agent %q", user, pass, agent)
	}
}
