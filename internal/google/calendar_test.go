package google

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"itipcal/internal/models"
)

func TestSettingsFromValues(t *testing.T) {
	got, err := settingsFromValues(map[string]string{
		"timezone":         "UTC",
		"locale":           "de",
		"dateFieldOrder":   "DMY",
		"format24HourTime": "true",
		"weekStart":        "1",
	})
	if err != nil {
		t.Fatalf("settingsFromValues() error = %v", err)
	}
	if got.TimeZone != time.UTC || got.Locale != "de" {
		t.Errorf("settings = %+v", got)
	}
	if got.Regional == nil || got.Regional.DateFormat != "02/01/2006" || got.Regional.TimeFormat != "15:04" || got.Regional.FirstDayOfWeek != time.Monday {
		t.Errorf("Regional = %+v", got.Regional)
	}

	empty, err := settingsFromValues(nil)
	if err != nil || empty.Regional != nil || empty.TimeZone != nil {
		t.Errorf("settingsFromValues(nil) = %+v, %v", empty, err)
	}

	for _, bad := range []map[string]string{{"timezone": "Mars/Olympus"}, {"weekStart": "9"}} {
		if _, err := settingsFromValues(bad); err == nil {
			t.Errorf("settingsFromValues(%v) error = nil", bad)
		}
	}
}

func newTestClient(t *testing.T, owner models.CalendarUser) *CalendarClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/settings"):
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []map[string]string{
				{"id": "timezone", "value": "UTC"},
				{"id": "format24HourTime", "value": "false"},
			}})
		case strings.HasSuffix(r.URL.Path, "/calendars/work/events"):
			if r.URL.Query().Get("iCalUID") != "meeting-1" {
				_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []map[string]string{
				{"id": "abc", "htmlLink": "https://calendar.google.com/event?eid=abc"},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewClientWithOptions(context.Background(), logger, "work", owner,
		option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestClientUserSettings(t *testing.T) {
	owner := models.CalendarUser{EntityID: 7, Email: "me@example.com"}
	c := newTestClient(t, owner)

	got, err := c.UserSettings(context.Background(), owner)
	if err != nil {
		t.Fatalf("UserSettings() error = %v", err)
	}
	if got.TimeZone != time.UTC || got.Regional == nil || got.Regional.TimeFormat != "3:04 PM" {
		t.Errorf("UserSettings() = %+v", got)
	}

	other, err := c.UserSettings(context.Background(), models.CalendarUser{EntityID: 8})
	if err != nil || other.TimeZone != nil {
		t.Errorf("UserSettings(other) = %+v, %v", other, err)
	}
}

func TestClientDirectLink(t *testing.T) {
	owner := models.CalendarUser{EntityID: 7, Email: "me@example.com"}
	c := newTestClient(t, owner)

	link, err := c.DirectLink(context.Background(), owner, &models.Event{UID: "meeting-1"})
	if err != nil {
		t.Fatalf("DirectLink() error = %v", err)
	}
	if link != "https://calendar.google.com/event?eid=abc" {
		t.Errorf("DirectLink() = %q", link)
	}
	if link, _ := c.DirectLink(context.Background(), owner, &models.Event{UID: "unknown"}); link != "" {
		t.Errorf("DirectLink(unknown) = %q", link)
	}
}

func TestTokenFiles(t *testing.T) {
	dir := t.TempDir()
	tok := &oauth2.Token{AccessToken: "access", TokenType: "Bearer"}
	if err := SaveToken(filepath.Join(dir, TokenFile("work")), tok); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	accounts, err := GetTokenAccounts(dir)
	if err != nil || !slices.Equal(accounts, []string{"work"}) {
		t.Errorf("GetTokenAccounts() = %v, %v", accounts, err)
	}
	loaded, err := tokenFromFile(filepath.Join(dir, TokenFile("work")))
	if err != nil || loaded.AccessToken != "access" {
		t.Errorf("tokenFromFile() = %+v, %v", loaded, err)
	}
}
