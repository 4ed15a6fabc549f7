// Package caldav stores scheduling data in a CalDAV calendar collection.
package caldav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"itipcal/internal/storage"
)

// DefaultEndpoint is used when no endpoint is configured.
const DefaultEndpoint = "https://caldav.icloud.com/"

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Username != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}
	req.Header.Set("User-Agent", "itipcal/1.0")
	return t.Transport.RoundTrip(req)
}

// Options configures a Client.
type Options struct {
	Endpoint string
	Username string
	Password string
	// Calendar is the display name of the calendar collection to use.
	Calendar string
	// OwnerID is the internal user id owning the calendar.
	OwnerID int
	// HTTPClient overrides the client used for requests; authentication is
	// added on top of its transport.
	HTTPClient *http.Client
}

// Client is a storage.Storage backed by one CalDAV calendar collection.
type Client struct {
	caldavClient *caldav.Client
	webdavClient *webdav.Client
	logger       *slog.Logger
	endpoint     string
	calendarPath string
	folder       storage.Folder
	now          func() time.Time
}

// NewClient connects to the CalDAV server and looks up the configured
// calendar.
func NewClient(ctx context.Context, logger *slog.Logger, opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	base := http.DefaultTransport
	if opts.HTTPClient != nil && opts.HTTPClient.Transport != nil {
		base = opts.HTTPClient.Transport
	}
	httpClient := &http.Client{Transport: &customTransport{
		Username:  opts.Username,
		Password:  opts.Password,
		Transport: base,
	}}

	caldavClient, err := caldav.NewClient(httpClient, opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	webdavClient, err := webdav.NewClient(httpClient, opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}

	c := &Client{
		caldavClient: caldavClient,
		webdavClient: webdavClient,
		logger:       logger,
		endpoint:     opts.Endpoint,
		now:          time.Now,
	}

	logger.Info("Finding calendar", "calendarName", opts.Calendar)
	calendarPath, err := c.findCalendar(ctx, opts.Calendar)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", opts.Calendar, err)
	}
	c.calendarPath = calendarPath
	c.folder = storage.Folder{ID: calendarPath, OwnerID: opts.OwnerID, Name: opts.Calendar}
	logger.Info("Successfully found calendar", "path", calendarPath)

	return c, nil
}

// Folder returns the calendar collection as storage folder.
func (c *Client) Folder() storage.Folder {
	return c.folder
}

// Permissions returns the checker for the collection: the owner may do
// everything, other users nothing.
func (c *Client) Permissions() storage.PermissionChecker {
	return storage.OwnerOnly{}
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *Client) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}

	return "", fmt.Errorf("no calendar found with name '%s'", name)
}

// newObjectPath returns the path for a new calendar object resource.
func (c *Client) newObjectPath() string {
	return strings.TrimSuffix(c.calendarPath, "/") + "/" + uuid.NewString() + ".ics"
}
