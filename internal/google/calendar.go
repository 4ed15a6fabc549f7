// Package google reads recipient preferences and event links from the Google
// Calendar API of an authenticated account.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"itipcal/internal/message"
	"itipcal/internal/models"
)

const (
	credentialsFile = "credentials.json"
)

var scopes = []string{calendar.CalendarReadonlyScope, calendar.CalendarSettingsReadonlyScope}

// CalendarClient provides a client for interacting with the Google Calendar API.
type CalendarClient struct {
	service    *calendar.Service
	logger     *slog.Logger
	calendarID string
	// owner is the calendar user the account belongs to.
	owner models.CalendarUser
}

// NewClient creates a new Google Calendar client for the account whose token
// was saved by the auth command as token-<accountName>.json in tokenDir.
func NewClient(ctx context.Context, logger *slog.Logger, clientID, clientSecret, tokenDir, accountName, calendarID string, owner models.CalendarUser) (*CalendarClient, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	tokenFile := filepath.Join(tokenDir, TokenFile(accountName))
	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err)
	}

	return NewClientWithOptions(ctx, logger, calendarID, owner, option.WithHTTPClient(config.Client(ctx, token)))
}

// NewClientWithOptions creates a client from explicit API options.
func NewClientWithOptions(ctx context.Context, logger *slog.Logger, calendarID string, owner models.CalendarUser, opts ...option.ClientOption) (*CalendarClient, error) {
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	return &CalendarClient{service: service, logger: logger, calendarID: calendarID, owner: owner}, nil
}

// UserSettings returns the preferences stored in the Google account. Users
// other than the account owner get empty settings.
func (c *CalendarClient) UserSettings(ctx context.Context, user models.CalendarUser) (message.RecipientSettings, error) {
	if !models.SameUser(user, c.owner) {
		return message.RecipientSettings{}, nil
	}
	c.logger.Debug("Fetching Google Calendar settings", "user", user.String())
	list, err := c.service.Settings.List().Context(ctx).Do()
	if err != nil {
		return message.RecipientSettings{}, fmt.Errorf("failed to retrieve settings: %w", err)
	}
	values := make(map[string]string, len(list.Items))
	for _, s := range list.Items {
		values[s.Id] = s.Value
	}
	return settingsFromValues(values)
}

// DirectLink returns the htmlLink of the Google copy of event.
func (c *CalendarClient) DirectLink(ctx context.Context, recipient models.CalendarUser, event *models.Event) (string, error) {
	if !models.SameUser(recipient, c.owner) {
		return "", nil
	}
	events, err := c.service.Events.List(c.calendarID).ICalUID(event.UID).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to look up event %q: %w", event.UID, err)
	}
	for _, item := range events.Items {
		if item.HtmlLink != "" {
			return item.HtmlLink, nil
		}
	}
	return "", nil
}

// settingsFromValues converts Google setting ids and values into recipient
// settings.
func settingsFromValues(values map[string]string) (message.RecipientSettings, error) {
	var out message.RecipientSettings
	if tz := values["timezone"]; tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return out, fmt.Errorf("invalid timezone setting %q: %w", tz, err)
		}
		out.TimeZone = loc
	}
	out.Locale = values["locale"]

	regional := &message.RegionalSettings{}
	switch values["dateFieldOrder"] {
	case "DMY":
		regional.DateFormat = "02/01/2006"
	case "YMD":
		regional.DateFormat = "2006-01-02"
	case "MDY":
		regional.DateFormat = "01/02/2006"
	}
	switch values["format24HourTime"] {
	case "true":
		regional.TimeFormat = "15:04"
	case "false":
		regional.TimeFormat = "3:04 PM"
	}
	if v := values["weekStart"]; v != "" {
		day, err := strconv.Atoi(v)
		if err != nil || day < 0 || day > 6 {
			return out, fmt.Errorf("invalid weekStart setting %q", v)
		}
		regional.FirstDayOfWeek = time.Weekday(day)
	}
	if *regional != (message.RegionalSettings{}) {
		out.Regional = regional
	}
	return out, nil
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the web flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	return getOAuthConfig(clientID, clientSecret)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes environment variables over a local credentials.json file.
func getOAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the root directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to retrieve a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// TokenFile is the file name the token of accountName is stored under.
func TokenFile(accountName string) string {
	return "token-" + accountName + ".json"
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// GetTokenAccounts lists the accounts with a saved token in dir.
func GetTokenAccounts(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var accounts []string
	for _, file := range files {
		if strings.HasPrefix(file.Name(), "token-") && strings.HasSuffix(file.Name(), ".json") {
			accountName := strings.TrimSuffix(strings.TrimPrefix(file.Name(), "token-"), ".json")
			accounts = append(accounts, accountName)
		}
	}
	return accounts, nil
}
