package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"gymagent/internal/model"
)

// GoogleCalendar talks to the Google Calendar v3 REST API with a bearer
// token. Event times are rendered in the configured timezone.
type GoogleCalendar struct {
	baseURL    string
	calendarID string
	token      string
	timezone   string
	httpClient *http.Client
}

func NewGoogleCalendar(baseURL, calendarID, token, timezone string, timeout time.Duration) *GoogleCalendar {
	if baseURL == "" {
		baseURL = "https://www.googleapis.com"
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	return &GoogleCalendar{
		baseURL:    baseURL,
		calendarID: calendarID,
		token:      token,
		timezone:   timezone,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type eventTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone,omitempty"`
}

type eventAttendee struct {
	Email string `json:"email"`
}

type eventReminder struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

type eventReminders struct {
	UseDefault bool            `json:"useDefault"`
	Overrides  []eventReminder `json:"overrides,omitempty"`
}

type eventResource struct {
	ID          string          `json:"id,omitempty"`
	Summary     string          `json:"summary"`
	Description string          `json:"description,omitempty"`
	Location    string          `json:"location,omitempty"`
	Start       eventTime       `json:"start"`
	End         eventTime       `json:"end"`
	Attendees   []eventAttendee `json:"attendees,omitempty"`
	Reminders   *eventReminders `json:"reminders,omitempty"`
}

type eventListResponse struct {
	Items []eventResource `json:"items"`
}

func (c *GoogleCalendar) eventsURL() string {
	return fmt.Sprintf("%s/calendar/v3/calendars/%s/events", c.baseURL, url.PathEscape(c.calendarID))
}

// ListEvents returns the events overlapping [start, end).
func (c *GoogleCalendar) ListEvents(ctx context.Context, start, end time.Time) ([]model.ExistingEvent, error) {
	q := url.Values{}
	q.Set("timeMin", start.Format(time.RFC3339))
	q.Set("timeMax", end.Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")

	raw, err := c.do(ctx, http.MethodGet, c.eventsURL()+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp eventListResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}

	events := make([]model.ExistingEvent, 0, len(resp.Items))
	for _, item := range resp.Items {
		ev := model.ExistingEvent{
			ID:      item.ID,
			Summary: item.Summary,
		}
		if t, err := time.Parse(time.RFC3339, item.Start.DateTime); err == nil {
			ev.Start = t
		}
		if t, err := time.Parse(time.RFC3339, item.End.DateTime); err == nil {
			ev.End = t
		}
		events = append(events, ev)
	}
	return events, nil
}

// Insert creates the event and returns the provider id.
func (c *GoogleCalendar) Insert(ctx context.Context, draft *model.EventDraft) (string, error) {
	res := eventResource{
		Summary:     draft.Summary,
		Description: draft.Description,
		Location:    draft.Location,
		Start:       eventTime{DateTime: draft.Start.Format(time.RFC3339), TimeZone: c.timezone},
		End:         eventTime{DateTime: draft.End.Format(time.RFC3339), TimeZone: c.timezone},
	}
	for _, email := range draft.Attendees {
		res.Attendees = append(res.Attendees, eventAttendee{Email: email})
	}
	if len(draft.Reminders) > 0 {
		r := &eventReminders{UseDefault: false}
		for _, o := range draft.Reminders {
			r.Overrides = append(r.Overrides, eventReminder{Method: o.Method, Minutes: o.Minutes})
		}
		res.Reminders = r
	}

	raw, err := c.do(ctx, http.MethodPost, c.eventsURL(), res)
	if err != nil {
		return "", err
	}

	var created eventResource
	if err := json.Unmarshal(raw, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (c *GoogleCalendar) do(ctx context.Context, method, rawURL string, payload any) ([]byte, error) {
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		// 可重试错误
		return nil, fmt.Errorf("calendar service 5xx: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar service error: %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
