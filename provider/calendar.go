package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/omnivault/sync-engine/models"
)

const (
	defaultCalendarPageSize = 50

	// primaryCalendar is the id served when a record must be re-fetched
	// without knowing which calendar it came from.
	primaryCalendar = "primary"
)

// Calendar syncs events across a user's calendars. Calendars are sibling
// sub-collections: each one is walked in turn with the same window.
type Calendar struct {
	rest
	pageSize int
}

func NewCalendar(opts Options) *Calendar {
	size := opts.PageSize
	if size <= 0 {
		size = defaultCalendarPageSize
	}

	return &Calendar{rest: newREST(models.ProviderCalendar, opts), pageSize: size}
}

func (c *Calendar) Name() string {
	return models.ProviderCalendar
}

type calendarListResponse struct {
	Items         []json.RawMessage `json:"items"`
	NextPageToken string            `json:"nextPageToken"`
}

type calendarEvent struct {
	ID          string            `json:"id"`
	Summary     string            `json:"summary"`
	Description string            `json:"description"`
	Start       calendarTime      `json:"start"`
	End         calendarTime      `json:"end"`
	Attendees   []calendarContact `json:"attendees"`
	Organizer   *calendarContact  `json:"organizer"`
	Updated     string            `json:"updated"`
}

type calendarContact struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// calendarTime is either a timed instant (dateTime, RFC 3339) or an all-day
// date (date, 2006-01-02).
type calendarTime struct {
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
}

func (t calendarTime) Time() time.Time {
	if t.DateTime != "" {
		if at, err := time.Parse(time.RFC3339, t.DateTime); err == nil {
			return at.UTC()
		}
	}

	if t.Date != "" {
		if at, err := time.Parse("2006-01-02", t.Date); err == nil {
			return at.UTC()
		}
	}

	return time.Time{}
}

func (c *Calendar) Collections(ctx context.Context, userID string) ([]Collection, error) {
	var (
		out   []Collection
		token string
	)

	for {
		params := url.Values{}
		if token != "" {
			params.Set("pageToken", token)
		}

		var resp struct {
			Items []struct {
				ID      string `json:"id"`
				Summary string `json:"summary"`
				Primary bool   `json:"primary"`
			} `json:"items"`
			NextPageToken string `json:"nextPageToken"`
		}

		if err := c.getJSON(ctx, userID, "/calendars", params, &resp); err != nil {
			return nil, err
		}

		for _, it := range resp.Items {
			out = append(out, Collection{ID: it.ID, Name: it.Summary, Primary: it.Primary})
		}

		if resp.NextPageToken == "" || resp.NextPageToken == token {
			break
		}

		token = resp.NextPageToken
	}

	return out, nil
}

func (c *Calendar) ListPage(ctx context.Context, q Query) (Page, error) {
	calendarID := q.Collection
	if calendarID == "" {
		calendarID = primaryCalendar
	}

	params := url.Values{}
	params.Set("maxResults", strconv.Itoa(pageSize(q.PageSize, c.pageSize)))

	if q.PageToken != "" {
		params.Set("pageToken", q.PageToken)
	}

	if !q.From.IsZero() {
		params.Set("timeMin", q.From.UTC().Format(time.RFC3339))
	}

	if !q.To.IsZero() {
		params.Set("timeMax", q.To.UTC().Format(time.RFC3339))
	}

	path := "/calendars/" + url.PathEscape(calendarID) + "/events"

	var resp calendarListResponse
	if err := c.getJSON(ctx, q.UserID, path, params, &resp); err != nil {
		return Page{}, err
	}

	page := Page{
		Items:     make([]RawRecord, 0, len(resp.Items)),
		NextToken: resp.NextPageToken,
	}

	for _, raw := range resp.Items {
		rec, err := calendarRecord(raw)
		if err != nil {
			return Page{}, Classify(c.name, err)
		}

		rec.Collection = calendarID
		page.Items = append(page.Items, rec)
	}

	return page, nil
}

func (c *Calendar) GetOne(ctx context.Context, userID, externalID string) (RawRecord, error) {
	path := "/calendars/" + primaryCalendar + "/events/" + url.PathEscape(externalID)

	var raw json.RawMessage
	if err := c.getJSON(ctx, userID, path, nil, &raw); err != nil {
		return RawRecord{}, err
	}

	rec, err := calendarRecord(raw)
	if err != nil {
		return RawRecord{}, Classify(c.name, err)
	}

	rec.Collection = primaryCalendar

	return rec, nil
}

func (c *Calendar) MapRecord(userID string, rec RawRecord) (Mapped, error) {
	var ev calendarEvent
	if err := json.Unmarshal(rec.Raw, &ev); err != nil {
		return Mapped{}, fmt.Errorf("decode event %s: %w", rec.ExternalID, err)
	}

	start := ev.Start.Time()

	node := models.Node{
		UserID:     userID,
		Provider:   models.ProviderCalendar,
		ExternalID: ev.ID,
		Kind:       models.NodeKindEvent,
		Title:      ev.Summary,
		Content:    ev.Description,
		ModifiedAt: parseRFC3339(ev.Updated),
		Metadata: models.Map{
			"calendarId": rec.Collection,
			"start":      ev.Start.Time().Format(time.RFC3339),
			"end":        ev.End.Time().Format(time.RFC3339),
		},
	}
	if !start.IsZero() {
		node.Timestamp = &start
	}

	out := Mapped{Node: node}
	key := node.Key()

	if ev.Organizer != nil {
		if p, ok := personFromParts(userID, ev.Organizer.Email, ev.Organizer.DisplayName); ok {
			out.Extra = append(out.Extra, p)
			out.Edges = append(out.Edges, Edge{Source: key, Target: p.Key(), Kind: models.RelOrganizedBy})
		}
	}

	for _, att := range ev.Attendees {
		if p, ok := personFromParts(userID, att.Email, att.DisplayName); ok {
			out.Extra = append(out.Extra, p)
			out.Edges = append(out.Edges, Edge{Source: key, Target: p.Key(), Kind: models.RelAttendedBy})
		}
	}

	return out, nil
}

func calendarRecord(raw json.RawMessage) (RawRecord, error) {
	var env struct {
		ID      string `json:"id"`
		Updated string `json:"updated"`
	}

	if err := json.Unmarshal(raw, &env); err != nil {
		return RawRecord{}, fmt.Errorf("malformed event item: %w", err)
	}

	if env.ID == "" {
		return RawRecord{}, fmt.Errorf("event item missing id")
	}

	return RawRecord{
		ExternalID: env.ID,
		ModifiedAt: parseRFC3339(env.Updated),
		Raw:        raw,
	}, nil
}

func parseRFC3339(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	at, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}

	return at.UTC()
}
