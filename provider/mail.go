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

const defaultMailPageSize = 25

// Mail syncs messages from the mail provider's REST API and maps them to
// email nodes, person stubs and SENT_BY / SENT_TO edges.
type Mail struct {
	rest
	pageSize int
}

func NewMail(opts Options) *Mail {
	size := opts.PageSize
	if size <= 0 {
		size = defaultMailPageSize
	}

	return &Mail{rest: newREST(models.ProviderMail, opts), pageSize: size}
}

func (m *Mail) Name() string {
	return models.ProviderMail
}

type mailListResponse struct {
	Messages           []json.RawMessage `json:"messages"`
	NextPageToken      string            `json:"nextPageToken"`
	ResultSizeEstimate int               `json:"resultSizeEstimate"`
}

type mailMessage struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	Subject  string   `json:"subject"`
	Snippet  string   `json:"snippet"`
	Labels   []string `json:"labels"`
	// InternalDate is epoch milliseconds as a string on the wire.
	InternalDate string `json:"internalDate"`
}

func (m *Mail) ListPage(ctx context.Context, q Query) (Page, error) {
	params := url.Values{}
	params.Set("maxResults", strconv.Itoa(pageSize(q.PageSize, m.pageSize)))

	if q.PageToken != "" {
		params.Set("pageToken", q.PageToken)
	}

	if !q.From.IsZero() {
		params.Set("after", strconv.FormatInt(q.From.Unix(), 10))
	}

	if !q.To.IsZero() {
		params.Set("before", strconv.FormatInt(q.To.Unix(), 10))
	}

	var resp mailListResponse
	if err := m.getJSON(ctx, q.UserID, "/messages", params, &resp); err != nil {
		return Page{}, err
	}

	page := Page{
		Items:     make([]RawRecord, 0, len(resp.Messages)),
		NextToken: resp.NextPageToken,
		Total:     resp.ResultSizeEstimate,
	}

	for _, raw := range resp.Messages {
		rec, err := mailRecord(raw)
		if err != nil {
			return Page{}, Classify(m.name, err)
		}

		page.Items = append(page.Items, rec)
	}

	return page, nil
}

func (m *Mail) GetOne(ctx context.Context, userID, externalID string) (RawRecord, error) {
	var raw json.RawMessage
	if err := m.getJSON(ctx, userID, "/messages/"+url.PathEscape(externalID), nil, &raw); err != nil {
		return RawRecord{}, err
	}

	rec, err := mailRecord(raw)
	if err != nil {
		return RawRecord{}, Classify(m.name, err)
	}

	return rec, nil
}

func (m *Mail) MapRecord(userID string, rec RawRecord) (Mapped, error) {
	var msg mailMessage
	if err := json.Unmarshal(rec.Raw, &msg); err != nil {
		return Mapped{}, fmt.Errorf("decode message %s: %w", rec.ExternalID, err)
	}

	ts := epochMillis(msg.InternalDate)

	node := models.Node{
		UserID:     userID,
		Provider:   models.ProviderMail,
		ExternalID: msg.ID,
		Kind:       models.NodeKindEmail,
		Title:      msg.Subject,
		Content:    msg.Snippet,
		ModifiedAt: ts,
		Metadata: models.Map{
			"threadId": msg.ThreadID,
			"from":     msg.From,
			"to":       msg.To,
			"labels":   msg.Labels,
		},
	}
	if !ts.IsZero() {
		node.Timestamp = &ts
	}

	out := Mapped{Node: node}
	key := node.Key()

	if p, ok := personNode(userID, msg.From); ok {
		out.Extra = append(out.Extra, p)
		out.Edges = append(out.Edges, Edge{Source: key, Target: p.Key(), Kind: models.RelSentBy})
	}

	for _, rcpt := range msg.To {
		if p, ok := personNode(userID, rcpt); ok {
			out.Extra = append(out.Extra, p)
			out.Edges = append(out.Edges, Edge{Source: key, Target: p.Key(), Kind: models.RelSentTo})
		}
	}

	return out, nil
}

func mailRecord(raw json.RawMessage) (RawRecord, error) {
	var env struct {
		ID           string `json:"id"`
		InternalDate string `json:"internalDate"`
	}

	if err := json.Unmarshal(raw, &env); err != nil {
		return RawRecord{}, fmt.Errorf("malformed message item: %w", err)
	}

	if env.ID == "" {
		return RawRecord{}, fmt.Errorf("message item missing id")
	}

	return RawRecord{
		ExternalID: env.ID,
		ModifiedAt: epochMillis(env.InternalDate),
		Raw:        raw,
	}, nil
}

func epochMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms).UTC()
}
