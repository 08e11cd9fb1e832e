package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnivault/sync-engine/models"
)

type staticTokens string

func (s staticTokens) AccessToken(ctx context.Context, userID, provider string) (string, error) {
	return string(s), nil
}

func TestMailListPage(t *testing.T) {
	var gotQuery map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"messages": [
				{"id": "m-1", "threadId": "t-1", "from": "Ann Smith <ann@example.com>", "to": ["bob@example.com"], "subject": "hello", "snippet": "hi there", "labels": ["INBOX"], "internalDate": "1700000000000"},
				{"id": "m-2", "threadId": "t-1", "from": "bob@example.com", "to": [], "subject": "re: hello", "snippet": "", "internalDate": "1700000060000"}
			],
			"nextPageToken": "page-2",
			"resultSizeEstimate": 120
		}`))
	}))
	defer srv.Close()

	mail := NewMail(Options{BaseURL: srv.URL, Tokens: staticTokens("tok-1")})

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	page, err := mail.ListPage(context.Background(), Query{
		UserID:    "u-1",
		From:      from,
		To:        to,
		PageToken: "page-1",
		PageSize:  50,
	})
	require.NoError(t, err)

	assert.Equal(t, "50", gotQuery["maxResults"])
	assert.Equal(t, "page-1", gotQuery["pageToken"])
	assert.Equal(t, "1767225600", gotQuery["after"])
	assert.Equal(t, "1769904000", gotQuery["before"])

	require.Len(t, page.Items, 2)
	assert.Equal(t, "page-2", page.NextToken)
	assert.Equal(t, 120, page.Total)

	assert.Equal(t, "m-1", page.Items[0].ExternalID)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), page.Items[0].ModifiedAt)
}

func TestMailListPageMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages": [{"threadId": "t-1"}]}`))
	}))
	defer srv.Close()

	mail := NewMail(Options{BaseURL: srv.URL, Tokens: staticTokens("tok")})

	_, err := mail.ListPage(context.Background(), Query{UserID: "u-1"})
	require.Error(t, err)

	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.Retryable)
}

func TestMailGetOne(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages/m-9", r.URL.Path)
		_, _ = w.Write([]byte(`{"id": "m-9", "subject": "one", "internalDate": "1700000000000"}`))
	}))
	defer srv.Close()

	mail := NewMail(Options{BaseURL: srv.URL, Tokens: staticTokens("tok")})

	rec, err := mail.GetOne(context.Background(), "u-1", "m-9")
	require.NoError(t, err)

	assert.Equal(t, "m-9", rec.ExternalID)
	assert.NotEmpty(t, rec.Raw)
}

func TestMailMapRecord(t *testing.T) {
	mail := NewMail(Options{BaseURL: "http://unused", Tokens: staticTokens("tok")})

	rec := RawRecord{
		ExternalID: "m-1",
		Raw: []byte(`{
			"id": "m-1",
			"threadId": "t-1",
			"from": "Ann Smith <Ann@Example.com>",
			"to": ["bob@example.com", "ann@example.com"],
			"subject": "quarterly plan",
			"snippet": "draft attached",
			"labels": ["INBOX", "IMPORTANT"],
			"internalDate": "1700000000000"
		}`),
	}

	mapped, err := mail.MapRecord("u-1", rec)
	require.NoError(t, err)

	node := mapped.Node
	assert.Equal(t, "u-1", node.UserID)
	assert.Equal(t, models.ProviderMail, node.Provider)
	assert.Equal(t, "m-1", node.ExternalID)
	assert.Equal(t, models.NodeKindEmail, node.Kind)
	assert.Equal(t, "quarterly plan", node.Title)
	assert.Equal(t, "draft attached", node.Content)
	require.NotNil(t, node.Timestamp)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), *node.Timestamp)
	assert.Equal(t, "t-1", node.Metadata["threadId"])

	// sender plus both recipients, addresses lowercased
	require.Len(t, mapped.Extra, 3)
	assert.Equal(t, "ann@example.com", mapped.Extra[0].ExternalID)
	assert.Equal(t, "Ann Smith", mapped.Extra[0].Title)

	require.Len(t, mapped.Edges, 3)
	assert.Equal(t, models.RelSentBy, mapped.Edges[0].Kind)
	assert.Equal(t, models.RelSentTo, mapped.Edges[1].Kind)
	assert.Equal(t, mapped.Node.Key(), mapped.Edges[0].Source)
	assert.Equal(t, models.PersonKey("ann@example.com"), mapped.Edges[0].Target)
}

func TestMailMapRecordDeterministic(t *testing.T) {
	mail := NewMail(Options{BaseURL: "http://unused", Tokens: staticTokens("tok")})

	rec := RawRecord{
		ExternalID: "m-1",
		Raw:        []byte(`{"id": "m-1", "from": "a@b.c", "subject": "s", "internalDate": "1700000000000"}`),
	}

	first, err := mail.MapRecord("u-1", rec)
	require.NoError(t, err)

	second, err := mail.MapRecord("u-1", rec)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
