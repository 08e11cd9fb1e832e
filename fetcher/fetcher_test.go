package fetcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omnivault/sync-engine/config"
	"github.com/omnivault/sync-engine/provider"
	"github.com/omnivault/sync-engine/ratelimit"
	"github.com/omnivault/sync-engine/retry"
)

// scriptedSource serves canned pages keyed by the requesting page token.
type scriptedSource struct {
	pages    map[string]provider.Page
	failures map[string]error
	calls    int
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) ListPage(ctx context.Context, q provider.Query) (provider.Page, error) {
	s.calls++

	if err, ok := s.failures[q.PageToken]; ok {
		return provider.Page{}, err
	}

	page, ok := s.pages[q.PageToken]
	if !ok {
		return provider.Page{}, fmt.Errorf("unexpected page token %q", q.PageToken)
	}

	return page, nil
}

func (s *scriptedSource) GetOne(ctx context.Context, userID, externalID string) (provider.RawRecord, error) {
	return provider.RawRecord{}, fmt.Errorf("not scripted")
}

func (s *scriptedSource) MapRecord(userID string, rec provider.RawRecord) (provider.Mapped, error) {
	return provider.Mapped{}, fmt.Errorf("not scripted")
}

func testRetryClient() *retry.Client {
	return retry.New(ratelimit.New(1000, 100), config.Retry{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
		QuotaGiveUp:  time.Minute,
	}, zap.NewNop())
}

func pageOf(prefix string, from, n int, next string) provider.Page {
	items := make([]provider.RawRecord, n)
	for i := range items {
		items[i] = provider.RawRecord{ExternalID: fmt.Sprintf("%s-%d", prefix, from+i), Raw: []byte(`{}`)}
	}

	return provider.Page{Items: items, NextToken: next}
}

func TestPagerWalksAllPages(t *testing.T) {
	src := &scriptedSource{pages: map[string]provider.Page{
		"":   pageOf("m", 0, 2, "t1"),
		"t1": pageOf("m", 2, 2, "t2"),
		"t2": pageOf("m", 4, 1, ""),
	}}

	p := New(src, testRetryClient(), provider.Query{UserID: "u-1"})

	var ids []string

	for p.Next(context.Background()) {
		for _, rec := range p.Page().Items {
			ids = append(ids, rec.ExternalID)
		}
	}

	require.NoError(t, p.Err())
	assert.Equal(t, []string{"m-0", "m-1", "m-2", "m-3", "m-4"}, ids)
	assert.Equal(t, 3, p.Pages())
	assert.Empty(t, p.Token())
}

func TestPagerCompleteness(t *testing.T) {
	pages := map[string]provider.Page{}
	token := ""

	for i := 0; i < 10; i++ {
		next := fmt.Sprintf("t%d", i+1)
		if i == 9 {
			next = ""
		}

		pages[token] = pageOf("rec", i*100, 100, next)
		token = next
	}

	src := &scriptedSource{pages: pages}
	p := New(src, testRetryClient(), provider.Query{UserID: "u-1"})

	seen := make(map[string]struct{})

	for p.Next(context.Background()) {
		for _, rec := range p.Page().Items {
			seen[rec.ExternalID] = struct{}{}
		}
	}

	require.NoError(t, p.Err())
	assert.Len(t, seen, 1000)
	assert.Equal(t, 10, p.Pages())
}

func TestPagerEmptyFirstPage(t *testing.T) {
	src := &scriptedSource{pages: map[string]provider.Page{
		"": {},
	}}

	p := New(src, testRetryClient(), provider.Query{UserID: "u-1"})

	require.True(t, p.Next(context.Background()))
	assert.Empty(t, p.Page().Items)
	assert.False(t, p.Next(context.Background()))
	assert.NoError(t, p.Err())
}

func TestPagerEmptyPageWithTokenContinues(t *testing.T) {
	src := &scriptedSource{pages: map[string]provider.Page{
		"":   {NextToken: "t1"},
		"t1": pageOf("m", 0, 3, ""),
	}}

	p := New(src, testRetryClient(), provider.Query{UserID: "u-1"})

	var total int

	for p.Next(context.Background()) {
		total += len(p.Page().Items)
	}

	require.NoError(t, p.Err())
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, p.Pages())
}

func TestPagerRepeatedTokenAborts(t *testing.T) {
	src := &scriptedSource{pages: map[string]provider.Page{
		"":     {NextToken: "loop"},
		"loop": pageOf("m", 0, 1, "loop"),
	}}

	p := New(src, testRetryClient(), provider.Query{UserID: "u-1"})

	require.True(t, p.Next(context.Background()))
	assert.False(t, p.Next(context.Background()))
	require.Error(t, p.Err())
	assert.Contains(t, p.Err().Error(), "repeated")
}

func TestPagerResumesFromSeededToken(t *testing.T) {
	src := &scriptedSource{pages: map[string]provider.Page{
		"t5": pageOf("m", 500, 100, ""),
	}}

	p := New(src, testRetryClient(), provider.Query{UserID: "u-1", PageToken: "t5"})

	require.True(t, p.Next(context.Background()))
	assert.Equal(t, "m-500", p.Page().Items[0].ExternalID)
	assert.False(t, p.Next(context.Background()))
	assert.NoError(t, p.Err())
}

func TestPagerRetriesThenPropagates(t *testing.T) {
	transient := &provider.CallError{Provider: "scripted", Status: 503, Retryable: true}
	src := &scriptedSource{failures: map[string]error{"": transient}}

	p := New(src, testRetryClient(), provider.Query{UserID: "u-1"})

	assert.False(t, p.Next(context.Background()))
	require.Error(t, p.Err())
	assert.Contains(t, p.Err().Error(), "retries exhausted")
	// initial attempt plus two retries
	assert.Equal(t, 3, src.calls)

	// a failed pager stays failed
	assert.False(t, p.Next(context.Background()))
}

func TestPagerReauthHookForwarded(t *testing.T) {
	unauthorized := &provider.CallError{Provider: "scripted", Status: 401, Reauth: true}

	src := &scriptedSource{
		pages:    map[string]provider.Page{"": pageOf("m", 0, 1, "")},
		failures: map[string]error{"": unauthorized},
	}

	refreshed := false
	p := New(src, testRetryClient(), provider.Query{UserID: "u-1"}, WithReauth(func(ctx context.Context) error {
		// clear the scripted failure so the free attempt succeeds
		delete(src.failures, "")
		refreshed = true

		return nil
	}))

	require.True(t, p.Next(context.Background()))
	assert.True(t, refreshed)
	assert.Len(t, p.Page().Items, 1)
}
