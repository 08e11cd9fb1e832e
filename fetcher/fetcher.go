// Package fetcher walks a provider listing page by page, with every request
// going through the retry client. The walk trusts the provider's page
// tokens: it continues while a next token is present, yields empty pages to
// the caller, and aborts if the provider hands back the same token twice.
package fetcher

import (
	"context"
	"fmt"

	"github.com/omnivault/sync-engine/provider"
	"github.com/omnivault/sync-engine/retry"
)

// Pager iterates the pages of one listing query. Usage mirrors sql.Rows:
//
//	for pager.Next(ctx) {
//	    page := pager.Page()
//	    ...
//	}
//	if err := pager.Err(); err != nil { ... }
type Pager struct {
	source   provider.Source
	client   *retry.Client
	query    provider.Query
	callOpts []retry.Option

	page  provider.Page
	token string
	pages int
	done  bool
	err   error
}

// Option adjusts a Pager at construction.
type Option func(*Pager)

// WithReauth forwards a credential refresh hook to every page request.
func WithReauth(fn func(context.Context) error) Option {
	return func(p *Pager) {
		p.callOpts = append(p.callOpts, retry.WithReauth(fn))
	}
}

// New builds a Pager for the query. A non-empty q.PageToken resumes the walk
// from that token instead of the first page.
func New(src provider.Source, client *retry.Client, q provider.Query, opts ...Option) *Pager {
	p := &Pager{
		source: src,
		client: client,
		query:  q,
		token:  q.PageToken,
	}

	for _, o := range opts {
		o(p)
	}

	return p
}

// Next fetches the next page. It returns true when a page is available,
// including an empty one, and false once the walk is exhausted or failed.
func (p *Pager) Next(ctx context.Context) bool {
	if p.done || p.err != nil {
		return false
	}

	q := p.query
	q.PageToken = p.token

	op := p.source.Name() + ".listPage"

	var page provider.Page

	err := p.client.Do(ctx, op, func(ctx context.Context) error {
		var cerr error
		page, cerr = p.source.ListPage(ctx, q)

		return cerr
	}, p.callOpts...)
	if err != nil {
		p.err = err

		return false
	}

	if page.NextToken != "" && page.NextToken == p.token {
		p.err = fmt.Errorf("%s: page token %q repeated, aborting walk", op, page.NextToken)

		return false
	}

	p.page = page
	p.pages++
	p.token = page.NextToken
	p.done = page.NextToken == ""

	return true
}

// Page returns the page fetched by the last successful Next.
func (p *Pager) Page() provider.Page {
	return p.page
}

// Token returns the token the next page will be requested with; empty once
// the walk is exhausted. Persisted between pages it doubles as a resume
// cursor.
func (p *Pager) Token() string {
	return p.token
}

// Pages returns how many pages have been fetched.
func (p *Pager) Pages() int {
	return p.pages
}

func (p *Pager) Err() error {
	return p.err
}
