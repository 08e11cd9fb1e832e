// Package provider defines the capability a sync source implements and the
// classification boundary for provider call errors. The engine is generic:
// everything provider-specific lives behind the Source interface, so the
// rate-limiting, retry, pagination and queue machinery exists exactly once.
package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/omnivault/sync-engine/models"
)

// RawRecord is one provider-native item (message, event, file). The payload
// stays opaque to the engine; ExternalID and ModifiedAt are the two fields
// idempotent mapping needs. Collection is set when the record came out of a
// sub-collection walk.
type RawRecord struct {
	ExternalID string
	ModifiedAt time.Time
	Collection string
	Raw        json.RawMessage
}

// Page is one page of a provider listing.
type Page struct {
	Items     []RawRecord
	NextToken string
	// Total is the provider's estimate of matching records, 0 when unknown.
	Total int
}

// Query bounds one listing walk.
type Query struct {
	UserID     string
	Collection string
	From       time.Time
	To         time.Time
	PageToken  string
	PageSize   int
}

// Collection is one sibling sub-collection of a provider (e.g. a calendar).
type Collection struct {
	ID      string
	Name    string
	Primary bool
}

// Edge is a relationship between two nodes referenced by natural key; the
// store resolves keys to ids at upsert time.
type Edge struct {
	Source models.NodeKey
	Target models.NodeKey
	Kind   string
}

// Mapped is the outcome of mapping one raw record: the primary node, any
// referenced nodes (people, folders), and the edges between them. Mapping
// is pure and deterministic so a retried delivery produces an identical
// upsert payload.
type Mapped struct {
	Node  models.Node
	Extra []models.Node
	Edges []Edge
}

// Source is the provider capability the generic engine is parameterized by.
type Source interface {
	Name() string
	ListPage(ctx context.Context, q Query) (Page, error)
	GetOne(ctx context.Context, userID, externalID string) (RawRecord, error)
	MapRecord(userID string, rec RawRecord) (Mapped, error)
}

// CollectionLister is implemented by sources whose records live in sibling
// sub-collections that are each walked in turn.
type CollectionLister interface {
	Collections(ctx context.Context, userID string) ([]Collection, error)
}

// TokenProvider supplies a current access token for a user's credential,
// refreshing it first when it is near expiry.
type TokenProvider interface {
	AccessToken(ctx context.Context, userID, provider string) (string, error)
}

// Registry holds the sources enabled for this process.
type Registry struct {
	sources map[string]Source
	order   []string
}

func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source)}

	for _, s := range sources {
		r.Register(s)
	}

	return r
}

func (r *Registry) Register(s Source) {
	if _, ok := r.sources[s.Name()]; !ok {
		r.order = append(r.order, s.Name())
	}

	r.sources[s.Name()] = s
}

func (r *Registry) Get(name string) (Source, bool) {
	s, ok := r.sources[name]

	return s, ok
}

// Names returns the registered provider names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)

	return out
}
