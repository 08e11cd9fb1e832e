package models

import (
	"errors"
	"strings"
	"time"
)

// Node kinds produced by the provider mappers.
const (
	NodeKindEmail    = "email"
	NodeKindEvent    = "event"
	NodeKindDocument = "document"
	NodeKindPerson   = "person"
	NodeKindFolder   = "folder"
)

// ProviderPeople is the synthetic provider value under which person nodes
// are keyed, so that the same email address maps to the same node no matter
// which source mentioned it.
const ProviderPeople = "people"

// Relationship kinds.
const (
	RelSentBy      = "SENT_BY"
	RelSentTo      = "SENT_TO"
	RelAttendedBy  = "ATTENDED_BY"
	RelOrganizedBy = "ORGANIZED_BY"
	RelOwnedBy     = "OWNED_BY"
	RelChildOf     = "CHILD_OF"
)

// NodeKey is the provider-side half of a node's natural key. The owning
// user completes it: (userId, provider, externalId) is unique in the store.
type NodeKey struct {
	Provider   string
	ExternalID string
}

func (k NodeKey) IsZero() bool {
	return k.Provider == "" || k.ExternalID == ""
}

// PersonKey builds the unified key for a person referenced by email.
func PersonKey(email string) NodeKey {
	return NodeKey{
		Provider:   ProviderPeople,
		ExternalID: strings.ToLower(strings.TrimSpace(email)),
	}
}

// Node is the canonical representation of one provider record. Re-ingesting
// the same external record updates the existing row; it never duplicates.
type Node struct {
	ID         string `gorm:"primaryKey;size:36"`
	UserID     string `gorm:"uniqueIndex:uq_nodes_natural,priority:1;size:64;not null"`
	Provider   string `gorm:"uniqueIndex:uq_nodes_natural,priority:2;size:32;not null"`
	ExternalID string `gorm:"uniqueIndex:uq_nodes_natural,priority:3;size:256;not null"`
	Kind       string `gorm:"index;size:32;not null"`
	Title      string `gorm:"size:1024"`
	Content    string `gorm:"type:text"`
	Timestamp  *time.Time
	ModifiedAt time.Time
	Metadata   Map `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (n *Node) Key() NodeKey {
	return NodeKey{Provider: n.Provider, ExternalID: n.ExternalID}
}

func (n *Node) Validate() error {
	if n.UserID == "" {
		return errors.New("missing user id")
	}

	if n.Provider == "" {
		return errors.New("missing provider")
	}

	if n.ExternalID == "" {
		return errors.New("missing external id")
	}

	if n.Kind == "" {
		return errors.New("missing kind")
	}

	return nil
}

// Relationship is a typed edge between two nodes, upserted by the natural
// key (sourceId, targetId, kind).
type Relationship struct {
	ID        string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"index;size:64;not null"`
	SourceID  string `gorm:"uniqueIndex:uq_relationships_natural,priority:1;size:36;not null"`
	TargetID  string `gorm:"uniqueIndex:uq_relationships_natural,priority:2;size:36;not null"`
	Kind      string `gorm:"uniqueIndex:uq_relationships_natural,priority:3;size:64;not null"`
	CreatedAt time.Time
}
