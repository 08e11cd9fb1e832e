package provider

import (
	"net/mail"
	"strings"

	"github.com/omnivault/sync-engine/models"
)

// personNode builds the unified person stub for an address referenced by a
// record. The address may be bare ("a@b.c") or display form ("Ann <a@b.c>").
// Stubs are keyed by lowercased email so every source converges on one node
// per person; the store inserts them once and never overwrites.
func personNode(userID, addr string) (models.Node, bool) {
	email, name := splitAddress(addr)

	return personFromParts(userID, email, name)
}

// personFromParts is the structured form used when the wire already
// separates email and display name.
func personFromParts(userID, email, name string) (models.Node, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return models.Node{}, false
	}

	key := models.PersonKey(email)

	title := strings.TrimSpace(name)
	if title == "" {
		title = key.ExternalID
	}

	return models.Node{
		UserID:     userID,
		Provider:   key.Provider,
		ExternalID: key.ExternalID,
		Kind:       models.NodeKindPerson,
		Title:      title,
		Metadata:   models.Map{"email": key.ExternalID},
	}, true
}

func splitAddress(s string) (email, name string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}

	if a, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(a.Address), a.Name
	}

	if strings.Contains(s, "@") {
		return strings.ToLower(s), ""
	}

	return "", ""
}
