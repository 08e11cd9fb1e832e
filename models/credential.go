package models

import (
	"errors"
	"time"
)

// Credential holds the OAuth token material for one (user, provider) pair.
// There is at most one row per pair: refreshes mutate the row in place and
// irrecoverable refresh failures flip Valid to false instead of deleting.
type Credential struct {
	ID           string `gorm:"primaryKey;size:36"`
	UserID       string `gorm:"uniqueIndex:uq_credentials_user_provider,priority:1;size:64;not null"`
	Provider     string `gorm:"uniqueIndex:uq_credentials_user_provider,priority:2;size:32;not null"`
	AccessToken  string `gorm:"type:text;not null"`
	RefreshToken string `gorm:"type:text"`
	TokenType    string `gorm:"size:32"`
	ExpiresAt    time.Time
	Scopes       StringArray `gorm:"type:text"`
	Valid        bool        `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (c *Credential) Validate() error {
	if c.UserID == "" {
		return errors.New("missing user id")
	}

	if c.Provider == "" {
		return errors.New("missing provider")
	}

	if c.AccessToken == "" {
		return errors.New("missing access token")
	}

	return nil
}

// ExpiresWithin reports whether the access token expires inside the given
// buffer window (or already has).
func (c *Credential) ExpiresWithin(buffer time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}

	return !time.Now().Before(c.ExpiresAt.Add(-buffer))
}
