package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageKey(t *testing.T) {
	page := Page{UserID: "u-1", Provider: "mail", JobID: "j-1", Seq: 3}
	assert.Equal(t, "raw/u-1/mail/j-1/page-0003.json", page.key())

	page.Collection = "team/standup"
	assert.Equal(t, "raw/u-1/mail/j-1/team_standup/page-0003.json", page.key())
}

func TestNoopSave(t *testing.T) {
	require.NoError(t, Noop{}.Save(context.Background(), Page{JobID: "j-1"}))
}
