package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/omnivault/sync-engine/models"
)

func TestAddIfNotExists(t *testing.T) {
	d := New()

	key := models.NodeKey{Provider: "mail", ExternalID: "m-1"}

	assert.True(t, d.AddIfNotExists(key))
	assert.False(t, d.AddIfNotExists(key))
	assert.Equal(t, 1, d.Len())

	// same external id under another provider is a different key
	assert.True(t, d.AddIfNotExists(models.NodeKey{Provider: "drive", ExternalID: "m-1"}))
	assert.Equal(t, 2, d.Len())
}

func TestAddIfNotExistsConcurrent(t *testing.T) {
	d := New()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)

	key := models.NodeKey{Provider: "mail", ExternalID: "contested"}

	for i := 0; i < 32; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if d.AddIfNotExists(key) {
				wins.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.Equal(t, 1, d.Len())
}

func TestLenGrowsPerKey(t *testing.T) {
	d := New()

	for i := 0; i < 100; i++ {
		assert.True(t, d.AddIfNotExists(models.NodeKey{Provider: "mail", ExternalID: fmt.Sprintf("m-%d", i)}))
	}

	assert.Equal(t, 100, d.Len())
}
