package syncer

import "github.com/omnivault/sync-engine/provider"

// Tracker turns pagination advance into a 0-100 progress figure. Collections
// weigh equally. Within one, progress follows the provider's item estimate
// when it gives one, otherwise a pages-done fraction that approaches but
// never reaches complete, since the total page count is unknown until the
// last page arrives.
type Tracker struct {
	collections int
	done        int

	items int
	total int
	pages int
}

func NewTracker(collections int) *Tracker {
	if collections < 1 {
		collections = 1
	}

	return &Tracker{collections: collections}
}

// StartCollection resets the per-collection counters.
func (t *Tracker) StartCollection() {
	t.items, t.total, t.pages = 0, 0, 0
}

// Observe accounts one fetched page.
func (t *Tracker) Observe(p provider.Page) {
	t.pages++
	t.items += len(p.Items)

	if p.Total > 0 {
		t.total = p.Total
	}
}

// FinishCollection marks the current collection complete.
func (t *Tracker) FinishCollection() {
	if t.done < t.collections {
		t.done++
	}

	t.items, t.total, t.pages = 0, 0, 0
}

// Percent reports overall progress capped at 99: the completed transition
// owns 100.
func (t *Tracker) Percent() int {
	pct := int(t.fraction() * 100)

	if pct > 99 {
		pct = 99
	}

	if pct < 0 {
		pct = 0
	}

	return pct
}

func (t *Tracker) fraction() float64 {
	if t.done >= t.collections {
		return 1
	}

	var current float64

	switch {
	case t.total > 0:
		current = float64(t.items) / float64(t.total)
		if current > 1 {
			current = 1
		}
	case t.pages > 0:
		current = float64(t.pages) / float64(t.pages+1)
	}

	return (float64(t.done) + current) / float64(t.collections)
}
