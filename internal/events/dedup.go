package events

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const dedupCacheSize = 4096

// Dedup discards webhook deliveries it has already seen, so that the forge
// retrying a delivery (or an operator manually redelivering one from the
// admin UI) can't re-apply it to the registry or queue twice — redelivery
// of the same event must produce identical final state. Bounded size, not
// a timestamp cutoff: a delivery ID is forgotten by eviction, never by TTL.
type Dedup struct {
	seen *lru.Cache[string, struct{}]
}

// NewDedup returns a Dedup backed by a bounded LRU of recent delivery IDs.
func NewDedup() *Dedup {
	cache, _ := lru.New[string, struct{}](dedupCacheSize) // only errors on size <= 0
	return &Dedup{seen: cache}
}

// Seen reports whether deliveryID has already been recorded, recording it if
// not. Empty delivery IDs (a forge that omits the header) are never
// deduplicated — treated as always-fresh.
func (d *Dedup) Seen(deliveryID string) bool {
	if deliveryID == "" {
		return false
	}
	if d.seen.Contains(deliveryID) {
		return true
	}
	d.seen.Add(deliveryID, struct{}{})
	return false
}
