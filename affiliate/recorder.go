package affiliate

import (
	"fmt"
	"strings"
	"sync"
)

// Recorder tracks which referrer, if any, is attributed to a pending
// checkout. Attribution is scoped to a (session, product) pair and lives in
// memory: it only needs to survive until the checkout reaches a terminal
// state, at which point a successful sale is persisted to the sales log.
type Recorder struct {
	mu   sync.Mutex
	refs map[string]string
}

// NewRecorder constructs an empty attribution recorder.
func NewRecorder() *Recorder {
	return &Recorder{refs: make(map[string]string)}
}

func attributionKey(sessionID string, productID uint64) string {
	return fmt.Sprintf("%s|%d", strings.TrimSpace(sessionID), productID)
}

// Attribute records a referrer for a pending checkout. An empty referrer
// clears any existing attribution.
func (r *Recorder) Attribute(sessionID string, productID uint64, referrer string) {
	if r == nil {
		return
	}
	key := attributionKey(sessionID, productID)
	r.mu.Lock()
	defer r.mu.Unlock()
	trimmed := strings.TrimSpace(referrer)
	if trimmed == "" {
		delete(r.refs, key)
		return
	}
	r.refs[key] = strings.ToLower(trimmed)
}

// Referrer returns the attributed referrer for a pending checkout.
func (r *Recorder) Referrer(sessionID string, productID uint64) (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.refs[attributionKey(sessionID, productID)]
	return ref, ok
}

// Clear drops the attribution once the checkout has settled.
func (r *Recorder) Clear(sessionID string, productID uint64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.refs, attributionKey(sessionID, productID))
}
