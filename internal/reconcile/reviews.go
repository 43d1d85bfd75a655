package reconcile

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// reviewTracker remembers which reviews were already relayed, keyed by
// review id with a kind:text fingerprint, so edited reviews are re-posted
// exactly once per edit. State survives restarts in a small JSON file
// rewritten atomically.
type reviewTracker struct {
	path string

	mu   sync.Mutex
	seen map[string]string // review id -> fingerprint
}

func newReviewTracker(path string) *reviewTracker {
	t := &reviewTracker{path: path, seen: make(map[string]string)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("review tracker unreadable, starting empty")
		}
		return t
	}
	if err := json.Unmarshal(raw, &t.seen); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("review tracker malformed, starting empty")
		t.seen = make(map[string]string)
	}
	return t
}

// observe records a review fingerprint. Returns (isNew, isUpdated):
// both false when the review is unchanged.
func (t *reviewTracker) observe(reviewID int64, kind, text string) (bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := fmt.Sprintf("%d", reviewID)
	fp := kind + ":" + text
	old, known := t.seen[key]
	if known && old == fp {
		return false, false
	}
	t.seen[key] = fp
	t.persistLocked()
	return !known, known
}

func (t *reviewTracker) persistLocked() {
	raw, err := json.MarshalIndent(t.seen, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("encode review tracker")
		return
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		log.Error().Err(err).Msg("write review tracker")
		return
	}
	if err := os.Rename(tmp, t.path); err != nil {
		log.Error().Err(err).Msg("replace review tracker")
	}
}
