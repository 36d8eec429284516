package message

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// DedupKey computes the composite identifier used to suppress duplicate
// delivery. It hashes every field that distinguishes one logical message
// from another, so a server replay with the same message ID and content maps
// to the same key while any genuine difference produces a distinct one.
func DedupKey(e *Envelope) string {
	h := sha256.New()

	writeField := func(s string) {
		// Length-prefix each field so adjacent fields cannot collide by
		// shifting bytes between them.
		fmt.Fprintf(h, "%d:%s", len(s), s)
	}

	writeField(strconv.FormatInt(e.Timestamp, 10))
	writeField(contentOf(e))
	writeField(e.Sender)
	writeField(e.Receiver)
	writeField(fileURLOf(e))
	writeField(e.MessageID)

	return hex.EncodeToString(h.Sum(nil))
}

func contentOf(e *Envelope) string {
	switch p := e.Payload.(type) {
	case TextPayload:
		return p.Ciphertext
	case FilePayload:
		return p.Name
	default:
		return ""
	}
}

func fileURLOf(e *Envelope) string {
	if p, ok := e.Payload.(FilePayload); ok {
		return p.URL
	}
	return ""
}

// DedupSet is a bounded set of recently seen de-duplication keys. When the
// bound is reached the oldest entries are evicted in insertion order, which
// is sufficient because replays arrive close to the original delivery.
type DedupSet struct {
	limit int
	seen  map[string]struct{}
	order []string
}

// NewDedupSet creates a set bounded to limit entries.
func NewDedupSet(limit int) *DedupSet {
	return &DedupSet{
		limit: limit,
		seen:  make(map[string]struct{}),
	}
}

// Observe records a key and reports whether it was already present.
func (d *DedupSet) Observe(key string) bool {
	if _, dup := d.seen[key]; dup {
		return true
	}

	d.seen[key] = struct{}{}
	d.order = append(d.order, key)

	for len(d.order) > d.limit {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}

	return false
}

// Len returns the number of tracked keys.
func (d *DedupSet) Len() int {
	return len(d.seen)
}
