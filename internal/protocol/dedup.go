package protocol

// Dedup suppresses re-delivery of recently seen envelope ids. It keeps the
// most recent N ids in a ring; when the ring wraps, the oldest id becomes
// eligible again. The contract is at-least-once delivery with idempotent
// dedup inside the window, not exactly-once.
type Dedup struct {
	ring []string
	seen map[string]int // id -> ring slot
	next int
}

// DefaultDedupWindow is the number of recent ids retained per connection.
const DefaultDedupWindow = 2000

// NewDedup creates a dedup cache holding the most recent window ids.
func NewDedup(window int) *Dedup {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Dedup{
		ring: make([]string, window),
		seen: make(map[string]int, window),
	}
}

// Observe records id and reports whether it was already inside the window.
func (d *Dedup) Observe(id string) bool {
	if _, dup := d.seen[id]; dup {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.seen[id] = d.next
	d.next = (d.next + 1) % len(d.ring)
	return false
}

// Contains reports whether id is inside the window without recording it.
func (d *Dedup) Contains(id string) bool {
	_, ok := d.seen[id]
	return ok
}

// Len returns the number of ids currently retained.
func (d *Dedup) Len() int {
	return len(d.seen)
}
