package monitor

// ring is a bounded append-only buffer that evicts its oldest entries.
type ring[T any] struct {
	items []T
	size  int
}

func newRing[T any](size int) *ring[T] {
	return &ring[T]{items: make([]T, 0, size), size: size}
}

func (r *ring[T]) push(v T) {
	if len(r.items) == r.size {
		copy(r.items, r.items[1:])
		r.items[len(r.items)-1] = v
		return
	}
	r.items = append(r.items, v)
}

// newest walks from the most recent entry and returns up to limit matches.
// limit <= 0 means no limit.
func (r *ring[T]) newest(limit int, match func(T) bool) []T {
	out := make([]T, 0)
	for i := len(r.items) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if match(r.items[i]) {
			out = append(out, r.items[i])
		}
	}
	return out
}
