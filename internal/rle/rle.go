// Package rle contains run-length tables of (count, value) entries
// and a cursor that consumes them item by item.
package rle

// Integer is the set of values a run-length entry can carry.
type Integer interface {
	~int32 | ~uint32 | ~int64 | ~uint64
}

// Entry is a run of Count items sharing the same value.
type Entry[V Integer] struct {
	Count uint32
	Value V
}

// Items returns the number of items covered by a table.
func Items[V Integer](entries []Entry[V]) uint64 {
	var n uint64
	for _, e := range entries {
		n += uint64(e.Count)
	}
	return n
}

// Sum returns the sum of the values of the first n items of a table.
// Items beyond the table are ignored.
func Sum[V Integer](entries []Entry[V], n uint32) int64 {
	var sum int64
	for _, e := range entries {
		if n == 0 {
			break
		}
		c := min(e.Count, n)
		sum += int64(c) * int64(e.Value)
		n -= c
	}
	return sum
}

// Total returns the sum of the values of all items of a table.
func Total[V Integer](entries []Entry[V]) int64 {
	var sum int64
	for _, e := range entries {
		sum += int64(e.Count) * int64(e.Value)
	}
	return sum
}

// At returns the value of the i-th item of a table.
func At[V Integer](entries []Entry[V], i uint32) (V, bool) {
	for _, e := range entries {
		if i < e.Count {
			return e.Value, true
		}
		i -= e.Count
	}
	var zero V
	return zero, false
}

// Cursor consumes a run-length table item by item.
// A run can be split across consecutive Take calls, in which case the remainder
// is carried into the next call.
type Cursor[V Integer] struct {
	entries []Entry[V]
	idx     int
	used    uint32
}

// NewCursor allocates a Cursor.
func NewCursor[V Integer](entries []Entry[V]) *Cursor[V] {
	return &Cursor[V]{entries: entries}
}

// Take consumes up to n items. It returns the consumed items re-encoded as a table
// and the number of items actually consumed, which is lower than n only when the
// table is exhausted.
func (c *Cursor[V]) Take(n uint32) ([]Entry[V], uint32) {
	var out []Entry[V]
	var taken uint32

	for taken < n && c.idx < len(c.entries) {
		e := c.entries[c.idx]
		left := e.Count - c.used

		if left == 0 {
			c.idx++
			c.used = 0
			continue
		}

		k := min(left, n-taken)
		out = append(out, Entry[V]{Count: k, Value: e.Value})
		taken += k
		c.used += k

		if c.used == e.Count {
			c.idx++
			c.used = 0
		}
	}

	return out, taken
}

// Done reports whether the table has been fully consumed.
func (c *Cursor[V]) Done() bool {
	if c.idx >= len(c.entries) {
		return true
	}
	if c.entries[c.idx].Count > c.used {
		return false
	}
	for _, e := range c.entries[c.idx+1:] {
		if e.Count > 0 {
			return false
		}
	}
	return true
}
