package rowid

import (
	"strconv"

	"github.com/roach88/tickstate/internal/ir"
)

// trackKey is a bucket key derived from an item's trackBy value. It is a
// distinct type so it never collides with an item reference.
type trackKey string

// reconcile computes the ids for items given the previous state of the list.
// It returns the new ids and the previous ids that were not kept.
func (s *Store) reconcile(stateKey string, prev *ListState, items ir.Array, trackBy string) (next, dropped []RowID) {
	// 1. Same collection.
	if ir.Same(prev.Items, items) {
		return prev.IDs, nil
	}

	keysAvailable := trackBy != "" && allKeyed(prev.Items, trackBy) && allKeyed(items, trackBy)
	sameLen := len(prev.Items) == len(items)

	// 2. Same keys in the same order.
	if keysAvailable && sameLen && sameKeys(prev.Items, items, trackBy) {
		return prev.IDs, nil
	}

	// 3. No reference moved: keep ids by position.
	if (trackBy != "" && !keysAvailable) || (trackBy == "" && sameLen) {
		if !anyReferenceMoved(prev.Items, items) {
			return s.alignByIndex(stateKey, prev.IDs, len(items))
		}
	}

	// 4. Bucket previous ids by key, hand them out first-in first-out.
	buckets := make(map[any][]RowID, len(prev.Items))
	for i, item := range prev.Items {
		k := bucketKey(item, trackBy)
		buckets[k] = append(buckets[k], prev.IDs[i])
	}

	next = make([]RowID, len(items))
	for i, item := range items {
		k := bucketKey(item, trackBy)
		if q := buckets[k]; len(q) > 0 {
			next[i] = q[0]
			buckets[k] = q[1:]
			continue
		}
		next[i] = s.mint(stateKey)
	}

	// Leftovers, in previous index order.
	kept := make(map[RowID]bool, len(next))
	for _, id := range next {
		kept[id] = true
	}
	for _, id := range prev.IDs {
		if !kept[id] {
			dropped = append(dropped, id)
		}
	}
	return next, dropped
}

// alignByIndex keeps ids[i] for every surviving index, mints ids for a
// longer list and drops the tail of a shorter one.
func (s *Store) alignByIndex(stateKey string, ids []RowID, n int) (next, dropped []RowID) {
	next = make([]RowID, n)
	copy(next, ids)
	for i := len(ids); i < n; i++ {
		next[i] = s.mint(stateKey)
	}
	if n < len(ids) {
		dropped = append(dropped, ids[n:]...)
	}
	return next, dropped
}

// anyReferenceMoved matches each new item to the first unmatched previous
// occurrence of the same reference and reports whether any match changed
// index. Items with no previous occurrence do not count as moved.
func anyReferenceMoved(prev, items ir.Array) bool {
	positions := make(map[any][]int, len(prev))
	for i, item := range prev {
		r := ir.Ref(item)
		positions[r] = append(positions[r], i)
	}
	for i, item := range items {
		r := ir.Ref(item)
		q := positions[r]
		if len(q) == 0 {
			continue
		}
		if q[0] != i {
			return true
		}
		positions[r] = q[1:]
	}
	return false
}

func keyOf(item ir.Value, trackBy string) (ir.Value, bool) {
	v, ok := ir.GetPath(item, trackBy)
	if !ok || !ir.Defined(v) {
		return nil, false
	}
	return v, true
}

func allKeyed(items ir.Array, trackBy string) bool {
	for _, item := range items {
		if _, ok := keyOf(item, trackBy); !ok {
			return false
		}
	}
	return true
}

func sameKeys(prev, items ir.Array, trackBy string) bool {
	for i := range items {
		a, _ := keyOf(prev[i], trackBy)
		b, _ := keyOf(items[i], trackBy)
		if keyToken(a) != keyToken(b) {
			return false
		}
	}
	return true
}

// bucketKey is the trackBy key of item when it has one, else its reference.
func bucketKey(item ir.Value, trackBy string) any {
	if trackBy != "" {
		if k, ok := keyOf(item, trackBy); ok {
			return keyToken(k)
		}
	}
	return ir.Ref(item)
}

// keyToken renders a key value so that equal keys compare equal. Scalars are
// tagged by kind so 1 and "1" stay distinct; composites use canonical JSON.
func keyToken(v ir.Value) trackKey {
	switch k := v.(type) {
	case ir.String:
		return trackKey("s:" + string(k))
	case ir.Int:
		return trackKey("i:" + strconv.FormatInt(int64(k), 10))
	case ir.Bool:
		return trackKey("b:" + strconv.FormatBool(bool(k)))
	default:
		b, err := ir.MarshalCanonical(v)
		if err != nil {
			return trackKey("?:" + ir.Kind(v))
		}
		return trackKey("j:" + string(b))
	}
}
