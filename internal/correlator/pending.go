package correlator

import (
	"container/list"
	"time"

	"github.com/navid-fn/sensorhub/internal/model"
)

type entry struct {
	key     int64
	reading model.Reading
}

// pendingSet holds unmatched readings of one stream keyed by device
// timestamp. Iteration follows first insertion; overwriting a key keeps
// the original position.
type pendingSet struct {
	order *list.List
	index map[int64]*list.Element
}

func newPendingSet() *pendingSet {
	return &pendingSet{
		order: list.New(),
		index: make(map[int64]*list.Element),
	}
}

func (p *pendingSet) len() int {
	return p.order.Len()
}

func (p *pendingSet) put(r model.Reading) {
	e := entry{key: r.DeviceTimestamp, reading: r}
	if el, ok := p.index[e.key]; ok {
		el.Value = e
		return
	}
	p.index[e.key] = p.order.PushBack(e)
}

// firstWithin returns the first entry in iteration order whose key is at
// most tolerance away from ts.
func (p *pendingSet) firstWithin(ts, tolerance int64) *list.Element {
	for el := p.order.Front(); el != nil; el = el.Next() {
		if absDiff(el.Value.(entry).key, ts) <= uint64(tolerance) {
			return el
		}
	}
	return nil
}

func (p *pendingSet) removeElement(el *list.Element) {
	delete(p.index, el.Value.(entry).key)
	p.order.Remove(el)
}

func (p *pendingSet) remove(key int64) {
	if el, ok := p.index[key]; ok {
		p.removeElement(el)
	}
}

// evictOlderThan removes entries whose key is more than maxAge before now.
func (p *pendingSet) evictOlderThan(now, maxAge int64) int {
	return p.evictIf(func(e entry) bool {
		return e.key < now && absDiff(now, e.key) > uint64(maxAge)
	})
}

// evictReceivedBefore removes entries that reached the server before cutoff.
func (p *pendingSet) evictReceivedBefore(cutoff time.Time) int {
	return p.evictIf(func(e entry) bool {
		return e.reading.ReceivedAt.Before(cutoff)
	})
}

func (p *pendingSet) evictIf(stale func(entry) bool) int {
	n := 0
	for el := p.order.Front(); el != nil; {
		next := el.Next()
		if stale(el.Value.(entry)) {
			p.removeElement(el)
			n++
		}
		el = next
	}
	return n
}

func (p *pendingSet) keys() []int64 {
	keys := make([]int64, 0, p.order.Len())
	for el := p.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(entry).key)
	}
	return keys
}

// absDiff is |a-b| without overflow across the full int64 range.
func absDiff(a, b int64) uint64 {
	if a >= b {
		return uint64(a) - uint64(b)
	}
	return uint64(b) - uint64(a)
}
