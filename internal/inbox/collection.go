package inbox

import (
	"slices"
	"time"

	"github.com/matheus3301/livesync/internal/model"
)

// recordOps adapts a record type to the collection.
type recordOps[T any] struct {
	id      func(*T) model.ID
	created func(*T) time.Time
	read    func(*T) bool
	counts  func(*T) bool
	setRead func(*T, time.Time)
}

var notificationOps = recordOps[model.Notification]{
	id:      func(n *model.Notification) model.ID { return n.ID },
	created: func(n *model.Notification) time.Time { return n.CreatedAt },
	read:    func(n *model.Notification) bool { return n.IsRead },
	counts:  func(n *model.Notification) bool { return !n.IsRead },
	setRead: func(n *model.Notification, now time.Time) {
		n.IsRead = true
		if n.ReadAt == nil {
			n.ReadAt = &now
		}
	},
}

var messageOps = recordOps[model.Message]{
	id:      func(m *model.Message) model.ID { return m.ID },
	created: func(m *model.Message) time.Time { return m.CreatedAt },
	read:    func(m *model.Message) bool { return m.IsRead },
	counts:  func(m *model.Message) bool { return m.Counts() },
	setRead: func(m *model.Message, _ time.Time) { m.IsRead = true },
}

// collection is the merged view of one record stream.
//
// Until the first snapshot is applied the unread counter is advisory: it
// shows the larger of the last server count and the unread records pushed
// so far, so count updates and pushes converge in either order. Once
// loaded, the record list is authoritative and the counter is always
// derived from it; server counts only serve to detect drift.
//
// Read state only moves toward read. Ids marked read locally stay read
// whatever a later snapshot or push says, and so does every record of a
// snapshot fetched before a mark-all.
type collection[T any] struct {
	ops recordOps[T]

	items  []T // most recent first
	unread int
	loaded bool

	seq       uint64
	syncedSeq uint64
	pushedAt  map[model.ID]uint64
	readIDs   map[model.ID]struct{}

	// epoch advances on reset, clear and mark-all. Snapshots older than
	// clearedAt are dropped; those older than allReadAt are read.
	epoch      uint64
	clearedAt  uint64
	allReadAt  uint64
	allReadSeq uint64

	serverCount  int
	pushedUnread map[model.ID]struct{}
	lastDrift    int
}

func newCollection[T any](ops recordOps[T]) collection[T] {
	return collection[T]{
		ops:          ops,
		pushedAt:     make(map[model.ID]uint64),
		readIDs:      make(map[model.ID]struct{}),
		pushedUnread: make(map[model.ID]struct{}),
		lastDrift:    -1,
	}
}

func (c *collection[T]) reset() {
	epoch := c.epoch + 1
	*c = newCollection(c.ops)
	c.epoch = epoch
	c.clearedAt = epoch
}

func (c *collection[T]) index(id model.ID) int {
	return slices.IndexFunc(c.items, func(r T) bool { return c.ops.id(&r) == id })
}

// locallyRead reports whether r must be shown read regardless of what
// the server sent.
func (c *collection[T]) locallyRead(r *T) bool {
	_, ok := c.readIDs[c.ops.id(r)]
	return ok
}

func (c *collection[T]) recount() {
	n := 0
	for i := range c.items {
		if c.ops.counts(&c.items[i]) {
			n++
		}
	}
	c.unread = n
}

// settle recomputes the counter after any change.
func (c *collection[T]) settle() {
	if c.loaded {
		c.recount()
		return
	}
	c.unread = max(c.serverCount, len(c.pushedUnread))
}

// trackPushed records the unread state of a pushed record for the
// advisory counter.
func (c *collection[T]) trackPushed(r *T) {
	if c.loaded {
		return
	}
	if c.ops.counts(r) {
		c.pushedUnread[c.ops.id(r)] = struct{}{}
	} else {
		delete(c.pushedUnread, c.ops.id(r))
	}
}

// readBeforeLoad takes one locally read record off the advisory counter.
func (c *collection[T]) readBeforeLoad(id model.ID) {
	if c.loaded {
		return
	}
	c.serverCount = max(c.serverCount-1, 0)
	delete(c.pushedUnread, id)
}

// push merges a record delivered by the channel. It reports whether the
// record was new.
func (c *collection[T]) push(rec T, now time.Time) bool {
	id := c.ops.id(&rec)
	c.seq++
	if c.locallyRead(&rec) {
		c.ops.setRead(&rec, now)
	}

	if i := c.index(id); i >= 0 {
		old := &c.items[i]
		if c.ops.read(old) && !c.ops.read(&rec) {
			c.ops.setRead(&rec, now)
		}
		c.items[i] = rec
		c.trackPushed(&rec)
		c.settle()
		return false
	}

	c.items = append([]T{rec}, c.items...)
	c.pushedAt[id] = c.seq
	c.trackPushed(&rec)
	c.settle()
	return true
}

// setCount records an absolute unread count from the server. Before the
// first snapshot it feeds the advisory counter. Afterwards it reports true
// when the count disagrees with the list in a way not already reported.
func (c *collection[T]) setCount(n int) bool {
	n = max(n, 0)
	c.serverCount = n
	if !c.loaded {
		c.settle()
		return false
	}
	if n == c.unread {
		c.lastDrift = -1
		return false
	}
	if n == c.lastDrift {
		return false
	}
	c.lastDrift = n
	return true
}

func (c *collection[T]) drifted() bool {
	return c.loaded && c.lastDrift >= 0 && c.serverCount != c.unread
}

// current reports whether a fetch started at epoch saw the latest local
// state. Counts from stale fetches are ignored.
func (c *collection[T]) current(epoch uint64) bool {
	return epoch == c.epoch
}

// applySnapshot replaces the list with a fetched one. Records pushed
// since the previous snapshot and missing from this one are kept. A
// snapshot started before a clear or reset is dropped; one started before
// a mark-all is applied as read.
func (c *collection[T]) applySnapshot(recs []T, epoch uint64, now time.Time) bool {
	if epoch < c.clearedAt {
		return false
	}
	readAll := epoch < c.allReadAt

	seen := make(map[model.ID]struct{}, len(recs))
	items := make([]T, 0, len(recs)+len(c.pushedAt))
	for _, r := range recs {
		id := c.ops.id(&r)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if readAll && c.pushedAt[id] <= c.allReadSeq || c.locallyRead(&r) {
			c.ops.setRead(&r, now)
		} else if i := c.index(id); i >= 0 && c.ops.read(&c.items[i]) {
			c.ops.setRead(&r, now)
		}
		items = append(items, r)
	}
	for _, r := range c.items {
		id := c.ops.id(&r)
		if _, ok := seen[id]; ok {
			continue
		}
		if c.pushedAt[id] > c.syncedSeq {
			items = append(items, r)
		}
	}
	slices.SortStableFunc(items, func(a, b T) int {
		return c.ops.created(&b).Compare(c.ops.created(&a))
	})

	c.items = items
	c.loaded = true
	c.syncedSeq = c.seq
	clear(c.pushedAt)
	clear(c.pushedUnread)
	c.recount()
	if c.serverCount == c.unread {
		c.lastDrift = -1
	}
	return true
}

// markRead marks one record read. It reports whether the server should
// be told: false when the record is already read locally.
func (c *collection[T]) markRead(id model.ID, now time.Time) bool {
	if _, ok := c.readIDs[id]; ok {
		return false
	}
	i := c.index(id)
	if i >= 0 && c.ops.read(&c.items[i]) {
		c.readIDs[id] = struct{}{}
		return false
	}
	c.readIDs[id] = struct{}{}
	if i < 0 {
		// Unknown locally; only the advisory counter can reflect it.
		c.readBeforeLoad(id)
		c.settle()
		return true
	}
	if c.ops.counts(&c.items[i]) {
		c.readBeforeLoad(id)
	}
	c.ops.setRead(&c.items[i], now)
	c.settle()
	return true
}

// markMatching marks every record matching fn read and returns how many
// changed.
func (c *collection[T]) markMatching(fn func(*T) bool, now time.Time) int {
	changed := 0
	for i := range c.items {
		r := &c.items[i]
		if !fn(r) || c.ops.read(r) {
			continue
		}
		if c.ops.counts(r) {
			c.readBeforeLoad(c.ops.id(r))
		}
		c.ops.setRead(r, now)
		c.readIDs[c.ops.id(r)] = struct{}{}
		changed++
	}
	c.settle()
	return changed
}

// markAll marks every known record read and zeroes the counter. Records
// of snapshots already in flight are read too.
func (c *collection[T]) markAll(now time.Time) {
	c.markMatching(func(*T) bool { return true }, now)
	c.epoch++
	c.allReadAt = c.epoch
	c.allReadSeq = c.seq
	c.serverCount = 0
	clear(c.pushedUnread)
	c.settle()
}

// clearAll empties the list. The list stays authoritative: it is known
// to be empty.
func (c *collection[T]) clearAll() {
	c.items = nil
	c.unread = 0
	c.loaded = true
	c.epoch++
	c.clearedAt = c.epoch
	c.syncedSeq = c.seq
	clear(c.pushedAt)
	clear(c.pushedUnread)
	c.lastDrift = -1
}

func (c *collection[T]) snapshot() []T {
	return slices.Clone(c.items)
}
