// Package mailbox implements the in-memory mailbox state machine: UID
// assignment, flag storage, \Recent ownership, and the per-session
// snapshot/event-diffing model that the IMAP session engine drains into
// untagged responses.
package mailbox

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"spilled.ink/content"
)

// SessionID identifies a session for the purposes of \Recent ownership
// and per-session watermarks. It is opaque to this package; the session
// engine assigns one per connection.
type SessionID uint64

// System flags, in their canonical wire form.
const (
	FlagSeen     = "\\Seen"
	FlagAnswered = "\\Answered"
	FlagFlagged  = "\\Flagged"
	FlagDeleted  = "\\Deleted"
	FlagDraft    = "\\Draft"
	FlagRecent   = "\\Recent"
)

// Message is one stored message: a parsed content tree bound to a UID,
// its internal date, and its mutable flag set.
type Message struct {
	UID          uint32
	Content      *content.Content
	InternalDate time.Time

	flags map[string]bool
}

// Flags returns the sorted list of flags currently set on m. Safe to call
// without the owning mailbox's lock only if the message cannot be
// concurrently mutated; callers within this package always hold the lock.
func (m *Message) Flags() []string {
	return sortedKeys(m.flags)
}

func (m *Message) hasFlag(flag string) bool {
	return m.flags[flag]
}

func sortedKeys(m map[string]bool) []string {
	ret := make([]string, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

// ErrNoSuchMessage is returned when a UID or sequence selector matches no
// live message.
var ErrNoSuchMessage = fmt.Errorf("mailbox: no such message")

// Data is a single mailbox's live state: its messages, flag vocabulary,
// and the snapshots currently subscribed to its change events.
type Data struct {
	mu sync.Mutex

	name        string
	uidValidity uint32
	nextUID     uint32
	readonly    bool

	messages   []*Message // ordered by UID, i.e. by arrival
	flagsSeen  map[string]bool
	owner      SessionID
	watermarks map[SessionID]uint32 // highest UID each session has already observed as non-recent
	baseline   uint32               // highest UID ever appended without the recent hint

	snapshots map[*Snapshot]bool
}

// New creates an empty mailbox named name with the given UIDVALIDITY.
func New(name string, uidValidity uint32) *Data {
	return &Data{
		name:        name,
		uidValidity: uidValidity,
		nextUID:     1,
		flagsSeen:   map[string]bool{},
		watermarks:  map[SessionID]uint32{},
		snapshots:   map[*Snapshot]bool{},
	}
}

func (d *Data) Name() string        { return d.name }
func (d *Data) UIDValidity() uint32 { return d.uidValidity }

func (d *Data) SetReadonly(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readonly = v
}

func (d *Data) Readonly() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readonly
}

// Append assigns the next UID to c and inserts it at the tail. If recent
// is true, the message is eligible to appear in the current owner's
// \Recent set (see Select). Every other subscribed snapshot observes the
// insertion as an EXISTS event, never as \Recent. origin, if non-nil, is
// the snapshot whose command caused this append; it is excluded from the
// broadcast since its caller observes the new UID as a direct result.
func (d *Data) Append(c *content.Content, flags []string, date time.Time, recent bool, origin *Snapshot) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	uid := d.nextUID
	d.nextUID++

	flagSet := map[string]bool{}
	for _, f := range flags {
		if f == FlagRecent {
			continue // \Recent is never a stored flag, only a derived view
		}
		flagSet[f] = true
		d.flagsSeen[f] = true
	}
	msg := &Message{UID: uid, Content: c, InternalDate: date, flags: flagSet}
	d.messages = append(d.messages, msg)

	d.broadcastLocked(event{kind: eventExists, uid: uid}, origin)

	if !recent {
		// Never eligible for \Recent, for any session: a later SELECT
		// must not report it just because that session has no
		// watermark yet.
		d.baseline = uid
	} else if d.owner != 0 {
		// A session currently owns \Recent: the new arrival is
		// immediately visible to it, and its watermark advances past
		// this UID so a later re-select won't show it again.
		if snap := d.ownerSnapshotLocked(); snap != nil {
			snap.addRecentLocked(uid)
		}
		d.watermarks[d.owner] = uid
	}
	return uid
}

// Get returns the live message with the given UID.
func (d *Data) Get(uid uint32) (*Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getLocked(uid)
}

func (d *Data) getLocked(uid uint32) (*Message, bool) {
	i := sort.Search(len(d.messages), func(i int) bool { return d.messages[i].UID >= uid })
	if i < len(d.messages) && d.messages[i].UID == uid {
		return d.messages[i], true
	}
	return nil, false
}

// StoreMode selects how UpdateFlags combines the requested flags with a
// message's existing set.
type StoreMode int

const (
	StoreSet StoreMode = iota
	StoreAdd
	StoreRemove
)

// UpdateFlags applies op with flags to every message whose UID is in
// uids, in order. \Recent cannot be set or cleared through this call. It
// returns the resulting flag set of each updated message and notifies
// every other snapshot with a flags event.
func (d *Data) UpdateFlags(uids []uint32, op StoreMode, flags []string, origin *Snapshot) (map[uint32][]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	clean := make([]string, 0, len(flags))
	for _, f := range flags {
		if f == FlagRecent {
			continue
		}
		clean = append(clean, f)
		d.flagsSeen[f] = true
	}

	result := make(map[uint32][]string, len(uids))
	for _, uid := range uids {
		msg, ok := d.getLocked(uid)
		if !ok {
			return nil, fmt.Errorf("mailbox: uid %d: %w", uid, ErrNoSuchMessage)
		}
		switch op {
		case StoreSet:
			msg.flags = map[string]bool{}
			for _, f := range clean {
				msg.flags[f] = true
			}
		case StoreAdd:
			for _, f := range clean {
				msg.flags[f] = true
			}
		case StoreRemove:
			for _, f := range clean {
				delete(msg.flags, f)
			}
		}
		flagsNow := msg.Flags()
		result[uid] = flagsNow
		d.broadcastLocked(event{kind: eventFlags, uid: uid, flags: flagsNow}, origin)
	}
	return result, nil
}

// Expunge removes every message with \Deleted set, restricted to uids
// when non-nil. It returns the sequence numbers removed, computed
// against the pre-expunge ordering and returned in descending order, the
// order in which a client must apply them. origin is excluded from the
// broadcast (the expunging session sees the removed sequence numbers as
// this call's direct return value).
func (d *Data) Expunge(uids map[uint32]bool, origin *Snapshot) []int {
	d.mu.Lock()
	defer d.mu.Unlock()

	var removedSeqs []int
	kept := d.messages[:0:0]
	for i, msg := range d.messages {
		remove := msg.hasFlag(FlagDeleted)
		if remove && uids != nil && !uids[msg.UID] {
			remove = false
		}
		if remove {
			removedSeqs = append(removedSeqs, i+1)
			d.broadcastLocked(event{kind: eventExpunge, uid: msg.UID, seq: i + 1}, origin)
			continue
		}
		kept = append(kept, msg)
	}
	d.messages = kept

	for i := len(removedSeqs)/2 - 1; i >= 0; i-- {
		j := len(removedSeqs) - 1 - i
		removedSeqs[i], removedSeqs[j] = removedSeqs[j], removedSeqs[i]
	}
	return removedSeqs
}

// Len returns the number of live messages.
func (d *Data) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

// Messages returns a snapshot slice of the currently live messages, in
// sequence order.
func (d *Data) Messages() []*Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	ret := make([]*Message, len(d.messages))
	copy(ret, d.messages)
	return ret
}

// FlagsSeen returns every flag name ever applied in this mailbox
// (system flags and user-defined keywords alike), sorted. Used for a
// SELECT's untagged FLAGS response.
func (d *Data) FlagsSeen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sortedKeys(d.flagsSeen)
}

// UIDNext returns the UID that will be assigned to the next appended
// message, for STATUS and SELECT untagged responses.
func (d *Data) UIDNext() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextUID
}

// UnseenCount returns the number of live messages without \Seen set.
func (d *Data) UnseenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, msg := range d.messages {
		if !msg.hasFlag(FlagSeen) {
			n++
		}
	}
	return n
}

// RecentCount reports how many live messages are newer than any session
// has ever observed as non-recent. Used by STATUS, which has no
// selecting session of its own to ask a Snapshot's RecentCount instead.
func (d *Data) RecentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	maxWatermark := d.baseline
	for _, wm := range d.watermarks {
		if wm > maxWatermark {
			maxWatermark = wm
		}
	}
	n := 0
	for _, msg := range d.messages {
		if msg.UID > maxWatermark {
			n++
		}
	}
	return n
}

func (d *Data) maxUIDLocked() uint32 {
	if len(d.messages) == 0 {
		return 0
	}
	return d.messages[len(d.messages)-1].UID
}

func (d *Data) ownerSnapshotLocked() *Snapshot {
	for s := range d.snapshots {
		if s.session == d.owner {
			return s
		}
	}
	return nil
}

// Select produces a SelectedSnapshot pinned at the mailbox's current
// state. readonly corresponds to EXAMINE: it never takes \Recent
// ownership and never advances the session's watermark.
func (d *Data) Select(session SessionID, readonly bool) *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := &Snapshot{mailbox: d, session: session, notify: make(chan struct{}, 1)}
	snap.seqToUID = make([]uint32, len(d.messages))
	for i, msg := range d.messages {
		snap.seqToUID[i] = msg.UID
	}

	if !readonly {
		wm := d.watermarks[session]
		if d.baseline > wm {
			wm = d.baseline
		}
		recent := map[uint32]bool{}
		for _, msg := range d.messages {
			if msg.UID > wm {
				recent[msg.UID] = true
			}
		}
		snap.recent = recent

		// Ownership transfers to this session; the previous owner's
		// \Recent view is cleared at the source.
		if prev := d.ownerSnapshotLocked(); prev != nil && prev.session != session {
			prev.clearRecent()
		}
		d.owner = session
		d.watermarks[session] = d.maxUIDLocked()
	} else {
		snap.recent = map[uint32]bool{}
	}

	d.snapshots[snap] = true
	return snap
}

func (d *Data) unsubscribe(snap *Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.snapshots, snap)
	if d.owner == snap.session {
		d.owner = 0
	}
}

// event is a mutation fact pushed to every subscribed snapshot except the
// one that originated it (the originator observes its own command's
// direct result instead).
type eventKind int

const (
	eventExists eventKind = iota
	eventFlags
	eventExpunge
)

type event struct {
	kind  eventKind
	uid   uint32
	seq   int // only meaningful for eventExpunge
	flags []string
}

func (d *Data) broadcastLocked(ev event, origin *Snapshot) {
	for snap := range d.snapshots {
		if snap == origin {
			continue
		}
		snap.push(ev)
	}
}
