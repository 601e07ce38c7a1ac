package mailbox

import (
	"sort"
	"sync"
)

// Snapshot is one session's selected view of a mailbox: a pinned
// sequence-number <-> UID mapping, a \Recent set computed at selection
// time (extended by new arrivals while this snapshot's session owns
// \Recent, and emptied when another session takes ownership), and a queue of events accumulated from the live
// mailbox since then. The session engine calls Drain before each tagged
// response to turn the queue into ordered untagged updates.
type Snapshot struct {
	mailbox *Data
	session SessionID

	mu       sync.Mutex
	seqToUID []uint32
	recent   map[uint32]bool
	pending  []event
	notify   chan struct{} // buffered 1; signaled whenever pending grows
}

// Mailbox returns the mailbox this snapshot was selected against.
func (s *Snapshot) Mailbox() *Data { return s.mailbox }

// Close unsubscribes the snapshot from further mailbox events, releasing
// \Recent ownership if this snapshot held it.
func (s *Snapshot) Close() {
	s.mailbox.unsubscribe(s)
}

// Len returns the number of messages in the snapshot's current sequence
// mapping (reflecting any events already drained).
func (s *Snapshot) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seqToUID)
}

// SeqOf returns the 1-indexed sequence number currently assigned to uid
// within this snapshot, if it is still present.
func (s *Snapshot) SeqOf(uid uint32) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, u := range s.seqToUID {
		if u == uid {
			return i + 1, true
		}
	}
	return 0, false
}

// UIDAt returns the UID at the given 1-indexed sequence number.
func (s *Snapshot) UIDAt(seq int) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < 1 || seq > len(s.seqToUID) {
		return 0, false
	}
	return s.seqToUID[seq-1], true
}

// MaxUID returns the highest UID currently in the snapshot's sequence
// mapping, or 0 if it is empty. Used to resolve '*' in a UID set.
func (s *Snapshot) MaxUID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seqToUID) == 0 {
		return 0
	}
	return s.seqToUID[len(s.seqToUID)-1]
}

// UIDs returns a copy of the snapshot's current sequence->UID mapping,
// in sequence order.
func (s *Snapshot) UIDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.seqToUID))
	copy(out, s.seqToUID)
	return out
}

// RemoveSeq removes the entry at the given 1-indexed sequence number
// directly, without going through the event queue. A command that
// excluded its own snapshot from a mutation's broadcast (passing itself
// as origin) calls this to keep its view in sync with the change it
// already knows about and is reporting itself.
func (s *Snapshot) RemoveSeq(seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < 1 || seq > len(s.seqToUID) {
		return
	}
	uid := s.seqToUID[seq-1]
	s.seqToUID = append(s.seqToUID[:seq-1], s.seqToUID[seq:]...)
	delete(s.recent, uid)
}

// RecentCount returns the number of messages this snapshot considers
// \Recent. Only the mailbox's current \Recent owner ever has a non-zero
// count (see Data.Select).
func (s *Snapshot) RecentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recent)
}

// IsRecent reports whether uid is \Recent within this snapshot.
func (s *Snapshot) IsRecent(uid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent[uid]
}

func (s *Snapshot) addRecentLocked(uid uint32) {
	// Called with the mailbox's lock held, not the snapshot's; the
	// snapshot's own lock still guards its fields independently.
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent[uid] = true
}

// clearRecent empties the snapshot's \Recent view. Called by the
// mailbox when another session's SELECT takes over ownership.
func (s *Snapshot) clearRecent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = map[uint32]bool{}
}

func (s *Snapshot) push(ev event) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	if s.notify != nil {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// Notify returns the channel IDLE waits on: it receives a value
// whenever a mutation from another session adds to this snapshot's
// pending queue. The channel is never closed.
func (s *Snapshot) Notify() <-chan struct{} {
	return s.notify
}

// Update is one untagged update ready to be written to the wire.
type Update struct {
	Kind  UpdateKind
	Seq   int      // EXPUNGE, Flags
	UID   uint32   // Flags
	Flags []string // Flags
	Count int      // Exists, Recent
}

type UpdateKind int

const (
	UpdateExpunge UpdateKind = iota
	UpdateExists
	UpdateRecent
	UpdateFlags
)

// Drain consumes the pending event queue and returns the untagged
// updates it implies, in the fixed order the protocol requires: EXPUNGE
// (descending sequence number, so each is valid as the client applies
// it), a single coalesced EXISTS, a single RECENT, then one FETCH-flags
// update per message whose flags changed.
func (s *Snapshot) Drain() []Update {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var expungedUIDs []uint32
	existsChanged := false
	flagChanges := map[uint32][]string{}
	var flagOrder []uint32

	for _, ev := range pending {
		switch ev.kind {
		case eventExpunge:
			expungedUIDs = append(expungedUIDs, ev.uid)
		case eventExists:
			s.mu.Lock()
			s.seqToUID = append(s.seqToUID, ev.uid)
			s.mu.Unlock()
			existsChanged = true
		case eventFlags:
			if _, ok := flagChanges[ev.uid]; !ok {
				flagOrder = append(flagOrder, ev.uid)
			}
			flagChanges[ev.uid] = ev.flags
		}
	}

	var updates []Update

	// Resolve every expunged UID against the pre-removal mapping and
	// emit in descending sequence-number order: removing a higher
	// sequence never shifts a lower one, so each emitted number is
	// valid at the moment the client applies it.
	if len(expungedUIDs) > 0 {
		s.mu.Lock()
		seqs := make([]int, 0, len(expungedUIDs))
		for _, uid := range expungedUIDs {
			for i, u := range s.seqToUID {
				if u == uid {
					seqs = append(seqs, i+1)
					break
				}
			}
		}
		sort.Sort(sort.Reverse(sort.IntSlice(seqs)))
		for _, seq := range seqs {
			uid := s.seqToUID[seq-1]
			s.seqToUID = append(s.seqToUID[:seq-1], s.seqToUID[seq:]...)
			delete(s.recent, uid)
			updates = append(updates, Update{Kind: UpdateExpunge, Seq: seq})
		}
		s.mu.Unlock()
	}

	if existsChanged || len(updates) > 0 {
		updates = append(updates, Update{Kind: UpdateExists, Count: s.Len()})
		updates = append(updates, Update{Kind: UpdateRecent, Count: s.RecentCount()})
	}

	for _, uid := range flagOrder {
		seq, ok := s.SeqOf(uid)
		if !ok {
			continue
		}
		updates = append(updates, Update{Kind: UpdateFlags, Seq: seq, UID: uid, Flags: flagChanges[uid]})
	}

	return updates
}
