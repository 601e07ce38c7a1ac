package mailbox

import (
	"testing"
	"time"
)

func fill(t *testing.T, d *Data, n int) []uint32 {
	t.Helper()
	var uids []uint32
	for i := 0; i < n; i++ {
		uids = append(uids, d.Append(newMsg(t), nil, time.Now(), false, nil))
	}
	return uids
}

func TestDrainMultipleExpungesDescending(t *testing.T) {
	d := New("INBOX", 1)
	uids := fill(t, d, 3)
	snapA := d.Select(1, false)
	snapB := d.Select(2, false)

	// B deletes the first and the last message, in ascending order.
	if _, err := d.UpdateFlags([]uint32{uids[0], uids[2]}, StoreAdd, []string{FlagDeleted}, snapB); err != nil {
		t.Fatal(err)
	}
	d.Expunge(nil, snapB)

	updates := snapA.Drain()
	var expunges []int
	for _, u := range updates {
		if u.Kind == UpdateExpunge {
			expunges = append(expunges, u.Seq)
		}
	}
	// Descending order: a client applying [3 1] against the view
	// [1 2 3] removes uids[2] then uids[0]. The ascending pair [1 2]
	// would remove uids[0] then uids[2] only by accident of shifting;
	// [1 3] would be wrong outright.
	if len(expunges) != 2 || expunges[0] != 3 || expunges[1] != 1 {
		t.Fatalf("expunge seqs = %v, want [3 1]", expunges)
	}

	if snapA.Len() != 1 {
		t.Fatalf("snapA.Len() = %d, want 1", snapA.Len())
	}
	if uid, _ := snapA.UIDAt(1); uid != uids[1] {
		t.Fatalf("remaining uid = %d, want %d", uid, uids[1])
	}
}

func TestDrainEmitsExistsAfterExpunge(t *testing.T) {
	d := New("INBOX", 1)
	uids := fill(t, d, 4)
	snapA := d.Select(1, false)
	snapB := d.Select(2, false)

	if _, err := d.UpdateFlags([]uint32{uids[1]}, StoreAdd, []string{FlagDeleted}, snapB); err != nil {
		t.Fatal(err)
	}
	d.Expunge(nil, snapB)

	updates := snapA.Drain()
	if len(updates) < 2 {
		t.Fatalf("Drain() = %v, want EXPUNGE then EXISTS", updates)
	}
	if updates[0].Kind != UpdateExpunge || updates[0].Seq != 2 {
		t.Errorf("updates[0] = %+v, want EXPUNGE seq 2", updates[0])
	}
	if updates[1].Kind != UpdateExists || updates[1].Count != 3 {
		t.Errorf("updates[1] = %+v, want EXISTS 3", updates[1])
	}
}

func TestExpungeWithoutDeletedIsNoOp(t *testing.T) {
	d := New("INBOX", 1)
	fill(t, d, 3)
	snapA := d.Select(1, false)
	snapB := d.Select(2, false)

	if seqs := d.Expunge(nil, snapB); len(seqs) != 0 {
		t.Fatalf("Expunge() = %v, want none", seqs)
	}
	if updates := snapA.Drain(); len(updates) != 0 {
		t.Fatalf("Drain() = %v, want no updates", updates)
	}
}

// Two snapshots that observe the same event prefix must agree on the
// sequence-number/UID mapping.
func TestSnapshotsAgreeAfterSameEvents(t *testing.T) {
	d := New("INBOX", 1)
	uids := fill(t, d, 4)
	snapA := d.Select(1, false)
	snapB := d.Select(2, true)

	origin := d.Select(3, true)
	if _, err := d.UpdateFlags([]uint32{uids[0]}, StoreAdd, []string{FlagDeleted}, origin); err != nil {
		t.Fatal(err)
	}
	d.Expunge(nil, origin)
	d.Append(newMsg(t), nil, time.Now(), false, origin)

	snapA.Drain()
	snapB.Drain()

	if snapA.Len() != snapB.Len() {
		t.Fatalf("Len: %d != %d", snapA.Len(), snapB.Len())
	}
	for seq := 1; seq <= snapA.Len(); seq++ {
		ua, _ := snapA.UIDAt(seq)
		ub, _ := snapB.UIDAt(seq)
		if ua != ub {
			t.Errorf("seq %d: %d != %d", seq, ua, ub)
		}
	}
}

func TestNotifySignalsOnForeignMutation(t *testing.T) {
	d := New("INBOX", 1)
	snap := d.Select(1, false)

	select {
	case <-snap.Notify():
		t.Fatal("Notify fired before any mutation")
	default:
	}

	d.Append(newMsg(t), nil, time.Now(), false, nil)

	select {
	case <-snap.Notify():
	default:
		t.Fatal("Notify did not fire after append")
	}
}

func TestOwnershipTransferClearsPreviousOwner(t *testing.T) {
	d := New("INBOX", 1)
	d.Append(newMsg(t), nil, time.Now(), true, nil)

	snapA := d.Select(1, false)
	if snapA.RecentCount() != 1 {
		t.Fatalf("A RecentCount = %d, want 1", snapA.RecentCount())
	}

	snapB := d.Select(2, false)
	if snapB.RecentCount() != 1 {
		t.Fatalf("B RecentCount = %d, want 1", snapB.RecentCount())
	}
	if snapA.RecentCount() != 0 {
		t.Fatalf("A RecentCount after B takes ownership = %d, want 0", snapA.RecentCount())
	}
}

func TestLoadedMessagesWithoutHintAreNotRecent(t *testing.T) {
	d := New("INBOX", 1)
	fill(t, d, 3)
	d.Append(newMsg(t), nil, time.Now(), true, nil)

	snap := d.Select(1, false)
	if snap.RecentCount() != 1 {
		t.Fatalf("RecentCount = %d, want 1 (only the hinted message)", snap.RecentCount())
	}
}
