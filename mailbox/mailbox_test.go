package mailbox

import (
	"testing"
	"time"

	"spilled.ink/content"
)

func newMsg(t *testing.T) *content.Content {
	t.Helper()
	return content.Parse([]byte("Subject: hi\r\n\r\nbody\r\n"))
}

func TestAppendAssignsMonotonicUIDs(t *testing.T) {
	d := New("INBOX", 1)
	u1 := d.Append(newMsg(t), nil, time.Now(), false, nil)
	u2 := d.Append(newMsg(t), nil, time.Now(), false, nil)
	if u2 <= u1 {
		t.Fatalf("uid2 %d not greater than uid1 %d", u2, u1)
	}
}

func TestRecentOwnershipTransfer(t *testing.T) {
	d := New("INBOX", 1)
	d.Append(newMsg(t), nil, time.Now(), true, nil)

	snapA := d.Select(1, false)
	if snapA.RecentCount() != 1 {
		t.Fatalf("A RecentCount = %d, want 1", snapA.RecentCount())
	}
	snapA.Close()

	snapB := d.Select(2, false)
	if snapB.RecentCount() != 1 {
		t.Fatalf("B RecentCount = %d, want 1", snapB.RecentCount())
	}
	snapB.Close()

	snapA2 := d.Select(1, false)
	if snapA2.RecentCount() != 0 {
		t.Fatalf("A2 RecentCount = %d, want 0", snapA2.RecentCount())
	}
}

func TestExamineDoesNotTakeOwnership(t *testing.T) {
	d := New("INBOX", 1)
	d.Append(newMsg(t), nil, time.Now(), true, nil)

	examine := d.Select(1, true)
	if examine.RecentCount() != 0 {
		t.Fatalf("EXAMINE RecentCount = %d, want 0", examine.RecentCount())
	}

	sel := d.Select(2, false)
	if sel.RecentCount() != 1 {
		t.Fatalf("subsequent SELECT RecentCount = %d, want 1 (EXAMINE must not consume)", sel.RecentCount())
	}
}

func TestExpungeDescendingOrderAndReindex(t *testing.T) {
	d := New("INBOX", 1)
	var uids []uint32
	for i := 0; i < 4; i++ {
		uids = append(uids, d.Append(newMsg(t), nil, time.Now(), false, nil))
	}
	snap := d.Select(1, false)

	if _, err := d.UpdateFlags([]uint32{uids[1]}, StoreAdd, []string{FlagDeleted}, snap); err != nil {
		t.Fatal(err)
	}
	seqs := d.Expunge(nil, snap)
	if len(seqs) != 1 || seqs[0] != 2 {
		t.Fatalf("Expunge seqs = %v, want [2]", seqs)
	}
	if d.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", d.Len())
	}
}

func TestSnapshotDrainOrdering(t *testing.T) {
	d := New("INBOX", 1)
	var uids []uint32
	for i := 0; i < 4; i++ {
		uids = append(uids, d.Append(newMsg(t), nil, time.Now(), false, nil))
	}
	snapA := d.Select(1, false)
	snapB := d.Select(2, false)

	if _, err := d.UpdateFlags([]uint32{uids[1]}, StoreAdd, []string{FlagDeleted}, snapB); err != nil {
		t.Fatal(err)
	}
	d.Expunge(nil, snapB)
	d.Append(newMsg(t), nil, time.Now(), false, snapB)

	updates := snapA.Drain()
	if len(updates) < 3 {
		t.Fatalf("Drain() = %v, want at least 3 updates", updates)
	}
	if updates[0].Kind != UpdateExpunge {
		t.Errorf("updates[0].Kind = %v, want UpdateExpunge", updates[0].Kind)
	}
	last := updates[len(updates)-1]
	if last.Kind != UpdateExists && last.Kind != UpdateRecent {
		t.Errorf("last update = %v, want Exists or Recent", last)
	}
}

func TestListMailboxesWildcards(t *testing.T) {
	s := NewSet()
	if err := s.AddMailbox("Work"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMailbox("Work/Archive"); err != nil {
		t.Fatal(err)
	}

	all := s.ListMailboxes("", "*", false)
	if len(all) != 3 {
		t.Fatalf("ListMailboxes(*) = %d entries, want 3", len(all))
	}

	top := s.ListMailboxes("", "%", false)
	names := map[string]bool{}
	for _, info := range top {
		names[info.Name] = true
	}
	if names["Work/Archive"] {
		t.Errorf("%% should not match across hierarchy delimiter, got Work/Archive")
	}
	if !names["Work"] || !names["INBOX"] {
		t.Errorf("top-level names = %v, want Work and INBOX present", names)
	}
}

func TestRenameInboxLeavesFreshInbox(t *testing.T) {
	s := NewSet()
	if err := s.RenameMailbox("INBOX", "Old-Inbox"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetMailbox("INBOX"); err != nil {
		t.Errorf("GetMailbox(INBOX) after rename: %v", err)
	}
	if _, err := s.GetMailbox("Old-Inbox"); err != nil {
		t.Errorf("GetMailbox(Old-Inbox): %v", err)
	}
}
