package imapproto

import (
	"strings"
	"testing"
)

func TestAppendSeqRange(t *testing.T) {
	var seqs []SeqRange
	for _, v := range []uint32{1, 2, 3, 7, 8, 12} {
		seqs = AppendSeqRange(seqs, v)
	}
	want := []SeqRange{{1, 3}, {7, 8}, {12, 12}}
	if len(seqs) != len(want) {
		t.Fatalf("got %v, want %v", seqs, want)
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("got %v, want %v", seqs, want)
		}
	}
}

func TestFormatSeqs(t *testing.T) {
	tests := []struct {
		seqs []SeqRange
		want string
	}{
		{[]SeqRange{{1, 3}, {7, 7}}, "1:3,7"},
		{[]SeqRange{{5, 0}}, "5:*"},
		{[]SeqRange{{0, 0}}, "*"},
	}
	for _, test := range tests {
		buf := new(strings.Builder)
		if err := FormatSeqs(buf, test.seqs); err != nil {
			t.Fatal(err)
		}
		if buf.String() != test.want {
			t.Errorf("FormatSeqs(%v) = %q, want %q", test.seqs, buf.String(), test.want)
		}
	}
}

func TestResolveSeqs(t *testing.T) {
	got := ResolveSeqs([]SeqRange{{1, 0}, {0, 0}, {9, 4}}, 6)
	want := []SeqRange{{1, 6}, {6, 6}, {4, 9}}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if !SeqContains(got, 6) || SeqContains(got[1:2], 5) {
		t.Error("resolved '*' does not address only the max value")
	}
}
