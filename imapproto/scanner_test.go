package imapproto

import (
	"bufio"
	"strings"
	"testing"
)

func newTestScanner(t *testing.T, input string) *Scanner {
	t.Helper()
	f := filer.BufferFile(1024)
	t.Cleanup(func() { f.Close() })
	return NewScanner(bufio.NewReader(strings.NewReader(input)), f, nil)
}

func TestScannerSequences(t *testing.T) {
	tests := []struct {
		input string
		want  []SeqRange
	}{
		{"1\r\n", []SeqRange{{1, 1}}},
		{"1:4\r\n", []SeqRange{{1, 4}}},
		{"4:1\r\n", []SeqRange{{1, 4}}},
		{"1:*\r\n", []SeqRange{{1, 0}}},
		{"*\r\n", []SeqRange{{0, 0}}},
		{"1,3,5:7\r\n", []SeqRange{{1, 1}, {3, 3}, {5, 7}}},
	}
	for _, test := range tests {
		s := newTestScanner(t, test.input)
		if !s.Next(TokenSequences) {
			t.Errorf("%q: Next(TokenSequences) failed: %v", test.input, s.Error)
			continue
		}
		if len(s.Sequences) != len(test.want) {
			t.Errorf("%q: got %v, want %v", test.input, s.Sequences, test.want)
			continue
		}
		for i := range test.want {
			if s.Sequences[i] != test.want[i] {
				t.Errorf("%q: seq[%d] = %v, want %v", test.input, i, s.Sequences[i], test.want[i])
			}
		}
	}
}

func TestScannerQuotedString(t *testing.T) {
	s := newTestScanner(t, `"hello \"world\" \\ done"`+"\r\n")
	if !s.Next(TokenString) {
		t.Fatalf("Next(TokenString) failed: %v", s.Error)
	}
	if got, want := string(s.Value), `hello "world" \ done`; got != want {
		t.Errorf("Value = %q, want %q", got, want)
	}
}

func TestScannerBadQuotedString(t *testing.T) {
	s := newTestScanner(t, `"no end`+"\r\n")
	if s.Next(TokenString) {
		t.Fatal("Next(TokenString) succeeded on unterminated string")
	}
	if s.Error == nil {
		t.Fatal("no scanner error for unterminated string")
	}
}

func TestScannerFlag(t *testing.T) {
	for _, good := range []string{`\Seen`, `\Deleted`, `keyword`, `$Forwarded`} {
		s := newTestScanner(t, good+"\r\n")
		if !s.Next(TokenFlag) {
			t.Errorf("%q: Next(TokenFlag) failed: %v", good, s.Error)
		}
	}
	s := newTestScanner(t, `\Bogus`+"\r\n")
	if s.Next(TokenFlag) {
		t.Error(`\Bogus scanned as a flag`)
	}
}

func TestScannerRejectsNUL(t *testing.T) {
	s := newTestScanner(t, "a\x00b\r\n")
	s.Next(TokenAtom) // "a" terminates at the NUL, which poisons the stream
	if s.Next(TokenAtom) {
		t.Fatal("scan continued past NUL")
	}
	if s.Error == nil {
		t.Fatal("no scanner error after NUL")
	}
}

func TestScannerLiteralTooLong(t *testing.T) {
	s := newTestScanner(t, "{999999999}\r\n")
	if s.Next(TokenString) {
		t.Fatal("oversized literal accepted")
	}
	if s.Error == nil {
		t.Fatal("no error for oversized literal")
	}
}
