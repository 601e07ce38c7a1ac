package imapproto

import (
	"fmt"
	"io"
)

// FormatSeqs writes seqs in the IMAP sequence-set wire form, e.g.
// "1:3,7,9:*". A Min or Max of 0 is written as '*'.
func FormatSeqs(w io.Writer, seqs []SeqRange) error {
	for i, seq := range seqs {
		if i > 0 {
			if _, err := fmt.Fprint(w, ","); err != nil {
				return err
			}
		}
		if seq.Min == 0 && seq.Max == 0 {
			if _, err := fmt.Fprint(w, "*"); err != nil {
				return err
			}
			continue
		}
		if seq.Min == seq.Max {
			if _, err := fmt.Fprintf(w, "%d", seq.Min); err != nil {
				return err
			}
			continue
		}
		if seq.Min == 0 {
			if _, err := fmt.Fprint(w, "*:"); err != nil {
				return err
			}
		} else if _, err := fmt.Fprintf(w, "%d:", seq.Min); err != nil {
			return err
		}
		if seq.Max == 0 {
			if _, err := fmt.Fprint(w, "*"); err != nil {
				return err
			}
		} else {
			if _, err := fmt.Fprintf(w, "%d", seq.Max); err != nil {
				return err
			}
		}
	}
	return nil
}

// AppendSeqRange appends the value v to seqs, extending the final range
// when v directly follows it so a run of consecutive values collapses
// to "min:max".
func AppendSeqRange(seqs []SeqRange, v uint32) []SeqRange {
	if len(seqs) > 0 && v > 0 {
		last := &seqs[len(seqs)-1]
		if last.Max > 0 && last.Max == v-1 {
			last.Max++
			return seqs
		}
	}
	return append(seqs, SeqRange{Min: v, Max: v})
}

// ResolveSeqs normalizes a parsed sequence-set against the largest
// value currently in use: every '*' placeholder (stored as 0) becomes
// max, and reversed ranges are reordered. The result is suitable for
// SeqContains without further '*' handling.
func ResolveSeqs(seqs []SeqRange, max uint32) []SeqRange {
	out := make([]SeqRange, 0, len(seqs))
	for _, r := range seqs {
		if r.Min == 0 {
			r.Min = max
		}
		if r.Max == 0 {
			r.Max = max
		}
		if r.Min > r.Max {
			r.Min, r.Max = r.Max, r.Min
		}
		out = append(out, r)
	}
	return out
}
