package content

import (
	"bytes"
)

// Field is one logical (possibly folded) header as it occurred in the
// source: Name is the lower-cased field name, Raw is the full field
// including the field name, colon and every continuation line.
type Field struct {
	Name string
	Raw  []byte
}

// Header is the parsed header section of a Content entity.
type Header struct {
	Raw    []byte
	Lines  int
	Fields []Field

	// index maps a lower-cased field name to every occurrence's
	// unfolded value (whitespace-joined continuation lines), in the
	// order the fields occurred.
	index map[string][][]byte
}

// Get returns the unfolded value of the first occurrence of name, and
// whether it was present at all.
func (h Header) Get(name string) ([]byte, bool) {
	vals := h.index[lowerASCII(name)]
	if len(vals) == 0 {
		return nil, false
	}
	return vals[0], true
}

// GetAll returns the unfolded values of every occurrence of name, in
// source order.
func (h Header) GetAll(name string) [][]byte {
	return h.index[lowerASCII(name)]
}

// ContentType returns the unparsed value of this header's Content-Type,
// or nil when the header is absent. Parsing, and the text/plain default,
// happen in parseContentType.
func (h Header) ContentType() []byte {
	v, ok := h.Get("content-type")
	if !ok {
		return nil
	}
	return v
}

func parseHeader(data []byte, lines []line) Header {
	folds := findFolds(data, lines)
	fields, index := parseFields(data, folds)
	raw := rawOf(data, lines)
	return Header{Raw: raw, Lines: len(lines), Fields: fields, index: index}
}

// findFolds groups physically contiguous lines into folded logical
// headers: a line beginning with whitespace continues the previous
// header. splitLines leaves the header/body separator as the last line;
// when it is empty it forms a group of its own with no colon, which
// parseFields drops.
func findFolds(data []byte, lines []line) [][]line {
	var ret [][]line
	for _, l := range lines {
		if l.End > l.Start && isWS(data[l.Start]) {
			if len(ret) > 0 {
				ret[len(ret)-1] = append(ret[len(ret)-1], l)
			}
			continue
		}
		ret = append(ret, []line{l})
	}
	return ret
}

func parseFields(data []byte, folds [][]line) ([]Field, map[string][][]byte) {
	index := make(map[string][][]byte)
	fields := make([]Field, 0, len(folds))
	for _, group := range folds {
		start, end := group[0].Start, group[0].End
		colon := bytes.IndexByte(data[start:end], ':')
		if colon < 0 {
			continue
		}
		colon += start
		name := lowerASCII(string(bytes.TrimSpace(data[start:colon])))
		value := joinGroup(data, group, colon)
		index[name] = append(index[name], value)
		fields = append(fields, Field{Name: name, Raw: rawOf(data, group)})
	}
	return fields, index
}

// joinGroup concatenates the value portion of a folded header group
// (everything after the first colon) across its continuation lines,
// without copying the folding whitespace's significance away: the raw
// bytes of every continuation line, including leading whitespace, are
// preserved verbatim after the first line's value.
func joinGroup(data []byte, group []line, colon int) []byte {
	first := group[0]
	valueStart := colon + 1
	length := 0
	for i, l := range group {
		if i == 0 {
			length += l.End - valueStart
		} else {
			length += l.End - l.Start
		}
	}
	ret := make([]byte, length)
	n := copy(ret, data[valueStart:first.End])
	for _, l := range group[1:] {
		n += copy(ret[n:], data[l.Start:l.End])
	}
	return ret
}

func isWS(b byte) bool {
	return b == ' ' || b == '\t'
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
