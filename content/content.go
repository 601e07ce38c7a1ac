// Package content parses RFC 5322 / MIME message bytes into a zero-copy
// recursive tree: a Content node carries the raw header and body slices for
// one MIME entity, and a multipart or message/rfc822 body carries further
// Content nodes for its parts. Every Raw field (Content, Header, Field and
// Body) is a slice into the original buffer; only the unfolded header
// values behind Header.Get and Header.GetAll are copies.
package content

import (
	"bytes"
	"mime"
	"strings"
)

// line is a half-open byte range [Start,End) plus the offset the next line
// starts at. End excludes a trailing CR; Next does not, so the CRLF (or
// bare LF) is still accounted for when line ranges are concatenated.
type line struct {
	Start, End, Next int
}

// Content is one parsed MIME entity: a header section (whose Raw ends with
// the blank separator line, when there is one) and a body. The body may itself decompose
// into nested Content entities (multipart, or message/rfc822).
type Content struct {
	Raw    []byte
	Lines  int
	Header Header
	Body   Body
}

// Parse parses data as a single top-level MIME entity.
func Parse(data []byte) *Content {
	lines := findLines(data)
	return parse(data, lines)
}

// Walk returns c and every descendant, in pre-order.
func (c *Content) Walk() []*Content {
	if !c.Body.HasNested() {
		return []*Content{c}
	}
	ret := []*Content{c}
	for _, part := range c.Body.Nested {
		ret = append(ret, part.Walk()...)
	}
	return ret
}

func parse(data []byte, lines []line) *Content {
	headerLines, bodyLines := splitLines(data, lines)
	header := parseHeader(data, headerLines)
	body := parseBody(data, bodyLines, header.ContentType())
	raw := rawOf(data, headerLines, bodyLines)
	numLines := 0
	if n := len(lines); n > 0 {
		numLines = n - 1
	}
	return &Content{Raw: raw, Lines: numLines, Header: header, Body: body}
}

// findLines scans data for LF-terminated lines, the way a byte-oriented
// scanner would: CR immediately before LF is folded into the line
// terminator rather than kept as trailing content.
func findLines(data []byte) []line {
	var ret []line
	start := 0
	end := len(data)
	for {
		idx := bytes.IndexByte(data[start:end], '\n')
		if idx < 0 {
			ret = append(ret, line{start, end, end})
			break
		}
		idx += start
		nextStart := idx + 1
		lineEnd := idx
		if idx-1 >= start && data[idx-1] == '\r' {
			lineEnd = idx - 1
		}
		ret = append(ret, line{start, lineEnd, nextStart})
		start = nextStart
	}
	return ret
}

// splitLines finds the first blank (or all-whitespace) line and treats it
// as the header/body separator. If none exists, every line is a header
// line and the body is empty.
func splitLines(data []byte, lines []line) (header, body []line) {
	for i, l := range lines {
		if isBlank(data[l.Start:l.End]) {
			return lines[:i+1], lines[i+1:]
		}
	}
	return lines, nil
}

func isBlank(b []byte) bool {
	for _, c := range b {
		if c != ' ' && c != '\t' {
			return false
		}
	}
	return true
}

func rawOf(data []byte, groups ...[]line) []byte {
	start, end := -1, -1
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		if start < 0 || g[0].Start < start {
			start = g[0].Start
		}
		last := g[len(g)-1]
		if last.Next > end {
			end = last.Next
		}
	}
	if start < 0 {
		return nil
	}
	return data[start:end]
}

func defaultContentType() ContentType {
	return ContentType{Type: "text", Subtype: "plain", Params: map[string]string{}}
}

func parseContentType(raw []byte) ContentType {
	if len(raw) == 0 {
		return defaultContentType()
	}
	full, params, err := mime.ParseMediaType(string(raw))
	if err != nil {
		return defaultContentType()
	}
	typ, subtype, ok := strings.Cut(full, "/")
	if !ok {
		return defaultContentType()
	}
	return ContentType{Type: typ, Subtype: subtype, Params: params}
}
