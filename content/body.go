package content

import "bytes"

// Kind distinguishes the three body shapes a Content entity's Body can
// take.
type Kind int

const (
	Singlepart Kind = iota
	Multipart
	MessageRFC822
)

// ContentType is a parsed Content-Type header value.
type ContentType struct {
	Type, Subtype string
	Params        map[string]string
}

// String reconstructs "type/subtype".
func (ct ContentType) String() string {
	return ct.Type + "/" + ct.Subtype
}

// Body is the body of a Content entity: everything after the blank line
// that terminates the header. A multipart or message/rfc822 body carries
// Nested sub-entities; a singlepart body does not.
type Body struct {
	Raw         []byte
	Lines       int
	ContentType ContentType
	Kind        Kind
	Nested      []*Content
}

// HasNested reports whether this body decomposes into further Content
// entities.
func (b Body) HasNested() bool {
	return b.Kind != Singlepart
}

func parseBody(data []byte, lines []line, rawContentType []byte) Body {
	ct := parseContentType(rawContentType)
	switch {
	case ct.Type == "multipart":
		if boundary, ok := ct.Params["boundary"]; ok && boundary != "" {
			return parseMultipart(data, lines, ct, boundary)
		}
	case ct.Type == "message" && ct.Subtype == "rfc822":
		return parseRFC822(data, lines, ct)
	}
	return parseSinglepart(data, lines, ct)
}

func parseSinglepart(data []byte, lines []line, ct ContentType) Body {
	return Body{Raw: rawOf(data, lines), Lines: len(lines), ContentType: ct, Kind: Singlepart}
}

func parseRFC822(data []byte, lines []line, ct ContentType) Body {
	sub := parse(data, lines)
	return Body{Raw: sub.Raw, Lines: sub.Lines, ContentType: ct, Kind: MessageRFC822, Nested: []*Content{sub}}
}

// parseMultipart splits lines on boundary markers per RFC 2046: a line
// exactly "--boundary" opens a new part, a line exactly "--boundary--"
// ends the scan, and anything before the first marker (the preamble) or
// after the terminator (the epilogue) is discarded. A boundary that never
// appears yields zero parts, not an error.
func parseMultipart(data []byte, lines []line, ct ContentType, boundary string) Body {
	open := "--" + boundary
	stop := open + "--"

	var parts [][]line
	for _, l := range lines {
		text := data[l.Start:l.End]
		if bytes.Equal(text, []byte(stop)) {
			break
		}
		if bytes.Equal(text, []byte(open)) {
			parts = append(parts, nil)
			continue
		}
		if len(parts) > 0 {
			parts[len(parts)-1] = append(parts[len(parts)-1], l)
		}
	}

	nested := make([]*Content, 0, len(parts))
	for _, partLines := range parts {
		nested = append(nested, parse(data, partLines))
	}
	return Body{Raw: rawOf(data, lines), Lines: len(lines), ContentType: ct, Kind: Multipart, Nested: nested}
}
