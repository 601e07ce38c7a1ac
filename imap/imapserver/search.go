package imapserver

import (
	"net/mail"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/simplifiedchinese"

	"spilled.ink/content"
	"spilled.ink/imapproto"
	"spilled.ink/mailbox"
)

// searchMessage adapts a mailbox.Message at a fixed position within a
// Conn's selected snapshot to imapproto.MatchMessage, the view the
// SEARCH matcher evaluates criteria against.
type searchMessage struct {
	seq    uint32
	msg    *mailbox.Message
	recent bool
}

func (m searchMessage) SeqNum() uint32 { return m.seq }
func (m searchMessage) UID() uint32    { return m.msg.UID }

func (m searchMessage) Flag(name string) bool {
	if name == mailbox.FlagRecent {
		// \Recent is a property of the snapshot, not the message.
		return m.recent
	}
	for _, f := range m.msg.Flags() {
		if f == name {
			return true
		}
	}
	return false
}

func (m searchMessage) Header(name string) string {
	v, _ := m.msg.Content.Header.Get(name)
	return string(v)
}

func (m searchMessage) AllHeaders() string {
	return string(m.msg.Content.Header.Raw)
}

// BodyText returns the searchable text of the message: every text/*
// leaf part, decoded from its declared charset so a non-UTF-8 body can
// still be substring-matched against a UTF-8 search string.
func (m searchMessage) BodyText() string {
	var b strings.Builder
	for _, node := range m.msg.Content.Walk() {
		if node.Body.Kind != content.Singlepart {
			continue
		}
		ct := node.Body.ContentType
		if !strings.EqualFold(ct.Type, "text") {
			continue
		}
		b.WriteString(decodeCharset(node.Body.Raw, ct.Params["charset"]))
	}
	return b.String()
}

// decodeCharset converts raw to UTF-8 according to the IANA charset
// name. Unknown charsets and decode failures fall back to the raw
// bytes, which still match for ASCII search strings.
func decodeCharset(raw []byte, charset string) string {
	switch strings.ToLower(charset) {
	case "", "utf-8", "us-ascii", "ascii":
		return string(raw)
	}
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil || enc == nil {
		if strings.EqualFold(charset, "gb2312") {
			enc = simplifiedchinese.HZGB2312
		} else {
			return string(raw)
		}
	}
	decoded, err := decodeBytes(enc, raw)
	if err != nil {
		return string(raw)
	}
	return decoded
}

func decodeBytes(enc encoding.Encoding, raw []byte) (string, error) {
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (m searchMessage) InternalDate() time.Time {
	return m.msg.InternalDate
}

func (m searchMessage) SentDate() time.Time {
	v, ok := m.msg.Content.Header.Get("Date")
	if !ok {
		return m.msg.InternalDate
	}
	t, err := mail.ParseDate(string(v))
	if err != nil {
		return m.msg.InternalDate
	}
	return t
}

func (m searchMessage) RFC822Size() int64 {
	return int64(len(m.msg.Content.Raw))
}

// cmdSearch evaluates SEARCH (or UID SEARCH) against every message
// currently in the selected snapshot, in sequence order, and writes a
// single untagged "* SEARCH" line listing whichever of seq/UID the
// client asked to see.
func (c *Conn) cmdSearch() {
	cmd := &c.p.Command
	if cmd.Search.Op == nil {
		c.respondTagged("BAD SEARCH missing criteria")
		return
	}
	matcher := imapproto.NewMatcher(cmd.Search.Op)

	var results []uint32
	for i, uid := range c.snap.UIDs() {
		seq := uint32(i + 1)
		msg, ok := c.selected.Get(uid)
		if !ok {
			continue
		}
		sm := searchMessage{seq: seq, msg: msg, recent: c.snap.IsRecent(uid)}
		if !matcher.Match(sm) {
			continue
		}
		if cmd.UID {
			results = append(results, uid)
		} else {
			results = append(results, seq)
		}
	}

	c.writeUntagged("SEARCH")
	for _, n := range results {
		c.writef(" %d", n)
	}
	c.writef("\r\n")
	if cmd.UID {
		c.respondTagged("OK UID SEARCH completed")
	} else {
		c.respondTagged("OK SEARCH completed")
	}
}
