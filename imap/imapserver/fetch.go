package imapserver

import (
	"bytes"
	"sort"
	"strings"

	"spilled.ink/content"
	"spilled.ink/email"
	"spilled.ink/imapproto"
	"spilled.ink/mailbox"
	"spilled.ink/third_party/imf"
)

// cmdFetch evaluates a FETCH (or UID FETCH) attribute list against every
// message the sequence-set resolves to within the selected snapshot, per
// §4.7. BODY fetches are moved to the back of the attribute list: they
// are typically the largest literal in the response, and several real
// clients issue e.g. "(BODY.PEEK[] BODYSTRUCTURE)" expecting the small
// items to come first regardless of request order.
func (c *Conn) cmdFetch() {
	cmd := &c.p.Command

	items := make([]imapproto.FetchItem, 0, len(cmd.FetchItems))
	var bodyItems []imapproto.FetchItem
	for _, item := range cmd.FetchItems {
		if item.Type == imapproto.FetchBody || item.Type == imapproto.FetchBodyStructure {
			bodyItems = append(bodyItems, item)
		} else {
			items = append(items, item)
		}
	}
	items = append(items, bodyItems...)

	max := uint32(c.snap.Len())
	if cmd.UID {
		max = c.snap.MaxUID()
	}
	seqs := imapproto.ResolveSeqs(cmd.Sequences, max)

	for i, uid := range c.snap.UIDs() {
		seq := i + 1
		if !inSelector(cmd.UID, seqs, uid, uint32(seq)) {
			continue
		}
		msg, ok := c.selected.Get(uid)
		if !ok {
			continue
		}
		c.fetchSeenDirty = false
		c.fetchSawFlags = false
		c.writef("* %d FETCH (", seq)
		for i := range items {
			if i > 0 {
				c.writef(" ")
			}
			c.writeFetchItem(msg, &items[i])
		}
		if c.fetchSeenDirty && !c.fetchSawFlags {
			c.writef(" ")
			c.writeFetchItem(msg, &imapproto.FetchItem{Type: imapproto.FetchFlags})
		}
		c.writef(")\r\n")
	}

	if cmd.UID {
		c.respondTagged("OK UID FETCH completed")
	} else {
		c.respondTagged("OK FETCH completed")
	}
}

// inSelector reports whether uid/seq is named by cmd.Sequences: UID sets
// address UIDs, plain sets address sequence numbers.
func inSelector(byUID bool, seqs []imapproto.SeqRange, uid, seq uint32) bool {
	if byUID {
		return imapproto.SeqContains(seqs, uid)
	}
	return imapproto.SeqContains(seqs, seq)
}

func (c *Conn) writeFetchItem(msg *mailbox.Message, item *imapproto.FetchItem) {
	switch item.Type {
	case imapproto.FetchAll:
		c.writeFetchItem(msg, &imapproto.FetchItem{Type: imapproto.FetchFlags})
		c.writef(" ")
		c.writeFetchItem(msg, &imapproto.FetchItem{Type: imapproto.FetchInternalDate})
		c.writef(" ")
		c.writeFetchItem(msg, &imapproto.FetchItem{Type: imapproto.FetchRFC822Size})
		c.writef(" ")
		c.writeFetchItem(msg, &imapproto.FetchItem{Type: imapproto.FetchEnvelope})
	case imapproto.FetchFull:
		c.writeFetchItem(msg, &imapproto.FetchItem{Type: imapproto.FetchAll})
		c.writef(" ")
		c.writeFetchItem(msg, &imapproto.FetchItem{Type: imapproto.FetchBody})
	case imapproto.FetchFast:
		c.writeFetchItem(msg, &imapproto.FetchItem{Type: imapproto.FetchFlags})
		c.writef(" ")
		c.writeFetchItem(msg, &imapproto.FetchItem{Type: imapproto.FetchInternalDate})
		c.writef(" ")
		c.writeFetchItem(msg, &imapproto.FetchItem{Type: imapproto.FetchRFC822Size})

	case imapproto.FetchFlags:
		c.fetchSawFlags = true
		c.writef("FLAGS (")
		for i, flag := range msg.Flags() {
			if i > 0 {
				c.writef(" ")
			}
			c.writeFlag(flag)
		}
		if c.snap.IsRecent(msg.UID) {
			if len(msg.Flags()) > 0 {
				c.writef(" ")
			}
			c.writef(`\Recent`)
		}
		c.writef(")")

	case imapproto.FetchUID:
		c.writef("UID %d", msg.UID)

	case imapproto.FetchInternalDate:
		c.writef("INTERNALDATE ")
		c.writeString(msg.InternalDate.Format("02-Jan-2006 15:04:05 -0700"))

	case imapproto.FetchRFC822Size:
		c.writef("RFC822.SIZE %d", len(msg.Content.Raw))

	case imapproto.FetchEnvelope:
		c.writeEnvelope(msg.Content)

	case imapproto.FetchBodyStructure:
		c.writef("BODYSTRUCTURE (")
		c.writeBodyStructurePart(msg.Content)
		c.writef(")")

	case imapproto.FetchRFC822:
		c.writeBodySection(msg, "RFC822", &imapproto.FetchItem{Type: imapproto.FetchBody, HasSection: true})
	case imapproto.FetchRFC822Header:
		c.writeBodySection(msg, "RFC822.HEADER", &imapproto.FetchItem{
			Type: imapproto.FetchBody, Peek: true, HasSection: true,
			Section: imapproto.FetchItemSection{Name: "HEADER"},
		})
	case imapproto.FetchRFC822Text:
		c.writeBodySection(msg, "RFC822.TEXT", &imapproto.FetchItem{
			Type: imapproto.FetchBody, HasSection: true,
			Section: imapproto.FetchItemSection{Name: "TEXT"},
		})
	case imapproto.FetchBody:
		if !item.HasSection {
			// Bare "BODY" with no section requested writes the same
			// structure as BODYSTRUCTURE, multipart extension data
			// included; it is not a BODY[] fetch.
			c.writef("BODY (")
			c.writeBodyStructurePart(msg.Content)
			c.writef(")")
			return
		}
		c.writeBodySection(msg, "", item)

	default:
		c.Logf("FETCH: unhandled item %v", item.Type)
	}
}

func (c *Conn) writeFlag(flag string) {
	if strings.HasPrefix(flag, `\`) {
		c.writef("%s", flag)
	} else {
		c.writeString(flag)
	}
}

func (c *Conn) writeEnvelope(msg *content.Content) {
	h := msg.Header
	c.writef("ENVELOPE (")
	c.writeHeaderString(h, "Date")
	c.writef(" ")
	c.writeHeaderString(h, "Subject")
	c.writef(" ")
	c.writeAddressList(h, "From")
	c.writef(" ")
	c.writeAddressListDefault(h, "Sender", "From")
	c.writef(" ")
	c.writeAddressListDefault(h, "Reply-To", "From")
	c.writef(" ")
	c.writeAddressList(h, "To")
	c.writef(" ")
	c.writeAddressList(h, "Cc")
	c.writef(" ")
	c.writeAddressList(h, "Bcc")
	c.writef(" ")
	c.writeHeaderString(h, "In-Reply-To")
	c.writef(" ")
	c.writeHeaderString(h, "Message-ID")
	c.writef(")")
}

func (c *Conn) writeHeaderString(h content.Header, name string) {
	v, ok := h.Get(name)
	if !ok || len(v) == 0 {
		c.writef("NIL")
		return
	}
	c.writeString(string(bytes.TrimSpace(v)))
}

func (c *Conn) writeAddressList(h content.Header, name string) {
	v, ok := h.Get(name)
	if !ok || len(v) == 0 {
		c.writef("NIL")
		return
	}
	c.writeParsedAddresses(string(v))
}

// writeAddressListDefault writes name's address list, falling back to
// fallback's when name is absent: per RFC 3501 7.4.1, Sender and Reply-To
// default to the value of From when not separately specified.
func (c *Conn) writeAddressListDefault(h content.Header, name, fallback string) {
	if v, ok := h.Get(name); ok && len(v) > 0 {
		c.writeParsedAddresses(string(v))
		return
	}
	c.writeAddressList(h, fallback)
}

func (c *Conn) writeParsedAddresses(raw string) {
	addrs, err := imf.ParseAddressList(raw)
	if err != nil || len(addrs) == 0 {
		c.writef("NIL")
		if err != nil {
			c.Logf("ENVELOPE: parsing address list %q: %v", raw, err)
		}
		return
	}
	c.writef("(")
	for i, addr := range addrs {
		if i > 0 {
			c.writef(" ")
		}
		c.writeOneAddress(addr)
	}
	c.writef(")")
}

func (c *Conn) writeOneAddress(addr *email.Address) {
	mailboxName, hostName := addr.Addr, ""
	if i := strings.LastIndexByte(addr.Addr, '@'); i >= 0 {
		mailboxName, hostName = addr.Addr[:i], addr.Addr[i+1:]
	}
	c.writef("(")
	if addr.Name == "" {
		c.writef("NIL")
	} else {
		c.writeString(addr.Name)
	}
	c.writef(" NIL ") // source-route: never populated by modern mail
	c.writeString(mailboxName)
	c.writef(" ")
	c.writeString(hostName)
	c.writef(")")
}

// writeBodyStructurePart writes one BODY/BODYSTRUCTURE tuple for node,
// without the enclosing parentheses (the caller, whether top-level or a
// multipart parent, supplies those).
func (c *Conn) writeBodyStructurePart(node *content.Content) {
	ct := node.Body.ContentType

	if node.Body.Kind == content.Multipart {
		for i, kid := range node.Body.Nested {
			if i > 0 {
				c.writef(" ")
			}
			c.writef("(")
			c.writeBodyStructurePart(kid)
			c.writef(")")
		}
		c.writef(" ")
		c.writeString(strings.ToUpper(ct.Subtype))
		c.writef(" (")
		c.writeParams(ct.Params)
		c.writef(")")
		c.writef(" NIL NIL NIL") // disposition, language, location
		return
	}

	if node.Body.Kind == content.MessageRFC822 {
		nested := node.Body.Nested[0]
		c.writeBasicFields(node, ct)
		c.writef(" ")
		c.writeEnvelope(nested)
		c.writef(" (")
		c.writeBodyStructurePart(nested)
		c.writef(") %d", node.Body.Lines)
		return
	}

	c.writeBasicFields(node, ct)
	if strings.EqualFold(ct.Type, "text") {
		c.writef(" %d", node.Body.Lines)
	}
}

func (c *Conn) writeBasicFields(node *content.Content, ct content.ContentType) {
	c.writeString(ct.Type)
	c.writef(" ")
	c.writeString(ct.Subtype)
	c.writef(" (")
	c.writeParams(ct.Params)
	c.writef(")")

	c.writef(" ")
	c.writeOptionalHeader(node.Header, "Content-Id")
	c.writef(" ")
	c.writeOptionalHeader(node.Header, "Content-Description")
	c.writef(" ")
	if v, ok := node.Header.Get("Content-Transfer-Encoding"); ok && len(v) > 0 {
		c.writeString(string(bytes.TrimSpace(v)))
	} else {
		c.writeString("7BIT")
	}
	c.writef(" %d", len(node.Body.Raw))
}

func (c *Conn) writeOptionalHeader(h content.Header, name string) {
	v, ok := h.Get(name)
	if !ok || len(v) == 0 {
		c.writef("NIL")
		return
	}
	c.writeString(string(bytes.TrimSpace(v)))
}

func (c *Conn) writeParams(params map[string]string) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			c.writef(" ")
		}
		c.writeString(k)
		c.writef(" ")
		c.writeString(params[k])
	}
}

// resolvePath descends node.Body.Nested by a 1-indexed dotted part path
// such as "1.2" -> Nested[0].Nested[1].
func resolvePath(node *content.Content, path []uint16) *content.Content {
	for _, p := range path {
		if p == 0 || int(p) > len(node.Body.Nested) {
			return nil
		}
		node = node.Body.Nested[p-1]
	}
	return node
}

// writeBodySection writes one BODY[section]<partial> response for item:
// it resolves the addressed part, extracts the requested slice of it,
// sets \Seen unless the fetch is a peek, and writes the result as a
// literal. A non-empty label overrides the "BODY[...]" data item name,
// for the RFC822* compatibility aliases.
func (c *Conn) writeBodySection(msg *mailbox.Message, label string, item *imapproto.FetchItem) {
	node := msg.Content
	if len(item.Section.Path) > 0 {
		node = resolvePath(msg.Content, item.Section.Path)
	}

	var data []byte
	if node == nil {
		data = nil
	} else {
		switch item.Section.Name {
		case "":
			data = node.Raw
		case "HEADER", "MIME":
			data = node.Header.Raw
		case "TEXT":
			data = node.Body.Raw
		case "HEADER.FIELDS":
			data = filteredHeader(node.Header, item.Section.Headers, true)
		case "HEADER.FIELDS.NOT":
			data = filteredHeader(node.Header, item.Section.Headers, false)
		default:
			c.Logf("FETCH BODY: unknown section %q", item.Section.Name)
		}
	}

	if !item.Peek {
		c.markSeen(msg)
	}

	if label != "" {
		c.writef("%s", label)
	} else {
		c.writef("BODY[")
		for i, v := range item.Section.Path {
			if i > 0 {
				c.writef(".")
			}
			c.writef("%d", v)
		}
		if item.Section.Name != "" {
			if len(item.Section.Path) > 0 {
				c.writef(".")
			}
			c.writef("%s", item.Section.Name)
		}
		switch item.Section.Name {
		case "HEADER.FIELDS", "HEADER.FIELDS.NOT":
			c.writef(" (")
			for i, name := range item.Section.Headers {
				if i > 0 {
					c.writef(" ")
				}
				c.writeString(string(name))
			}
			c.writef(")")
		}
		c.writef("]")
	}

	if item.Partial.Has {
		start := int64(item.Partial.Start)
		if start > int64(len(data)) {
			start = int64(len(data))
		}
		end := start + int64(item.Partial.Length)
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		c.writef("<%d> ", item.Partial.Start)
		data = data[start:end]
	} else {
		c.writef(" ")
	}
	c.writeLiteralBytes(data)
}

func filteredHeader(h content.Header, names [][]byte, keep bool) []byte {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToLower(string(n))] = true
	}
	var buf strings.Builder
	for _, f := range h.Fields {
		if want[f.Name] != keep {
			continue
		}
		buf.Write(f.Raw)
	}
	buf.WriteString("\r\n")
	return []byte(buf.String())
}

// markSeen sets \Seen on msg as a side effect of a non-peek BODY fetch.
// The mutation is reported through the normal flags-event broadcast to
// every other snapshot; this snapshot originated it and is excluded from
// that broadcast, so cmdFetch appends a synthetic FLAGS data item itself
// (via fetchSeenDirty) unless the client's own item list already asked
// for FLAGS.
func (c *Conn) markSeen(msg *mailbox.Message) {
	for _, f := range msg.Flags() {
		if f == mailbox.FlagSeen {
			return
		}
	}
	if _, err := c.selected.UpdateFlags([]uint32{msg.UID}, mailbox.StoreAdd, []string{mailbox.FlagSeen}, c.snap); err != nil {
		c.Logf("FETCH: failed to set \\Seen on uid %d: %v", msg.UID, err)
		return
	}
	c.fetchSeenDirty = true
}

func (c *Conn) writeLiteralBytes(data []byte) {
	c.writef("{%d}\r\n", len(data))
	if err := c.flush(); err != nil {
		c.closeConn()
		return
	}
	if _, err := c.bw.Write(data); err != nil {
		c.Logf("writeLiteralBytes: %v", err)
	}
}
