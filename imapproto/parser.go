package imapproto

import (
	"encoding/base64"
	"fmt"
	"strings"

	"crawshaw.io/iox"

	"spilled.ink/imapproto/utf7mod"
)

// Parser turns a token stream from a Scanner into Command values. One
// Parser is reused across an entire connection; ParseCommand overwrites
// its Command field on every call.
type Parser struct {
	Scanner *Scanner
	Mode    Mode

	Command Command

	// lit remembers the scanner's literal spool while it is detached.
	// parseAppend detaches the spool so the scanner's per-token reset
	// does not truncate an APPEND payload before the session engine
	// has read it; the next ParseCommand reattaches it.
	lit *iox.BufferFile
}

// ParseError is a BAD-class failure: the command text did not match the
// grammar at all.
type ParseError struct{ msg string }

func (e ParseError) Error() string { return e.msg }

func parseErrorf(format string, v ...interface{}) error {
	return ParseError{msg: fmt.Sprintf(format, v...)}
}

// TaggedError wraps a ParseError (or any other error) once a command tag
// has successfully been read, so the caller can still reply with that
// tag instead of "*".
type TaggedError struct {
	Tag string
	Err error
}

func (te TaggedError) Error() string {
	return fmt.Sprintf("imapproto: %s: %v", te.Tag, te.Err)
}

func (p *Parser) error(ctx string) error {
	if p.Scanner.Error != nil {
		return p.Scanner.Error
	}
	return parseErrorf("%s", ctx)
}

var commandNames = map[string]string{
	"CAPABILITY":   "CAPABILITY",
	"NOOP":         "NOOP",
	"LOGOUT":       "LOGOUT",
	"STARTTLS":     "STARTTLS",
	"AUTHENTICATE": "AUTHENTICATE",
	"LOGIN":        "LOGIN",
	"SELECT":       "SELECT",
	"EXAMINE":      "EXAMINE",
	"CREATE":       "CREATE",
	"DELETE":       "DELETE",
	"RENAME":       "RENAME",
	"SUBSCRIBE":    "SUBSCRIBE",
	"UNSUBSCRIBE":  "UNSUBSCRIBE",
	"LIST":         "LIST",
	"LSUB":         "LSUB",
	"STATUS":       "STATUS",
	"APPEND":       "APPEND",
	"CHECK":        "CHECK",
	"CLOSE":        "CLOSE",
	"UNSELECT":     "UNSELECT",
	"EXPUNGE":      "EXPUNGE",
	"SEARCH":       "SEARCH",
	"FETCH":        "FETCH",
	"STORE":        "STORE",
	"COPY":         "COPY",
	"UID":          "UID",
	"IDLE":         "IDLE",
}

// ParseCommand reads one full command line (including any literals) and
// fills p.Command. Errors carry a TaggedError once the tag has been
// read, so the caller can still produce "<tag> BAD ..." instead of
// falling back to "* BAD".
func (p *Parser) ParseCommand() (err error) {
	defer func() {
		if err != nil {
			p.Scanner.Drain()
			if len(p.Command.Tag) > 0 {
				err = TaggedError{Tag: string(p.Command.Tag), Err: err}
			}
		}
	}()

	if p.lit == nil {
		p.lit = p.Scanner.Literal
	}
	if p.Scanner.Literal == nil {
		p.Scanner.Literal = p.lit
	}
	// Grammar errors poison only the line they occurred on; I/O errors
	// stay fatal to the connection.
	p.Scanner.Error = nil
	p.Command = Command{}

	if !p.Scanner.Next(TokenTag) {
		return p.error("no command tag")
	}
	cmd := &p.Command
	cmd.Tag = append([]byte(nil), p.Scanner.Value...)

	if !p.Scanner.Next(TokenAtom) {
		return p.error("no command name")
	}
	asciiUpper(p.Scanner.Value)
	cmd.Name = commandNames[string(p.Scanner.Value)]
	if cmd.Name == "" {
		return parseErrorf("unknown command %q", string(p.Scanner.Value))
	}

	if cmd.Name == "UID" {
		cmd.UID = true
		if !p.Scanner.Next(TokenAtom) {
			return p.error("no command name following UID prefix")
		}
		asciiUpper(p.Scanner.Value)
		inner := commandNames[string(p.Scanner.Value)]
		switch inner {
		case "COPY", "EXPUNGE", "FETCH", "STORE", "SEARCH":
			cmd.Name = inner
		default:
			return parseErrorf("UID does not support %q", string(p.Scanner.Value))
		}
	}

	switch cmd.Name {
	case "CAPABILITY", "NOOP", "LOGOUT", "STARTTLS", "CHECK", "CLOSE", "UNSELECT", "IDLE":
		return p.parseEnd()
	case "EXPUNGE":
		// UID EXPUNGE (RFC 4315) restricts the expunge to a UID set;
		// plain EXPUNGE takes no arguments.
		if cmd.UID {
			seqs, err := p.parseSequenceSet()
			if err != nil {
				return err
			}
			cmd.Sequences = seqs
		}
		return p.parseEnd()
	case "AUTHENTICATE":
		return p.parseAuthenticate()
	case "LOGIN":
		return p.parseLogin()
	case "SELECT", "EXAMINE":
		return p.parseSelect()
	case "CREATE", "DELETE", "SUBSCRIBE", "UNSUBSCRIBE":
		return p.parseMailboxArg()
	case "RENAME":
		return p.parseRename()
	case "LIST", "LSUB":
		return p.parseList()
	case "STATUS":
		return p.parseStatus()
	case "APPEND":
		return p.parseAppend()
	case "SEARCH":
		return p.parseSearch()
	case "FETCH":
		return p.parseFetch()
	case "STORE":
		return p.parseStore()
	case "COPY":
		return p.parseCopy()
	}
	return parseErrorf("unhandled command %q", cmd.Name)
}

func (p *Parser) parseEnd() error {
	if !p.Scanner.Next(TokenEnd) {
		return p.error("expected end of command")
	}
	return nil
}

func (p *Parser) parseMailboxName() ([]byte, error) {
	if !p.Scanner.Next(TokenString) {
		return nil, p.error("expected mailbox name")
	}
	if strings.EqualFold(string(p.Scanner.Value), "INBOX") {
		return []byte("INBOX"), nil
	}
	name, err := utf7mod.AppendDecode(nil, p.Scanner.Value)
	if err != nil {
		return nil, parseErrorf("bad mailbox name: %v", err)
	}
	return name, nil
}

func (p *Parser) parseAuthenticate() error {
	cmd := &p.Command
	if !p.Scanner.Next(TokenAtom) {
		return p.error("expected SASL mechanism")
	}
	asciiUpper(p.Scanner.Value)
	if string(p.Scanner.Value) != "PLAIN" {
		return parseErrorf("unsupported SASL mechanism %q", string(p.Scanner.Value))
	}
	if !p.Scanner.Next(TokenString) {
		return p.error("expected SASL-IR base64 response")
	}
	decoded, err := base64.StdEncoding.DecodeString(string(p.Scanner.Value))
	if err != nil {
		return parseErrorf("invalid base64: %v", err)
	}
	parts := splitNUL(decoded)
	if len(parts) != 3 {
		return parseErrorf("malformed PLAIN response")
	}
	cmd.Auth.Username = parts[1]
	cmd.Auth.Password = parts[2]
	return p.parseEnd()
}

func splitNUL(b []byte) [][]byte {
	var ret [][]byte
	start := 0
	for i, c := range b {
		if c == 0 {
			ret = append(ret, b[start:i])
			start = i + 1
		}
	}
	ret = append(ret, b[start:])
	return ret
}

func (p *Parser) parseLogin() error {
	cmd := &p.Command
	if !p.Scanner.Next(TokenString) {
		return p.error("expected username")
	}
	cmd.Auth.Username = append([]byte(nil), p.Scanner.Value...)
	if !p.Scanner.Next(TokenString) {
		return p.error("expected password")
	}
	cmd.Auth.Password = append([]byte(nil), p.Scanner.Value...)
	return p.parseEnd()
}

func (p *Parser) parseSelect() error {
	cmd := &p.Command
	name, err := p.parseMailboxName()
	if err != nil {
		return err
	}
	cmd.Mailbox = name
	return p.parseEnd()
}

func (p *Parser) parseMailboxArg() error {
	cmd := &p.Command
	name, err := p.parseMailboxName()
	if err != nil {
		return err
	}
	cmd.Mailbox = name
	return p.parseEnd()
}

func (p *Parser) parseRename() error {
	cmd := &p.Command
	oldName, err := p.parseMailboxName()
	if err != nil {
		return err
	}
	cmd.Rename.OldMailbox = oldName
	newName, err := p.parseMailboxName()
	if err != nil {
		return err
	}
	cmd.Rename.NewMailbox = newName
	return p.parseEnd()
}

func (p *Parser) parseList() error {
	cmd := &p.Command
	if !p.Scanner.Next(TokenString) {
		return p.error("expected reference name")
	}
	cmd.List.ReferenceName = append([]byte(nil), p.Scanner.Value...)
	if !p.Scanner.Next(TokenListMailbox) {
		return p.error("expected mailbox glob")
	}
	cmd.List.MailboxGlob = append([]byte(nil), p.Scanner.Value...)
	return p.parseEnd()
}

func (p *Parser) parseStatus() error {
	cmd := &p.Command
	name, err := p.parseMailboxName()
	if err != nil {
		return err
	}
	cmd.Mailbox = name
	if !p.Scanner.Next(TokenListStart) {
		return p.error("expected status item list")
	}
	for {
		if p.Scanner.Next(TokenListEnd) {
			break
		}
		if !p.Scanner.Next(TokenAtom) {
			return p.error("expected status item")
		}
		asciiUpper(p.Scanner.Value)
		var item StatusItem
		switch string(p.Scanner.Value) {
		case "MESSAGES":
			item = StatusMessages
		case "RECENT":
			item = StatusRecent
		case "UIDNEXT":
			item = StatusUIDNext
		case "UIDVALIDITY":
			item = StatusUIDValidity
		case "UNSEEN":
			item = StatusUnseen
		default:
			return parseErrorf("unknown STATUS item %q", string(p.Scanner.Value))
		}
		cmd.Status.Items = append(cmd.Status.Items, item)
	}
	return p.parseEnd()
}

func (p *Parser) parseAppend() error {
	cmd := &p.Command
	name, err := p.parseMailboxName()
	if err != nil {
		return err
	}
	cmd.Mailbox = name

	// Optional flag list, optional quoted date-time, then the message
	// literal. A generic scan distinguishes the three.
	p.Scanner.Next(TokenUnknown)
	if p.Scanner.Token == TokenListStart {
		for {
			if p.Scanner.Next(TokenListEnd) {
				break
			}
			if !p.Scanner.Next(TokenFlag) {
				return p.error("expected flag in APPEND flag list")
			}
			cmd.Append.Flags = append(cmd.Append.Flags, append([]byte(nil), p.Scanner.Value...))
		}
		p.Scanner.Next(TokenUnknown)
	}

	if p.Scanner.Token == TokenString {
		cmd.Append.Date = append([]byte(nil), p.Scanner.Value...)
		p.Scanner.Next(TokenUnknown)
	}

	if p.Scanner.Token != TokenLiteral {
		return p.error("expected message literal")
	}
	cmd.Literal = p.Scanner.Literal
	// Detach the spool so the end-of-line scan below does not truncate
	// the payload; the next ParseCommand reattaches it.
	p.Scanner.Literal = nil
	return p.parseEnd()
}

func (p *Parser) parseSequenceSet() ([]SeqRange, error) {
	if !p.Scanner.Next(TokenSequences) {
		return nil, p.error("expected sequence set")
	}
	return append([]SeqRange(nil), p.Scanner.Sequences...), nil
}

func (p *Parser) parseStore() error {
	cmd := &p.Command
	seqs, err := p.parseSequenceSet()
	if err != nil {
		return err
	}
	cmd.Sequences = seqs

	if !p.Scanner.Next(TokenAtom) {
		return p.error("expected STORE mode")
	}
	mode := strings.ToUpper(string(p.Scanner.Value))
	silent := strings.HasSuffix(mode, ".SILENT")
	mode = strings.TrimSuffix(mode, ".SILENT")
	switch mode {
	case "FLAGS":
		cmd.Store.Mode = StoreReplace
	case "+FLAGS":
		cmd.Store.Mode = StoreAdd
	case "-FLAGS":
		cmd.Store.Mode = StoreRemove
	default:
		return parseErrorf("unknown STORE mode %q", mode)
	}
	cmd.Store.Silent = silent

	if p.Scanner.Next(TokenListStart) {
		for {
			if !p.Scanner.Next(TokenFlag) {
				break
			}
			cmd.Store.Flags = append(cmd.Store.Flags, append([]byte(nil), p.Scanner.Value...))
		}
		if !p.Scanner.Next(TokenListEnd) {
			return p.error("expected flag list end")
		}
		return p.parseEnd()
	}

	// Bare space-separated flags run to the end of the line.
	for {
		if !p.Scanner.NextOrEnd(TokenFlag) {
			return p.error("expected flag")
		}
		if p.Scanner.Token == TokenEnd {
			if len(cmd.Store.Flags) == 0 {
				return parseErrorf("STORE missing flags")
			}
			return nil
		}
		cmd.Store.Flags = append(cmd.Store.Flags, append([]byte(nil), p.Scanner.Value...))
	}
}

func (p *Parser) parseCopy() error {
	cmd := &p.Command
	seqs, err := p.parseSequenceSet()
	if err != nil {
		return err
	}
	cmd.Sequences = seqs
	name, err := p.parseMailboxName()
	if err != nil {
		return err
	}
	cmd.CopyMailbox = name
	return p.parseEnd()
}

func (p *Parser) parseFetch() error {
	cmd := &p.Command
	seqs, err := p.parseSequenceSet()
	if err != nil {
		return err
	}
	cmd.Sequences = seqs

	if p.Scanner.Next(TokenListStart) {
		for {
			if !p.Scanner.Next(TokenFetchItem) {
				break
			}
			switch p.Scanner.FetchItem.Type {
			case FetchAll, FetchFull, FetchFast:
				// The macros are only valid as a bare top-level item.
				return parseErrorf("FETCH macro %s not valid in a list", p.Scanner.FetchItem.Type)
			}
			cmd.FetchItems = append(cmd.FetchItems, p.Scanner.FetchItem)
		}
		if !p.Scanner.Next(TokenListEnd) {
			return p.error("expected fetch item list end")
		}
		if len(cmd.FetchItems) == 0 {
			return parseErrorf("FETCH empty item list")
		}
	} else {
		if !p.Scanner.Next(TokenFetchItem) {
			return p.error("expected fetch item or list")
		}
		cmd.FetchItems = append(cmd.FetchItems, p.Scanner.FetchItem)
	}

	if cmd.UID {
		// UID FETCH responses MUST report the UID data item whether or
		// not the client asked for it (RFC 3501 section 6.4.8).
		hasUID := false
		for _, item := range cmd.FetchItems {
			if item.Type == FetchUID {
				hasUID = true
				break
			}
		}
		if !hasUID {
			cmd.FetchItems = append([]FetchItem{{Type: FetchUID}}, cmd.FetchItems...)
		}
	}
	return p.parseEnd()
}

func (p *Parser) parseSearch() error {
	cmd := &p.Command

	if !p.Scanner.Next(TokenSearchKey) {
		return p.error("expected search key")
	}
	asciiUpper(p.Scanner.Value)
	if len(p.Scanner.Sequences) == 0 && string(p.Scanner.Value) == "CHARSET" {
		// The CHARSET prefix is recorded and otherwise transparent:
		// matching is byte-oriented past decoding.
		if !p.Scanner.Next(TokenString) {
			return p.error("expected charset name")
		}
		cmd.Search.Charset = strings.ToUpper(string(p.Scanner.Value))
		if !p.Scanner.Next(TokenSearchKey) {
			return p.error("expected search key")
		}
		asciiUpper(p.Scanner.Value)
	}

	// The top-level run of search keys is an implicit AND.
	root := &SearchOp{Key: "AND"}
	for {
		op, err := p.parseSearchKey()
		if err != nil {
			return err
		}
		root.Children = append(root.Children, *op)

		if !p.Scanner.NextOrEnd(TokenSearchKey) {
			return p.error("expected search key")
		}
		if p.Scanner.Token == TokenEnd {
			break
		}
		asciiUpper(p.Scanner.Value)
	}

	if len(root.Children) == 1 {
		cmd.Search.Op = &root.Children[0]
	} else {
		cmd.Search.Op = root
	}
	return nil
}

// parseSearchKey parses one search-key. The caller has already scanned
// TokenSearchKey, which matches an atom, a sequence-set, or a lone
// paren.
func (p *Parser) parseSearchKey() (*SearchOp, error) {
	if len(p.Scanner.Sequences) > 0 {
		return &SearchOp{Key: "SEQSET", Sequences: append([]SeqRange(nil), p.Scanner.Sequences...)}, nil
	}
	key := string(p.Scanner.Value)

	if key == "(" {
		// Parenthesized list: an implicit AND running to ')'.
		op := &SearchOp{Key: "AND"}
		for {
			if !p.Scanner.Next(TokenSearchKey) {
				return nil, p.error("expected ')' to close search key list")
			}
			if len(p.Scanner.Sequences) == 0 && string(p.Scanner.Value) == ")" {
				break
			}
			asciiUpper(p.Scanner.Value)
			ch, err := p.parseSearchKey()
			if err != nil {
				return nil, err
			}
			op.Children = append(op.Children, *ch)
		}
		if len(op.Children) == 0 {
			return nil, parseErrorf("empty search key list")
		}
		if len(op.Children) == 1 {
			return &op.Children[0], nil
		}
		return op, nil
	}

	switch key {
	case "ALL", "ANSWERED", "DELETED", "DRAFT", "FLAGGED", "NEW", "OLD",
		"RECENT", "SEEN", "UNANSWERED", "UNDELETED", "UNDRAFT",
		"UNFLAGGED", "UNSEEN":
		return &SearchOp{Key: SearchKey(key)}, nil
	case "NOT":
		if !p.Scanner.Next(TokenSearchKey) {
			return nil, p.error("expected search key after NOT")
		}
		asciiUpper(p.Scanner.Value)
		ch, err := p.parseSearchKey()
		if err != nil {
			return nil, err
		}
		return &SearchOp{Key: "NOT", Children: []SearchOp{*ch}}, nil
	case "OR":
		var children []SearchOp
		for i := 0; i < 2; i++ {
			if !p.Scanner.Next(TokenSearchKey) {
				return nil, p.error("expected OR operand")
			}
			asciiUpper(p.Scanner.Value)
			ch, err := p.parseSearchKey()
			if err != nil {
				return nil, err
			}
			children = append(children, *ch)
		}
		return &SearchOp{Key: "OR", Children: children}, nil
	case "UID":
		seqs, err := p.parseSequenceSet()
		if err != nil {
			return nil, err
		}
		return &SearchOp{Key: "UID", Sequences: seqs}, nil
	case "LARGER", "SMALLER":
		if !p.Scanner.Next(TokenNumber) {
			return nil, p.error("expected number")
		}
		return &SearchOp{Key: SearchKey(key), Num: int64(p.Scanner.Number)}, nil
	case "BEFORE", "ON", "SINCE", "SENTBEFORE", "SENTON", "SENTSINCE":
		if !p.Scanner.Next(TokenDate) {
			return nil, p.error("expected date")
		}
		return &SearchOp{Key: SearchKey(key), Date: p.Scanner.Date}, nil
	case "BCC", "CC", "FROM", "SUBJECT", "TEXT", "TO", "BODY", "KEYWORD", "UNKEYWORD":
		if !p.Scanner.Next(TokenString) {
			return nil, p.error("expected string argument")
		}
		return &SearchOp{Key: SearchKey(key), Value: string(p.Scanner.Value)}, nil
	case "HEADER":
		if !p.Scanner.Next(TokenString) {
			return nil, p.error("expected header field name")
		}
		name := string(p.Scanner.Value)
		if !p.Scanner.Next(TokenString) {
			return nil, p.error("expected header field value")
		}
		return &SearchOp{Key: "HEADER", Value: name + " " + string(p.Scanner.Value)}, nil
	}
	return nil, parseErrorf("unknown search key %q", key)
}
