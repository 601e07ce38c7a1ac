// Package imapserver implements an IMAP4rev1 session engine as
// described in RFC 3501, driving the in-memory mailbox model in
// spilled.ink/mailbox through the imap.DataStore boundary.
//
// Supported extension RFCs:
//	RFC 2177 IDLE
//	RFC 3348 CHILDREN
//	RFC 4315 UIDPLUS
package imapserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"crawshaw.io/iox"
	"golang.org/x/sync/errgroup"

	"spilled.ink/content"
	"spilled.ink/imap"
	"spilled.ink/imapproto"
	"spilled.ink/imapproto/utf7mod"
	"spilled.ink/mailbox"
)

var ErrServerClosed = errors.New("imapserver: Server closed")

const capability = `IMAP4rev1 AUTH=PLAIN CHILDREN IDLE UIDPLUS`

// Server accepts IMAP connections and serves each on its own goroutine.
// Within one connection, commands are strictly serialized; across
// connections, the mailbox packages' locking serializes mutations.
type Server struct {
	Rand      io.Reader
	MaxConns  int
	TLSConfig *tls.Config // nil means plain TCP
	Filer     *iox.Filer
	Logf      func(format string, v ...interface{})
	DataStore imap.DataStore
	Version   string

	// IdleTimeout bounds an IDLE command waiting for DONE; the server
	// unilaterally ends the session with BYE when it expires. Defaults
	// to 29 minutes, per RFC 2177.
	IdleTimeout time.Duration

	// CommandTimeout bounds the wait for the next command line on an
	// otherwise idle connection. Defaults to 30 minutes, per RFC 3501
	// section 5.4.
	CommandTimeout time.Duration

	ln     net.Listener
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	lastSess uint64
}

// Serve accepts connections on ln until Shutdown is called or the
// listener fails. Each accepted connection is handed to an errgroup
// goroutine; Serve returns ErrServerClosed after a Shutdown.
func (server *Server) Serve(ln net.Listener) error {
	if server.Rand == nil {
		server.Rand = rand.Reader
	}
	if server.MaxConns == 0 {
		server.MaxConns = 1 << 12
	}
	if server.Logf == nil {
		server.Logf = func(format string, v ...interface{}) {}
	}
	if server.IdleTimeout == 0 {
		server.IdleTimeout = 29 * time.Minute
	}
	if server.CommandTimeout == 0 {
		server.CommandTimeout = 30 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(server.MaxConns)

	server.mu.Lock()
	server.ln = ln
	server.cancel = cancel
	server.group = g
	server.conns = make(map[*Conn]struct{})
	server.mu.Unlock()

	var tempDelay time.Duration // sleep on accept failure
	for {
		netConn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				err = ErrServerClosed
			default:
			}
			if ne, _ := err.(net.Error); ne != nil && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				}
				tempDelay *= 2
				if tempDelay > 1*time.Second {
					tempDelay = 1 * time.Second
				}
				server.Logf("accept: %v", err)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		g.Go(func() error {
			server.serveSession(ctx, netConn)
			return nil
		})
	}
}

// Shutdown closes the listener, cancels every session's context, and
// waits for the sessions to drain. If ctx expires first, the remaining
// connections are closed outright and Shutdown still waits for their
// goroutines to finish.
func (server *Server) Shutdown(ctx context.Context) error {
	server.mu.Lock()
	ln, cancel, g := server.ln, server.cancel, server.group
	server.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if cancel != nil {
		cancel()
	}
	if g == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		server.mu.Lock()
		for c := range server.conns {
			c.closeConn()
		}
		server.mu.Unlock()
		<-done
	}
	return nil
}

func (server *Server) genSessionID() (string, error) {
	idb := make([]byte, 10)
	if _, err := io.ReadFull(server.Rand, idb); err != nil {
		return "", err
	}
	return base32.StdEncoding.EncodeToString(idb), nil
}

func (server *Server) serveSession(ctx context.Context, netConn net.Conn) {
	sessionID, err := server.genSessionID()
	if err != nil {
		server.Logf("generating session ID failed: %v", err)
		netConn.Close()
		return
	}

	if server.TLSConfig != nil {
		netConn = tls.Server(netConn, server.TLSConfig)
	}

	server.mu.Lock()
	server.lastSess++
	sid := mailbox.SessionID(server.lastSess)
	server.mu.Unlock()

	c := &Conn{
		ID: sessionID,
		Logf: func(format string, v ...interface{}) {
			server.Logf("session("+sessionID+"): "+format, v...)
		},
		server:    server,
		sessionID: sid,
		netConn:   netConn,
		br:        bufio.NewReader(netConn),
		bw:        bufio.NewWriter(netConn),
	}

	server.mu.Lock()
	server.conns[c] = struct{}{}
	server.mu.Unlock()

	c.serve(ctx)
}

// Conn is one client connection's session state.
type Conn struct {
	Context context.Context
	ID      string
	Logf    func(format string, v ...interface{})

	server    *Server
	sessionID mailbox.SessionID
	netConn   net.Conn
	br        *bufio.Reader
	bw        *bufio.Writer
	p         *imapproto.Parser

	session  imap.Session
	selected *mailbox.Data
	snap     *mailbox.Snapshot
	readOnly bool

	// fetchSeenDirty/fetchSawFlags coordinate cmdFetch's implicit
	// \Seen mutation with the FLAGS data item; see markSeen.
	fetchSeenDirty bool
	fetchSawFlags  bool
}

func (c *Conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.Context = ctx

	defer func() {
		if r := recover(); r != nil {
			c.Logf("panic: %v\n%s", r, debug.Stack())
			c.writef("* BYE [SERVERBUG] internal error\r\n")
			c.flush()
		}
		c.closeSelected()
		cancel()
		c.closeConn()

		c.server.mu.Lock()
		delete(c.server.conns, c)
		c.server.mu.Unlock()
	}()

	litf := c.server.Filer.BufferFile(0)
	defer litf.Close()

	c.writef("* OK [CAPABILITY %s] spilled.ink IMAP4rev1 server ready\r\n", capability)
	if err := c.flush(); err != nil {
		return
	}

	contFn := func(msg string, n uint32) {
		c.writef("%s", msg)
		c.flush()
	}
	c.p = &imapproto.Parser{Scanner: imapproto.NewScanner(c.br, litf, contFn)}

	for {
		c.netConn.SetReadDeadline(time.Now().Add(c.server.CommandTimeout))
		if _, err := c.br.Peek(1); err != nil {
			return
		}
		if !c.serveParseCmd() {
			return
		}
	}
}

func (c *Conn) serveParseCmd() bool {
	err := c.p.ParseCommand()
	if err == io.EOF {
		return false
	}
	if ne, _ := err.(net.Error); ne != nil {
		return false
	}
	if te, isTagged := err.(imapproto.TaggedError); isTagged {
		c.writef("%s BAD %v\r\n", te.Tag, te.Err)
		c.flush()
		return true
	}
	if _, isParseError := err.(imapproto.ParseError); isParseError {
		c.Logf("parse error: %v", err)
		c.writef("* BAD %v\r\n", err)
		c.flush()
		return true
	}
	if err != nil {
		c.Logf("conn error: %v", err)
		c.writef("* BAD connection error\r\n")
		c.flush()
		return false
	}
	c.serveCmd()
	return true
}

// minMode returns the least protocol state a command may be issued in.
func minMode(name string) imapproto.Mode {
	switch name {
	case "CAPABILITY", "NOOP", "LOGOUT", "STARTTLS", "LOGIN", "AUTHENTICATE":
		return imapproto.ModeNonAuth
	case "CHECK", "CLOSE", "UNSELECT", "EXPUNGE", "SEARCH", "FETCH", "STORE", "COPY":
		return imapproto.ModeSelected
	default:
		return imapproto.ModeAuth
	}
}

func (c *Conn) serveCmd() {
	start := time.Now()
	cmd := &c.p.Command

	if c.p.Mode < minMode(cmd.Name) {
		c.respondTagged("BAD %s not allowed in current state", cmd.Name)
		return
	}

	switch cmd.Name {
	case "CAPABILITY":
		c.writef("* CAPABILITY %s\r\n", capability)
		c.respondTagged("OK CAPABILITY completed")
	case "NOOP":
		c.respondTagged("OK NOOP completed")
	case "CHECK":
		c.respondTagged("OK CHECK completed")
	case "LOGOUT":
		c.writeUpdates()
		c.writef("* BYE logging out\r\n%s OK LOGOUT completed\r\n", cmd.Tag)
		c.flush()
		c.closeConn()
	case "STARTTLS":
		if c.server.TLSConfig != nil {
			c.respondTagged("BAD already using TLS")
		} else {
			c.respondTagged("NO STARTTLS not available")
		}
	case "LOGIN", "AUTHENTICATE":
		c.cmdLogin()
	case "SELECT", "EXAMINE":
		c.cmdSelect()
	case "CREATE":
		if err := c.session.Mailboxes().AddMailbox(string(cmd.Mailbox)); err != nil {
			c.respondTagged("NO [ALREADYEXISTS] CREATE %v", err)
		} else {
			c.respondTagged("OK CREATE completed")
		}
	case "DELETE":
		if err := c.session.Mailboxes().DeleteMailbox(string(cmd.Mailbox)); err != nil {
			c.respondTagged("NO [NONEXISTENT] DELETE %v", err)
		} else {
			c.respondTagged("OK DELETE completed")
		}
	case "RENAME":
		old, new := string(cmd.Rename.OldMailbox), string(cmd.Rename.NewMailbox)
		if err := c.session.Mailboxes().RenameMailbox(old, new); err != nil {
			c.respondTagged("NO RENAME %v", err)
		} else {
			c.respondTagged("OK RENAME completed")
		}
	case "SUBSCRIBE":
		c.session.Mailboxes().Subscribe(string(cmd.Mailbox))
		c.respondTagged("OK SUBSCRIBE completed")
	case "UNSUBSCRIBE":
		c.session.Mailboxes().Unsubscribe(string(cmd.Mailbox))
		c.respondTagged("OK UNSUBSCRIBE completed")
	case "LIST", "LSUB":
		c.cmdList()
	case "STATUS":
		c.cmdStatus()
	case "APPEND":
		c.cmdAppend()
	case "CLOSE":
		c.writeUpdates()
		if !c.readOnly {
			// Implicit expunge, reported without untagged EXPUNGE
			// responses per RFC 3501 section 6.4.2.
			c.selected.Expunge(nil, c.snap)
		}
		c.closeSelected()
		c.respondTagged("OK CLOSE completed")
	case "UNSELECT":
		c.writeUpdates()
		c.closeSelected()
		c.respondTagged("OK UNSELECT completed")
	case "EXPUNGE":
		c.cmdExpunge()
	case "SEARCH":
		c.cmdSearch()
	case "FETCH":
		c.cmdFetch()
	case "STORE":
		c.cmdStore()
	case "COPY":
		c.cmdCopy()
	case "IDLE":
		c.cmdIdle()
	default:
		c.respondTagged("BAD %s not implemented", cmd.Name)
	}

	user := ""
	if c.session != nil {
		user = c.session.Username()
	}
	c.Logf("%s", logMsg{
		What:     "cmd " + cmd.Name,
		When:     start,
		Duration: time.Since(start),
		ID:       c.ID,
		Tag:      string(cmd.Tag),
		User:     user,
	})
}

func (c *Conn) cmdLogin() {
	cmd := &c.p.Command

	if c.p.Mode != imapproto.ModeNonAuth {
		c.respondTagged("BAD already logged in")
		return
	}
	session, err := c.server.DataStore.Login(cmd.Auth.Username, cmd.Auth.Password)
	if errors.Is(err, imap.ErrBadCredentials) {
		c.respondTagged("NO [AUTHENTICATIONFAILED] invalid credentials")
		return
	} else if err != nil {
		c.Logf("login: %v", err)
		c.respondTagged("NO %s failed", cmd.Name)
		return
	}
	c.session = session
	c.p.Mode = imapproto.ModeAuth
	c.respondTagged("OK [CAPABILITY %s] %s logged in", capability, session.Username())
}

func (c *Conn) cmdSelect() {
	cmd := &c.p.Command

	c.writeUpdates()
	c.closeSelected()

	mbx, err := c.session.Mailboxes().GetMailbox(string(cmd.Mailbox))
	if err != nil {
		c.respondTagged("NO [NONEXISTENT] %s no such mailbox", cmd.Name)
		return
	}
	readOnly := cmd.Name == "EXAMINE" || mbx.Readonly()

	c.selected = mbx
	c.snap = mbx.Select(c.sessionID, readOnly)
	c.readOnly = readOnly
	c.p.Mode = imapproto.ModeSelected

	c.writef("* %d EXISTS\r\n", c.snap.Len())
	c.writef("* %d RECENT\r\n", c.snap.RecentCount())
	flags := definedFlags(mbx)
	c.writef("* FLAGS (%s)\r\n", strings.Join(flags, " "))
	if readOnly {
		c.writef("* OK [PERMANENTFLAGS ()] no permanent flags permitted\r\n")
	} else {
		c.writef(`* OK [PERMANENTFLAGS (%s \*)] flags permitted`+"\r\n", strings.Join(flags, " "))
	}
	if seq := c.firstUnseenSeq(); seq > 0 {
		c.writef("* OK [UNSEEN %d] first unseen message\r\n", seq)
	}
	c.writef("* OK [UIDVALIDITY %d] UIDs valid\r\n", mbx.UIDValidity())
	c.writef("* OK [UIDNEXT %d] predicted next UID\r\n", mbx.UIDNext())

	if readOnly {
		c.respondTagged("OK [READ-ONLY] %s completed", cmd.Name)
	} else {
		c.respondTagged("OK [READ-WRITE] SELECT completed")
	}
}

// definedFlags builds the untagged FLAGS list for a mailbox: the system
// flags, then every user keyword the mailbox has ever seen.
func definedFlags(mbx *mailbox.Data) []string {
	flags := []string{
		mailbox.FlagAnswered, mailbox.FlagFlagged, mailbox.FlagDeleted,
		mailbox.FlagSeen, mailbox.FlagDraft,
	}
	for _, f := range mbx.FlagsSeen() {
		if !strings.HasPrefix(f, `\`) {
			flags = append(flags, f)
		}
	}
	return flags
}

func (c *Conn) firstUnseenSeq() int {
	for i, uid := range c.snap.UIDs() {
		msg, ok := c.selected.Get(uid)
		if !ok {
			continue
		}
		if !hasFlag(msg, mailbox.FlagSeen) {
			return i + 1
		}
	}
	return 0
}

func hasFlag(msg *mailbox.Message, name string) bool {
	for _, f := range msg.Flags() {
		if f == name {
			return true
		}
	}
	return false
}

func (c *Conn) cmdList() {
	cmd := &c.p.Command

	if len(cmd.List.MailboxGlob) == 0 {
		// An empty pattern queries the hierarchy delimiter.
		c.writef("* %s (\\Noselect) \"/\" \"\"\r\n", cmd.Name)
		c.respondTagged("OK %s completed", cmd.Name)
		return
	}

	set := c.session.Mailboxes()
	infos := set.ListMailboxes(string(cmd.List.ReferenceName), string(cmd.List.MailboxGlob), cmd.Name == "LSUB")

	// RFC 3348 child mailbox attributes, computed over the whole tree
	// so a filtered LIST still reports parents correctly.
	hasKids := make(map[string]bool)
	for _, s := range set.ListMailboxes("", "*", false) {
		if i := strings.LastIndexByte(s.Name, '/'); i > 0 {
			hasKids[s.Name[:i]] = true
		}
	}

	for _, s := range infos {
		attr := `\HasNoChildren`
		if hasKids[s.Name] {
			attr = `\HasChildren`
		}
		c.writef("* %s (%s) \"/\" ", cmd.Name, attr)
		c.writeString(s.Name)
		c.writef("\r\n")
	}
	c.respondTagged("OK %s completed", cmd.Name)
}

func (c *Conn) cmdStatus() {
	cmd := &c.p.Command

	mbx, err := c.session.Mailboxes().GetMailbox(string(cmd.Mailbox))
	if err != nil {
		c.respondTagged("NO [NONEXISTENT] STATUS no such mailbox")
		return
	}

	c.writef("* STATUS ")
	c.writeStringBytes(cmd.Mailbox)
	c.writef(" (")
	for i, item := range cmd.Status.Items {
		if i > 0 {
			c.writef(" ")
		}
		switch item {
		case imapproto.StatusMessages:
			c.writef("MESSAGES %d", mbx.Len())
		case imapproto.StatusRecent:
			c.writef("RECENT %d", mbx.RecentCount())
		case imapproto.StatusUIDNext:
			c.writef("UIDNEXT %d", mbx.UIDNext())
		case imapproto.StatusUIDValidity:
			c.writef("UIDVALIDITY %d", mbx.UIDValidity())
		case imapproto.StatusUnseen:
			c.writef("UNSEEN %d", mbx.UnseenCount())
		default:
			c.Logf("STATUS: unknown item: %v", item)
		}
	}
	c.writef(")\r\n")
	c.respondTagged("OK STATUS completed")
}

func (c *Conn) cmdAppend() {
	cmd := &c.p.Command

	mbx, err := c.session.Mailboxes().GetMailbox(string(cmd.Mailbox))
	if err != nil {
		c.respondTagged("NO [TRYCREATE] APPEND no such mailbox")
		return
	}
	if mbx.Readonly() {
		c.respondTagged("NO APPEND mailbox is read-only")
		return
	}

	date := time.Now().UTC()
	if len(cmd.Append.Date) > 0 {
		date, err = parseDateTime(string(cmd.Append.Date))
		if err != nil {
			c.respondTagged("BAD APPEND date: %v", err)
			return
		}
	}

	if cmd.Literal == nil {
		c.respondTagged("BAD APPEND missing message literal")
		return
	}
	data, err := io.ReadAll(cmd.Literal)
	if err != nil {
		c.Logf("APPEND literal: %v", err)
		c.respondTagged("NO APPEND reading message failed")
		return
	}

	flags := make([]string, 0, len(cmd.Append.Flags))
	for _, f := range cmd.Append.Flags {
		flags = append(flags, string(f))
	}

	// The appending session is not passed as origin: even if this
	// mailbox is the selected one, the RFC wants the new message
	// reported as an untagged EXISTS before the tagged OK, which the
	// normal drain provides.
	uid := mbx.Append(content.Parse(data), flags, date, true, nil)
	c.respondTagged("OK [APPENDUID %d %d] APPEND completed", mbx.UIDValidity(), uid)
}

// parseDateTime parses the RFC 3501 date-time form, accepting both the
// zero-padded and the space-padded day the grammar allows.
func parseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse("2-Jan-2006 15:04:05 -0700", s)
	if err != nil {
		t, err = time.Parse("02-Jan-2006 15:04:05 -0700", s)
	}
	return t, err
}

func (c *Conn) cmdExpunge() {
	cmd := &c.p.Command

	if c.readOnly {
		c.respondTagged("NO EXPUNGE mailbox is read-only")
		return
	}

	// Sync our view first so the sequence numbers the mailbox reports
	// match this snapshot.
	c.writeUpdates()

	var uidFilter map[uint32]bool
	if cmd.UID && len(cmd.Sequences) > 0 {
		seqs := imapproto.ResolveSeqs(cmd.Sequences, c.snap.MaxUID())
		uidFilter = make(map[uint32]bool)
		for _, uid := range c.snap.UIDs() {
			if imapproto.SeqContains(seqs, uid) {
				uidFilter[uid] = true
			}
		}
	}

	removed := c.selected.Expunge(uidFilter, c.snap)
	for _, seq := range removed {
		c.writef("* %d EXPUNGE\r\n", seq)
		c.snap.RemoveSeq(seq)
	}

	if cmd.UID {
		c.respondTagged("OK UID EXPUNGE completed")
	} else {
		c.respondTagged("OK EXPUNGE completed")
	}
}

// resolveUIDs maps the command's sequence-set to the UIDs it names
// within the current snapshot, in sequence order.
func (c *Conn) resolveUIDs(byUID bool, seqs []imapproto.SeqRange) []uint32 {
	max := uint32(c.snap.Len())
	if byUID {
		max = c.snap.MaxUID()
	}
	seqs = imapproto.ResolveSeqs(seqs, max)

	var uids []uint32
	for i, uid := range c.snap.UIDs() {
		if inSelector(byUID, seqs, uid, uint32(i+1)) {
			uids = append(uids, uid)
		}
	}
	return uids
}

func (c *Conn) cmdStore() {
	cmd := &c.p.Command

	if c.readOnly {
		c.respondTagged("NO STORE mailbox is read-only")
		return
	}

	uids := c.resolveUIDs(cmd.UID, cmd.Sequences)
	flags := make([]string, 0, len(cmd.Store.Flags))
	for _, f := range cmd.Store.Flags {
		flags = append(flags, string(f))
	}

	var mode mailbox.StoreMode
	switch cmd.Store.Mode {
	case imapproto.StoreAdd:
		mode = mailbox.StoreAdd
	case imapproto.StoreRemove:
		mode = mailbox.StoreRemove
	case imapproto.StoreReplace:
		mode = mailbox.StoreSet
	default:
		c.respondTagged("BAD STORE unknown mode")
		return
	}

	result, err := c.selected.UpdateFlags(uids, mode, flags, c.snap)
	if err != nil {
		c.respondTagged("NO STORE %v", err)
		return
	}

	if !cmd.Store.Silent {
		for _, uid := range uids {
			seq, ok := c.snap.SeqOf(uid)
			if !ok {
				continue
			}
			c.writef("* %d FETCH (", seq)
			if cmd.UID {
				c.writef("UID %d ", uid)
			}
			c.writef("FLAGS (")
			c.writeFlagList(result[uid], c.snap.IsRecent(uid))
			c.writef("))\r\n")
		}
	}
	c.respondTagged("OK STORE completed")
}

func (c *Conn) writeFlagList(flags []string, recent bool) {
	for i, flag := range flags {
		if i > 0 {
			c.writef(" ")
		}
		c.writeFlag(flag)
	}
	if recent {
		if len(flags) > 0 {
			c.writef(" ")
		}
		c.writef(`\Recent`)
	}
}

func (c *Conn) cmdCopy() {
	cmd := &c.p.Command

	dst, err := c.session.Mailboxes().GetMailbox(string(cmd.CopyMailbox))
	if err != nil {
		c.respondTagged("NO [TRYCREATE] COPY no such mailbox")
		return
	}
	if dst.Readonly() {
		c.respondTagged("NO COPY destination mailbox is read-only")
		return
	}

	uids := c.resolveUIDs(cmd.UID, cmd.Sequences)

	var srcSet, dstSet []imapproto.SeqRange
	for _, uid := range uids {
		msg, ok := c.selected.Get(uid)
		if !ok {
			continue
		}
		newUID := dst.Append(msg.Content, msg.Flags(), msg.InternalDate, true, nil)
		srcSet = imapproto.AppendSeqRange(srcSet, uid)
		dstSet = imapproto.AppendSeqRange(dstSet, newUID)
	}

	if len(srcSet) == 0 {
		c.respondTagged("OK COPY completed")
		return
	}

	src := new(strings.Builder)
	imapproto.FormatSeqs(src, srcSet)
	dstStr := new(strings.Builder)
	imapproto.FormatSeqs(dstStr, dstSet)
	// APPENDUID/COPYUID response codes are defined in RFC 4315.
	c.respondTagged("OK [COPYUID %d %s %s] COPY completed", dst.UIDValidity(), src, dstStr)
}

func (c *Conn) cmdIdle() {
	// RFC 2177: acknowledge with a continuation, stream updates as
	// they happen, and wait for the client's DONE line.
	c.writeUpdates()
	c.writef("+ idling\r\n")
	if err := c.flush(); err != nil {
		c.closeConn()
		return
	}

	type readResult struct {
		line string
		err  error
	}
	lineCh := make(chan readResult, 1)
	go func() {
		c.netConn.SetReadDeadline(time.Time{})
		sl, err := c.br.ReadSlice('\n')
		lineCh <- readResult{line: string(sl), err: err}
	}()

	var notify <-chan struct{}
	if c.snap != nil {
		notify = c.snap.Notify()
	}
	timeout := time.NewTimer(c.server.IdleTimeout)
	defer timeout.Stop()

	for {
		select {
		case res := <-lineCh:
			if res.err != nil {
				c.closeConn()
				return
			}
			if strings.EqualFold(strings.TrimRight(res.line, "\r\n"), "DONE") {
				c.respondTagged("OK IDLE terminated")
			} else {
				c.respondTagged("BAD IDLE terminated: expected DONE, got %q", res.line)
			}
			return
		case <-notify:
			c.writeUpdates()
			if err := c.flush(); err != nil {
				c.closeConn()
				return
			}
		case <-timeout.C:
			c.writef("* BYE IDLE timed out\r\n")
			c.flush()
			c.closeConn()
			return
		case <-c.Context.Done():
			c.writef("* BYE server shutting down\r\n")
			c.flush()
			c.closeConn()
			return
		}
	}
}

func (c *Conn) closeSelected() {
	if c.snap != nil {
		c.snap.Close()
		c.snap = nil
	}
	c.selected = nil
	c.readOnly = false
	if c.p != nil && c.p.Mode == imapproto.ModeSelected {
		c.p.Mode = imapproto.ModeAuth
	}
}

func (c *Conn) closeConn() {
	c.netConn.Close()
}

func (c *Conn) flush() error {
	return c.bw.Flush()
}

func (c *Conn) writef(format string, v ...interface{}) {
	fmt.Fprintf(c.bw, format, v...)
}

func (c *Conn) writeUntagged(what string) {
	c.writef("* %s", what)
}

// respondTagged drains any pending untagged updates, then writes the
// tagged completion line: "<tag> msg\r\n".
func (c *Conn) respondTagged(format string, v ...interface{}) {
	c.writeUpdates()
	c.bw.Write(c.p.Command.Tag)
	c.bw.WriteByte(' ')
	fmt.Fprintf(c.bw, format, v...)
	c.bw.WriteByte('\r')
	c.bw.WriteByte('\n')
	if err := c.flush(); err != nil {
		c.closeConn()
	}
}

// writeUpdates turns the snapshot's pending event queue into untagged
// responses, in the fixed order Drain produces: EXPUNGE (descending),
// EXISTS, RECENT, then FETCH flag updates.
func (c *Conn) writeUpdates() {
	if c.snap == nil {
		return
	}
	for _, u := range c.snap.Drain() {
		switch u.Kind {
		case mailbox.UpdateExpunge:
			c.writef("* %d EXPUNGE\r\n", u.Seq)
		case mailbox.UpdateExists:
			c.writef("* %d EXISTS\r\n", u.Count)
		case mailbox.UpdateRecent:
			c.writef("* %d RECENT\r\n", u.Count)
		case mailbox.UpdateFlags:
			c.writef("* %d FETCH (FLAGS (", u.Seq)
			c.writeFlagList(u.Flags, c.snap.IsRecent(u.UID))
			c.writef(") UID %d)\r\n", u.UID)
		}
	}
}

func (c *Conn) writeStringBytes(s []byte) {
	c.writeString(string(s))
}

// writeString writes s as an atom, a quoted string, or a literal,
// whichever the value first requires; non-ASCII text is encoded as
// modified UTF-7 per RFC 3501 section 5.1.3.
func (c *Conn) writeString(s string) {
	if s == "" {
		c.writef(`""`)
		return
	}

	type strType int

	const (
		strLiteral strType = iota
		strQuote
		strAtom
	)

	strTypeVal := strAtom
	sCheck := s
	for len(sCheck) > 0 {
		r, sz := utf8.DecodeRuneInString(sCheck)
		sCheck = sCheck[sz:]
		if r == utf8.RuneError || r == '\r' || r == '\n' || r == '"' {
			strTypeVal = strLiteral
			break
		}
		switch {
		case 'A' <= r && r <= 'Z',
			'a' <= r && r <= 'z',
			'0' <= r && r <= '9',
			r == '-', r == '_', r == '.':
			// easily-allowable in an atom
		default:
			strTypeVal = strQuote
		}
	}

	switch strTypeVal {
	case strAtom:
		c.bw.WriteString(s)
	case strLiteral:
		c.writeLiteralBytes([]byte(s))
	case strQuote:
		b, err := utf7mod.AppendEncode(make([]byte, 0, 128), []byte(s))
		if err != nil {
			c.Logf("cannot encode string %q", s)
		}
		c.writef("%q", b)
	}
}
