// Package imapproto implements the IMAP4rev1 command grammar: a
// byte-oriented scanner, a command parser built on it, and a SEARCH
// criteria matcher. It has no dependency on any particular mailbox
// backend; callers hand it a MatchMessage to evaluate SEARCH against.
package imapproto

import (
	"time"

	"crawshaw.io/iox"
)

// Command is a fully parsed client command line.
type Command struct {
	Tag  []byte
	Name string

	// UID reports whether the command was prefixed "UID", meaning its
	// response reports UIDs instead of sequence numbers. Name is one
	// of: COPY, EXPUNGE, FETCH, SEARCH, STORE.
	UID bool

	// Mailbox is set when Name is one of:
	// SELECT, EXAMINE, CREATE, DELETE, SUBSCRIBE, UNSUBSCRIBE, STATUS,
	// APPEND.
	Mailbox []byte

	// Sequences is set when Name is one of: FETCH, STORE, COPY, or
	// EXPUNGE with UID set.
	Sequences []SeqRange

	// Literal holds the spooled message payload when Name is APPEND.
	// The scanner's spool is detached for the duration; the next
	// ParseCommand reattaches it, so the payload must be consumed
	// before then.
	Literal *iox.BufferFile

	Rename struct { // Name: RENAME
		OldMailbox []byte
		NewMailbox []byte
	}

	Auth struct { // Name: LOGIN, AUTHENTICATE
		Username []byte
		Password []byte
	}

	List List // Name is one of: LIST, LSUB

	Status struct { // Name: STATUS
		Items []StatusItem
	}

	Append struct { // Name: APPEND
		Flags [][]byte
		Date  []byte
	}

	FetchItems []FetchItem // Name: FETCH

	Store Store // Name: STORE

	Search Search // Name: SEARCH

	CopyMailbox []byte // Name: COPY
}

// List carries the arguments of a LIST or LSUB command.
type List struct {
	ReferenceName []byte
	MailboxGlob   []byte
}

// Store carries the arguments of a STORE command.
type Store struct {
	Mode   StoreMode
	Silent bool
	Flags  [][]byte
}

type StoreMode int

const (
	StoreUnknown StoreMode = iota
	StoreAdd               // +FLAGS
	StoreRemove            // -FLAGS
	StoreReplace           //  FLAGS
)

type StatusItem int

const (
	StatusUnknownItem StatusItem = iota
	StatusMessages
	StatusRecent
	StatusUIDNext
	StatusUIDValidity
	StatusUnseen
)

// SeqRange is a normalized IMAP seq-range: Min <= Max unless Max is the
// '*' placeholder. The value 0 is a placeholder for '*'. When Min == Max it refers to a
// single sequence number or UID.
type SeqRange struct {
	Min uint32
	Max uint32
}

// FetchItem is one element of a FETCH attribute list.
type FetchItem struct {
	Type FetchItemType
	Peek bool // BODY.PEEK

	// HasSection distinguishes "BODY[]" (a section fetch of the whole
	// message) from bare "BODY" (the BODYSTRUCTURE synonym).
	HasSection bool
	Section    FetchItemSection
	Partial    struct {
		Start  uint32
		Length uint32
		Has    bool
	}
}

// FetchItemSection addresses a BODY[section] selector.
type FetchItemSection struct {
	Path    []uint16
	Name    string // "", HEADER, HEADER.FIELDS[.NOT], TEXT, MIME
	Headers [][]byte
}

type FetchItemType string

const (
	FetchUnknown = FetchItemType("FetchUnknown")

	FetchAll  = FetchItemType("ALL")
	FetchFull = FetchItemType("FULL")
	FetchFast = FetchItemType("FAST")

	FetchEnvelope      = FetchItemType("ENVELOPE")
	FetchFlags         = FetchItemType("FLAGS")
	FetchInternalDate  = FetchItemType("INTERNALDATE")
	FetchRFC822        = FetchItemType("RFC822")
	FetchRFC822Header  = FetchItemType("RFC822.HEADER")
	FetchRFC822Size    = FetchItemType("RFC822.SIZE")
	FetchRFC822Text    = FetchItemType("RFC822.TEXT")
	FetchUID           = FetchItemType("UID")
	FetchBodyStructure = FetchItemType("BODYSTRUCTURE")
	FetchBody          = FetchItemType("BODY")
)

// Search carries the arguments of a SEARCH command.
type Search struct {
	Op      *SearchOp
	Charset string
}

// SearchOp is one node of a parsed SEARCH criteria tree.
type SearchOp struct {
	// Key is an IMAP search key, plus two keys not in RFC 3501's
	// grammar: AND (every child of Children must match, used as the
	// root of a bare parenthesized list) and SEQSET (a bare
	// sequence-set criterion).
	Key SearchKey

	// Children is set when Key is AND, OR or NOT (len(Children) == 1
	// for NOT).
	Children []SearchOp

	// Value is set when Key is one of:
	// BCC, CC, FROM, HEADER ("<field-name> <string>"), KEYWORD,
	// SUBJECT, TEXT, BODY, TO, UNKEYWORD.
	Value string

	Num       int64      // Key is one of: LARGER, SMALLER
	Sequences []SeqRange // Key is one of: SEQSET, UID

	Date time.Time // Key is one of: BEFORE, ON, SENTBEFORE, SENTON, SENTSINCE, SINCE
}

type SearchKey string

// Mode is the protocol state a command may legally be issued in.
type Mode int

const (
	ModeNonAuth Mode = iota
	ModeAuth
	ModeSelected
)
