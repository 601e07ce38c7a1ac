package imapproto

import (
	"strings"
	"time"
)

// MatchMessage is the view of a stored message a Matcher needs to
// evaluate SEARCH criteria against it. Implementations typically wrap a
// mailbox.Message plus its position within a particular snapshot.
type MatchMessage interface {
	SeqNum() uint32
	UID() uint32
	Flag(name string) bool
	Header(name string) string
	AllHeaders() string
	BodyText() string
	InternalDate() time.Time
	SentDate() time.Time
	RFC822Size() int64
}

// Matcher evaluates a parsed SearchOp tree against messages.
type Matcher struct {
	op *SearchOp
}

func NewMatcher(op *SearchOp) *Matcher {
	return &Matcher{op: op}
}

func (m *Matcher) Match(msg MatchMessage) bool {
	return m.match(msg, m.op)
}

func (m *Matcher) match(msg MatchMessage, op *SearchOp) bool {
	switch op.Key {
	case "AND":
		for i := range op.Children {
			if !m.match(msg, &op.Children[i]) {
				return false
			}
		}
		return true
	case "OR":
		for i := range op.Children {
			if m.match(msg, &op.Children[i]) {
				return true
			}
		}
		return false
	case "NOT":
		if len(op.Children) != 1 {
			return false // malformed AST, avoid panicking
		}
		return !m.match(msg, &op.Children[0])
	case "SEQSET":
		return SeqContains(op.Sequences, msg.SeqNum())
	case "UID":
		return SeqContains(op.Sequences, msg.UID())
	case "ALL":
		return true
	case "BEFORE":
		return dateOnly(msg.InternalDate()).Before(op.Date)
	case "ON":
		return dateOnly(msg.InternalDate()).Equal(op.Date)
	case "SINCE":
		t := dateOnly(msg.InternalDate())
		return t.Equal(op.Date) || t.After(op.Date)
	case "SENTBEFORE":
		return dateOnly(msg.SentDate()).Before(op.Date)
	case "SENTON":
		return dateOnly(msg.SentDate()).Equal(op.Date)
	case "SENTSINCE":
		t := dateOnly(msg.SentDate())
		return t.Equal(op.Date) || t.After(op.Date)
	case "KEYWORD":
		return msg.Flag(op.Value)
	case "UNKEYWORD":
		return !msg.Flag(op.Value)
	case "LARGER":
		return msg.RFC822Size() > op.Num
	case "SMALLER":
		return msg.RFC822Size() < op.Num
	case "NEW":
		return msg.Flag(FlagRecent) && !msg.Flag(FlagSeen)
	case "OLD":
		return !msg.Flag(FlagRecent)
	case "RECENT":
		return msg.Flag(FlagRecent)
	case "SEEN":
		return msg.Flag(FlagSeen)
	case "UNSEEN":
		return !msg.Flag(FlagSeen)
	case "HEADER":
		i := strings.IndexByte(op.Value, ' ')
		if i < 0 {
			return containsFold(msg.Header(op.Value), "")
		}
		name := op.Value[:i]
		value := op.Value[i+1:]
		return containsFold(msg.Header(name), value)
	case "SUBJECT":
		return containsFold(msg.Header("Subject"), op.Value)
	case "TO":
		return containsFold(msg.Header("To"), op.Value)
	case "FROM":
		return containsFold(msg.Header("From"), op.Value)
	case "CC":
		return containsFold(msg.Header("Cc"), op.Value)
	case "BCC":
		return containsFold(msg.Header("Bcc"), op.Value)
	case "BODY":
		return containsFold(msg.BodyText(), op.Value)
	case "TEXT":
		return containsFold(msg.AllHeaders(), op.Value) || containsFold(msg.BodyText(), op.Value)
	case "ANSWERED":
		return msg.Flag(FlagAnswered)
	case "UNANSWERED":
		return !msg.Flag(FlagAnswered)
	case "DELETED":
		return msg.Flag(FlagDeleted)
	case "UNDELETED":
		return !msg.Flag(FlagDeleted)
	case "DRAFT":
		return msg.Flag(FlagDraft)
	case "UNDRAFT":
		return !msg.Flag(FlagDraft)
	case "FLAGGED":
		return msg.Flag(FlagFlagged)
	case "UNFLAGGED":
		return !msg.Flag(FlagFlagged)
	}
	return false
}

func dateOnly(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// SeqContains reports whether seqNum falls within any range in
// sequences. A Max of 0 represents '*', the largest value.
func SeqContains(sequences []SeqRange, seqNum uint32) bool {
	for _, seq := range sequences {
		if seq.Min <= seqNum && (seq.Max == 0 || seq.Max >= seqNum) {
			return true
		}
	}
	return false
}

// System flag names referenced by search keys that are not commands
// themselves (avoids importing the mailbox package just for these
// string constants).
const (
	FlagSeen     = "\\Seen"
	FlagAnswered = "\\Answered"
	FlagFlagged  = "\\Flagged"
	FlagDeleted  = "\\Deleted"
	FlagDraft    = "\\Draft"
	FlagRecent   = "\\Recent"
)
