package imapserver

import (
	"fmt"
	"strings"
	"time"
)

// logMsg is one structured log line, written as JSON text (not through
// encoding/json: the set of populated fields varies per call site, and a
// hand-rolled writer avoids allocating a map for every line).
type logMsg struct {
	What     string
	When     time.Time
	Duration time.Duration
	ID       string // session ID
	Tag      string // command tag
	User     string
	Mailbox  string
	Err      error
}

func (l logMsg) String() string {
	const where = "imap"

	buf := new(strings.Builder)
	fmt.Fprintf(buf, `{"where": %q, "what": %q, `, where, l.What)

	if l.When.IsZero() {
		l.When = time.Now()
	}
	buf.WriteString(`"when": "`)
	buf.Write(l.When.AppendFormat(make([]byte, 0, 64), time.RFC3339Nano))
	buf.WriteString(`"`)

	if l.Duration != 0 {
		fmt.Fprintf(buf, `, "duration": "%s"`, l.Duration)
	}
	if l.ID != "" {
		fmt.Fprintf(buf, `, "session_id": %q`, l.ID)
	}
	if l.Tag != "" {
		fmt.Fprintf(buf, `, "tag": %q`, l.Tag)
	}
	if l.User != "" {
		fmt.Fprintf(buf, `, "user": %q`, l.User)
	}
	if l.Mailbox != "" {
		fmt.Fprintf(buf, `, "mailbox": %q`, l.Mailbox)
	}
	if l.Err != nil {
		fmt.Fprintf(buf, `, "err": %q`, l.Err.Error())
	}
	buf.WriteByte('}')
	return buf.String()
}
