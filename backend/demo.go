package backend

import (
	"bufio"
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"spilled.ink/content"
	"spilled.ink/mailbox"
)

// demoFS holds the seed data loaded by LoadDemo, in the format described
// in the package's external-interfaces section: one directory per
// mailbox, one file per message. Mirrors pymap's dict backend demo
// loader (_load_demo/_load_demo_mailbox), adapted to Go idiom.
//
// The "all:" prefix is required so embed includes the ".readonly"
// sentinel files, which a plain pattern would otherwise skip.
//
//go:embed all:demo
var demoFS embed.FS

// LoadDemo registers username/password with Backend and populates its
// mailbox tree from the embedded demo data. Mailbox directory names and,
// within each, message file names are visited in sorted order. A file
// named ".readonly" marks the enclosing mailbox read-only regardless of
// its position in that sorted order; every other dotfile is skipped.
func LoadDemo(b *Backend, username, password string) error {
	if err := b.AddUser(username, password); err != nil {
		return err
	}
	set, err := b.Mailboxes(username)
	if err != nil {
		return err
	}
	return loadDemoFS(set, demoFS, "demo")
}

func loadDemoFS(set *mailbox.Set, fsys fs.FS, root string) error {
	topEntries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return fmt.Errorf("backend: reading demo root: %w", err)
	}

	var mailboxNames []string
	for _, e := range topEntries {
		if e.IsDir() {
			mailboxNames = append(mailboxNames, e.Name())
		}
	}
	sort.Strings(mailboxNames)

	for _, name := range mailboxNames {
		if !strings.EqualFold(name, "INBOX") {
			if err := set.AddMailbox(name); err != nil {
				return fmt.Errorf("backend: demo mailbox %q: %w", name, err)
			}
		}
		mbx, err := set.GetMailbox(name)
		if err != nil {
			return err
		}
		if err := loadDemoMailbox(mbx, fsys, root+"/"+name); err != nil {
			return fmt.Errorf("backend: demo mailbox %q: %w", name, err)
		}
	}
	return nil
}

func loadDemoMailbox(mbx *mailbox.Data, fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if name == ".readonly" {
			mbx.SetReadonly(true)
			continue
		}
		if strings.HasPrefix(name, ".") {
			continue
		}
		raw, err := fs.ReadFile(fsys, dir+"/"+name)
		if err != nil {
			return err
		}
		flags, date, msg, err := parseDemoMessage(raw)
		if err != nil {
			return fmt.Errorf("message %q: %w", name, err)
		}
		c := content.Parse(msg)
		mbx.Append(c, flags, date, isRecent(flags), nil)
	}
	return nil
}

// parseDemoMessage splits a demo file into its flag line, its internal
// date line, and the raw RFC 5322 message. The \Recent token, if
// present, stays in flags; the caller turns it into Append's recent
// argument via isRecent, and Append never stores it as a flag on the
// message (see the open question resolution in the design notes).
func parseDemoMessage(raw []byte) (flags []string, date time.Time, msg []byte, err error) {
	r := bufio.NewReader(bytes.NewReader(raw))

	flagLine, err := r.ReadString('\n')
	if err != nil {
		return nil, time.Time{}, nil, fmt.Errorf("missing flag line: %w", err)
	}
	dateLine, err := r.ReadString('\n')
	if err != nil {
		return nil, time.Time{}, nil, fmt.Errorf("missing date line: %w", err)
	}

	for _, f := range strings.Fields(flagLine) {
		flags = append(flags, f)
	}

	epoch, err := strconv.ParseInt(strings.TrimSpace(dateLine), 10, 64)
	if err != nil {
		return nil, time.Time{}, nil, fmt.Errorf("bad epoch %q: %w", dateLine, err)
	}
	date = time.Unix(epoch, 0).UTC()

	rest, err := fromReader(r)
	if err != nil {
		return nil, time.Time{}, nil, err
	}
	return flags, date, rest, nil
}

func fromReader(r *bufio.Reader) ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// isRecent reports whether flags carries the \Recent token. It does not
// need to strip the token from flags: Data.Append already ignores
// \Recent as a stored flag, treating it purely as this boolean.
func isRecent(flags []string) bool {
	for _, f := range flags {
		if f == mailbox.FlagRecent {
			return true
		}
	}
	return false
}
