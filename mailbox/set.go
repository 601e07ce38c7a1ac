package mailbox

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNoSuchMailbox is returned by Set operations that address a mailbox
// which does not exist.
var ErrNoSuchMailbox = fmt.Errorf("mailbox: no such mailbox")

// ErrMailboxExists is returned by AddMailbox when the name is already in
// use.
var ErrMailboxExists = fmt.Errorf("mailbox: already exists")

// Set is one user's mailbox tree: a name -> Data mapping plus a
// subscription list, independent of which named mailboxes currently
// exist.
type Set struct {
	mu            sync.Mutex
	mailboxes     map[string]*Data
	subscriptions map[string]bool
	nextUIDValid  uint32
}

// NewSet returns an empty mailbox set with an INBOX already created.
func NewSet() *Set {
	s := &Set{
		mailboxes:     map[string]*Data{},
		subscriptions: map[string]bool{},
		nextUIDValid:  1,
	}
	s.mailboxes[canonicalName("INBOX")] = New("INBOX", s.takeUIDValidity())
	return s
}

func (s *Set) takeUIDValidity() uint32 {
	v := s.nextUIDValid
	s.nextUIDValid++
	return v
}

// canonicalName folds INBOX to its canonical case-insensitive spelling;
// every other name is case-sensitive, per RFC 3501 section 5.1.
func canonicalName(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}

// GetMailbox returns the named mailbox.
func (s *Set) GetMailbox(name string) (*Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.mailboxes[canonicalName(name)]
	if !ok {
		return nil, fmt.Errorf("mailbox %q: %w", name, ErrNoSuchMailbox)
	}
	return d, nil
}

// AddMailbox creates an empty mailbox named name.
func (s *Set) AddMailbox(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = canonicalName(name)
	if _, ok := s.mailboxes[name]; ok {
		return fmt.Errorf("mailbox %q: %w", name, ErrMailboxExists)
	}
	s.mailboxes[name] = New(name, s.takeUIDValidity())
	return nil
}

// DeleteMailbox removes a mailbox. INBOX cannot be deleted.
func (s *Set) DeleteMailbox(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = canonicalName(name)
	if name == "INBOX" {
		return fmt.Errorf("mailbox INBOX: cannot delete")
	}
	if _, ok := s.mailboxes[name]; !ok {
		return fmt.Errorf("mailbox %q: %w", name, ErrNoSuchMailbox)
	}
	delete(s.mailboxes, name)
	delete(s.subscriptions, name)
	return nil
}

// RenameMailbox moves a mailbox to a new name, atomically with respect to
// other Set operations. Renaming INBOX leaves a fresh empty INBOX behind,
// per RFC 3501 section 6.3.5.
func (s *Set) RenameMailbox(oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldName = canonicalName(oldName)
	newName = canonicalName(newName)
	d, ok := s.mailboxes[oldName]
	if !ok {
		return fmt.Errorf("mailbox %q: %w", oldName, ErrNoSuchMailbox)
	}
	if _, ok := s.mailboxes[newName]; ok {
		return fmt.Errorf("mailbox %q: %w", newName, ErrMailboxExists)
	}
	delete(s.mailboxes, oldName)
	d.name = newName
	s.mailboxes[newName] = d
	if oldName == "INBOX" {
		s.mailboxes["INBOX"] = New("INBOX", s.takeUIDValidity())
	}
	return nil
}

// Subscribe and Unsubscribe manage the subscription set; they do not
// require the named mailbox to currently exist.
func (s *Set) Subscribe(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[canonicalName(name)] = true
}

func (s *Set) Unsubscribe(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, canonicalName(name))
}

// MailboxInfo is one LIST/LSUB reply entry.
type MailboxInfo struct {
	Name        string
	Subscribed  bool
	NoSelect    bool
	HasChildren bool
}

// ListMailboxes returns every mailbox (optionally restricted to the
// subscribed set) whose name matches the reference+pattern, using IMAP
// wildcard rules: '*' matches any characters including the hierarchy
// delimiter, '%' matches any characters except it.
func (s *Set) ListMailboxes(reference, pattern string, subscribedOnly bool) []MailboxInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := reference + pattern
	var names []string
	for name := range s.mailboxes {
		names = append(names, name)
	}
	sort.Strings(names)

	var ret []MailboxInfo
	for _, name := range names {
		if subscribedOnly && !s.subscriptions[name] {
			continue
		}
		if !matchMailboxGlob(full, name) {
			continue
		}
		ret = append(ret, MailboxInfo{
			Name:       name,
			Subscribed: s.subscriptions[name],
		})
	}
	return ret
}

// matchMailboxGlob implements the '*'/'%' wildcard matching described in
// RFC 3501 section 6.3.8, against the '/' hierarchy delimiter.
func matchMailboxGlob(pattern, name string) bool {
	return globMatch([]rune(pattern), []rune(name))
}

func globMatch(pattern, name []rune) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(name); i++ {
			if globMatch(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	case '%':
		for i := 0; i <= len(name); i++ {
			if globMatch(pattern[1:], name[i:]) {
				return true
			}
			if i < len(name) && name[i] == '/' {
				break
			}
		}
		return false
	default:
		if len(name) == 0 || name[0] != pattern[0] {
			return false
		}
		return globMatch(pattern[1:], name[1:])
	}
}
