// Package backend implements the in-memory, test-oriented DataStore the
// IMAP session engine is driven against: a credential table plus a
// process-wide cache of per-user mailbox trees. It is the concrete
// backend referenced in spilled.ink/imap/imapserver as the "in-memory
// backend" — not meant to survive a process restart.
package backend

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"spilled.ink/imap"
	"spilled.ink/mailbox"
	"spilled.ink/util/throttle"
)

// ErrUserExists is returned by AddUser when the username is already
// registered.
var ErrUserExists = fmt.Errorf("backend: user already exists")

// Session is a logged-in user's handle on their mailbox tree. It has no
// relationship to imap/imapserver.Conn's notion of a session ID, which
// exists only to arbitrate \Recent ownership; a Session here lasts for
// the lifetime of one LOGIN.
type Session struct {
	username  string
	mailboxes *mailbox.Set
}

func (s *Session) Username() string        { return s.username }
func (s *Session) Mailboxes() *mailbox.Set { return s.mailboxes }

// account is the process-wide record for one user: a password hash and
// the single, never-torn-down mailbox tree every login for that user
// shares. Per the design notes this is acceptable only because Backend
// is a testing backend; a persistent backend would consult storage per
// request instead of caching in the process forever.
type account struct {
	username     string
	passwordHash []byte
	mailboxes    *mailbox.Set
}

// Backend is the process-wide credential table and mailbox cache.
type Backend struct {
	mu       sync.Mutex
	accounts map[string]*account

	throttle throttle.Throttle
}

// New returns an empty Backend with no registered users.
func New() *Backend {
	return &Backend{accounts: map[string]*account{}}
}

// AddUser registers a new user with the given password, creating their
// mailbox tree (an INBOX, per mailbox.NewSet). The password is hashed
// with bcrypt; the plaintext is never retained.
func (b *Backend) AddUser(username, password string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.accounts[username]; ok {
		return fmt.Errorf("user %q: %w", username, ErrUserExists)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("backend: hashing password for %q: %w", username, err)
	}
	b.accounts[username] = &account{
		username:     username,
		passwordHash: hash,
		mailboxes:    mailbox.NewSet(),
	}
	return nil
}

// Mailboxes returns the mailbox tree for an already-registered user,
// bypassing authentication. It is used by the demo loader to seed
// mailboxes right after AddUser, and by tests.
func (b *Backend) Mailboxes(username string) (*mailbox.Set, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[username]
	if !ok {
		return nil, fmt.Errorf("backend: unknown user %q", username)
	}
	return acct.mailboxes, nil
}

// Login verifies username/password and returns the user's Session. On
// failure it applies the Backend's login-delay throttle (keyed on
// username) before returning, per the server's requirement to slow
// repeated authentication failures rather than merely reject them.
func (b *Backend) Login(username, password []byte) (imap.Session, error) {
	b.mu.Lock()
	acct, ok := b.accounts[string(username)]
	b.mu.Unlock()

	if !ok {
		b.throttle.Throttle(string(username))
		b.throttle.Add(string(username))
		return nil, imap.ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acct.passwordHash, password); err != nil {
		b.throttle.Throttle(string(username))
		b.throttle.Add(string(username))
		return nil, imap.ErrBadCredentials
	}
	return &Session{username: acct.username, mailboxes: acct.mailboxes}, nil
}
