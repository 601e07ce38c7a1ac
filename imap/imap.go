// Package imap defines the boundary between the IMAP session engine in
// imap/imapserver and the data stores that serve it. A store
// authenticates users and hands the engine a per-login Session, whose
// mailbox tree the engine then drives directly.
package imap

import (
	"errors"

	"spilled.ink/mailbox"
)

// ErrBadCredentials is returned (possibly wrapped) by DataStore.Login
// when the username is unknown or the password does not match. The
// session engine maps it to NO [AUTHENTICATIONFAILED]; any other error
// is reported as a generic NO.
var ErrBadCredentials = errors.New("imap: bad credentials")

// Session is one authenticated login's handle on a user's data.
//
// Several concurrent connections may log in as the same user; each gets
// its own Session, but all Sessions of one user share the same mailbox
// tree.
type Session interface {
	Username() string
	Mailboxes() *mailbox.Set
}

// DataStore authenticates users for the session engine.
type DataStore interface {
	// Login verifies the credentials and returns a Session for the
	// user. Implementations are responsible for throttling repeated
	// failures; the engine only reports the error and carries on.
	Login(username, password []byte) (Session, error)
}
