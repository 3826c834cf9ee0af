package providers

import (
	"errors"

	"github.com/oarkflow/s3ftp/models"
)

// ErrInvalidCredentials is returned by Login for a bad username or password.
// Callers must not distinguish which of the two was wrong.
var ErrInvalidCredentials = errors.New("invalid username or password")

// UserProvider authenticates control-channel logins.
type UserProvider interface {
	// Lookup reports whether the user name is known. It performs no
	// authentication; the FTP USER command needs it before PASS arrives.
	Lookup(user string) bool

	// Login validates the pair and returns the matching user.
	Login(user, pass string) (*models.User, error)
}
