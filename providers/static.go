package providers

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/oarkflow/s3ftp/models"
)

// Static authenticates exactly one configured login/password pair. Both
// sides of every comparison are hashed first so the compare is constant
// time regardless of input length.
type Static struct {
	user     [sha256.Size]byte
	password [sha256.Size]byte
	username string
}

func NewStatic(login, password string) *Static {
	return &Static{
		user:     sha256.Sum256([]byte(login)),
		password: sha256.Sum256([]byte(password)),
		username: login,
	}
}

func (s *Static) Lookup(user string) bool {
	h := sha256.Sum256([]byte(user))
	return subtle.ConstantTimeCompare(h[:], s.user[:]) == 1
}

func (s *Static) Login(user, pass string) (*models.User, error) {
	uh := sha256.Sum256([]byte(user))
	ph := sha256.Sum256([]byte(pass))

	userOK := subtle.ConstantTimeCompare(uh[:], s.user[:])
	passOK := subtle.ConstantTimeCompare(ph[:], s.password[:])
	if userOK&passOK != 1 {
		return nil, ErrInvalidCredentials
	}
	return &models.User{
		Username: s.username,
		Password: hex.EncodeToString(s.password[:]),
	}, nil
}
