package models

// User is an authenticated principal. The server runs with a single
// configured user; Password holds the hex-encoded SHA-256 of the configured
// password, never the plaintext.
type User struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}
