package fs

import "errors"

// Sentinel errors shared by every Filesystem implementation. The FTP session
// maps these onto reply codes; anything else is treated as a local
// processing error.
var (
	ErrNotFound = errors.New("no such file or directory")
	ErrExists   = errors.New("already exists")
	ErrNotEmpty = errors.New("directory not empty")
	ErrIsDir    = errors.New("is a directory")
	ErrNotDir   = errors.New("not a directory")
)
