package interfaces

import (
	"context"
	"io"
	"os"

	"github.com/oarkflow/s3ftp/log"
)

// Filesystem is the storage surface the protocol front-ends drive. All
// paths are normalized virtual paths ("/", "/dir/file"); backends translate
// them to whatever the store understands. Implementations must return the
// fs package sentinel errors for the conditions they name.
type Filesystem interface {
	// Stat describes a file or directory.
	Stat(ctx context.Context, path string) (os.FileInfo, error)

	// List returns the immediate children of a directory, one entry per
	// child, nested content collapsed into a single directory entry.
	List(ctx context.Context, path string) ([]os.FileInfo, error)

	// Open streams a file's content.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Create writes a file from r. The write is atomic: on failure no
	// object is visible at path. An existing file is replaced.
	Create(ctx context.Context, path string, r io.Reader) (int64, error)

	// Append extends an existing file with the bytes from r, creating it
	// when absent.
	Append(ctx context.Context, path string, r io.Reader) (int64, error)

	// Delete removes a file. Directories are rejected with ErrIsDir.
	Delete(ctx context.Context, path string) error

	// Mkdir creates a directory; ErrExists when anything is already there.
	Mkdir(ctx context.Context, path string) error

	// Rmdir removes an empty directory; ErrNotEmpty otherwise.
	Rmdir(ctx context.Context, path string) error

	// Rename moves a file or a directory tree.
	Rename(ctx context.Context, from, to string) error

	SetLogger(logger log.Logger)
	Type() string
}
