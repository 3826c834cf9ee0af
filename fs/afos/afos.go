// Package afos exposes an afero filesystem through the storage interface the
// protocol front-ends use. It backs local runs ("os" driver) and the
// protocol test suites, with the same semantics as the S3 backend: atomic
// creates, mkdir of an existing path fails, rmdir of a non-empty directory
// fails.
package afos

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"

	"github.com/oarkflow/s3ftp/fs"
	"github.com/oarkflow/s3ftp/log"
)

type Afos struct {
	fs     afero.Fs
	logger log.Logger
}

// New roots the backend at dir on the host filesystem.
func New(dir string) *Afos {
	return &Afos{
		fs:     afero.NewBasePathFs(afero.NewOsFs(), dir),
		logger: log.Nop(),
	}
}

// NewMem returns a backend on an in-memory filesystem.
func NewMem() *Afos {
	return &Afos{fs: afero.NewMemMapFs(), logger: log.Nop()}
}

func (a *Afos) SetLogger(logger log.Logger) { a.logger = logger }
func (a *Afos) Type() string                { return "os" }

func (a *Afos) Stat(_ context.Context, path string) (os.FileInfo, error) {
	info, err := a.fs.Stat(path)
	if err != nil {
		return nil, wrap(path, err)
	}
	return fs.NewFileInfo(fs.BaseName(path), info.Size(), info.ModTime(), info.IsDir()), nil
}

func (a *Afos) List(_ context.Context, path string) ([]os.FileInfo, error) {
	info, err := a.fs.Stat(path)
	if err != nil {
		return nil, wrap(path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", path, fs.ErrNotDir)
	}

	children, err := afero.ReadDir(a.fs, path)
	if err != nil {
		return nil, wrap(path, err)
	}
	entries := make([]os.FileInfo, 0, len(children))
	for _, c := range children {
		entries = append(entries, fs.NewFileInfo(c.Name(), c.Size(), c.ModTime(), c.IsDir()))
	}
	return entries, nil
}

func (a *Afos) Open(_ context.Context, path string) (io.ReadCloser, error) {
	info, err := a.fs.Stat(path)
	if err != nil {
		return nil, wrap(path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: %w", path, fs.ErrIsDir)
	}
	f, err := a.fs.Open(path)
	if err != nil {
		return nil, wrap(path, err)
	}
	return f, nil
}

func (a *Afos) Create(_ context.Context, path string, r io.Reader) (int64, error) {
	if err := a.requireParentDir(path); err != nil {
		return 0, err
	}
	f, err := a.fs.Create(path)
	if err != nil {
		return 0, wrap(path, err)
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		// A half-written file must not stay visible.
		_ = a.fs.Remove(path)
		return 0, fmt.Errorf("writing %s: %w", path, err)
	}
	return n, nil
}

func (a *Afos) Append(_ context.Context, path string, r io.Reader) (int64, error) {
	if err := a.requireParentDir(path); err != nil {
		return 0, err
	}
	f, err := a.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return 0, wrap(path, err)
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("appending to %s: %w", path, err)
	}
	return n, nil
}

func (a *Afos) Delete(_ context.Context, path string) error {
	info, err := a.fs.Stat(path)
	if err != nil {
		return wrap(path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: %w", path, fs.ErrIsDir)
	}
	return wrap(path, a.fs.Remove(path))
}

// Mkdir creates missing intermediate directories, the way the object-store
// backend's marker convention makes any prefix a directory.
func (a *Afos) Mkdir(_ context.Context, path string) error {
	if _, err := a.fs.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, fs.ErrExists)
	}
	return wrap(path, a.fs.MkdirAll(path, 0755))
}

func (a *Afos) Rmdir(_ context.Context, path string) error {
	info, err := a.fs.Stat(path)
	if err != nil {
		return wrap(path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", path, fs.ErrNotDir)
	}
	children, err := afero.ReadDir(a.fs, path)
	if err != nil {
		return wrap(path, err)
	}
	if len(children) > 0 {
		return fmt.Errorf("%s: %w", path, fs.ErrNotEmpty)
	}
	return wrap(path, a.fs.Remove(path))
}

func (a *Afos) Rename(_ context.Context, from, to string) error {
	if _, err := a.fs.Stat(from); err != nil {
		return wrap(from, err)
	}
	return wrap(from, a.fs.Rename(from, to))
}

func (a *Afos) requireParentDir(path string) error {
	parent := fs.Parent(path)
	if parent == "/" {
		return nil
	}
	info, err := a.fs.Stat(parent)
	if err != nil {
		return wrap(parent, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", parent, fs.ErrNotDir)
	}
	return nil
}

func wrap(path string, err error) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", path, fs.ErrNotFound)
	}
	return err
}
