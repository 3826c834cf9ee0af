package afos

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/oarkflow/s3ftp/fs"
)

func TestCreateAndOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := NewMem()

	n, err := a.Create(ctx, "/hello.txt", strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n != 11 {
		t.Errorf("Create returned %d bytes", n)
	}

	body, err := a.Open(ctx, "/hello.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(data, []byte("hello world")) {
		t.Errorf("content = %q", data)
	}
}

func TestCreateOverwrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := NewMem()

	if _, err := a.Create(ctx, "/f", strings.NewReader("old content")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Create(ctx, "/f", strings.NewReader("new")); err != nil {
		t.Fatal(err)
	}
	info, err := a.Stat(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 3 {
		t.Errorf("size after overwrite = %d", info.Size())
	}
}

func TestCreateRequiresParentDir(t *testing.T) {
	t.Parallel()
	a := NewMem()

	_, err := a.Create(context.Background(), "/missing/f", strings.NewReader("x"))
	if !errors.Is(err, fs.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := NewMem()

	if _, err := a.Append(ctx, "/log", strings.NewReader("one")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Append(ctx, "/log", strings.NewReader("two")); err != nil {
		t.Fatal(err)
	}
	body, err := a.Open(ctx, "/log")
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "onetwo" {
		t.Errorf("content = %q", data)
	}
}

func TestMkdirSemantics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := NewMem()

	if err := a.Mkdir(ctx, "/dir"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := a.Mkdir(ctx, "/dir"); !errors.Is(err, fs.ErrExists) {
		t.Errorf("Mkdir existing: %v, want ErrExists", err)
	}
	if _, err := a.Create(ctx, "/file", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if err := a.Mkdir(ctx, "/file"); !errors.Is(err, fs.ErrExists) {
		t.Errorf("Mkdir over file: %v, want ErrExists", err)
	}
	// Intermediate directories appear on the way, matching the marker
	// convention of the object-store backend.
	if err := a.Mkdir(ctx, "/deep/nested/dir"); err != nil {
		t.Errorf("Mkdir without parent: %v", err)
	}
	info, err := a.Stat(ctx, "/deep/nested")
	if err != nil || !info.IsDir() {
		t.Errorf("intermediate dir: %v, %v", info, err)
	}
}

func TestRmdirSemantics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := NewMem()

	if err := a.Mkdir(ctx, "/dir"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Create(ctx, "/dir/f", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if err := a.Rmdir(ctx, "/dir"); !errors.Is(err, fs.ErrNotEmpty) {
		t.Errorf("Rmdir non-empty: %v, want ErrNotEmpty", err)
	}
	if err := a.Delete(ctx, "/dir/f"); err != nil {
		t.Fatal(err)
	}
	if err := a.Rmdir(ctx, "/dir"); err != nil {
		t.Errorf("Rmdir empty: %v", err)
	}
	if err := a.Rmdir(ctx, "/dir"); !errors.Is(err, fs.ErrNotFound) {
		t.Errorf("Rmdir missing: %v, want ErrNotFound", err)
	}
}

func TestDeleteSemantics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := NewMem()

	if err := a.Delete(ctx, "/missing"); !errors.Is(err, fs.ErrNotFound) {
		t.Errorf("Delete missing: %v, want ErrNotFound", err)
	}
	if err := a.Mkdir(ctx, "/dir"); err != nil {
		t.Fatal(err)
	}
	if err := a.Delete(ctx, "/dir"); !errors.Is(err, fs.ErrIsDir) {
		t.Errorf("Delete dir: %v, want ErrIsDir", err)
	}
}

func TestListAndRename(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := NewMem()

	if err := a.Mkdir(ctx, "/dir"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Create(ctx, "/dir/a", strings.NewReader("aa")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Create(ctx, "/dir/b", strings.NewReader("bbb")); err != nil {
		t.Fatal(err)
	}

	entries, err := a.List(ctx, "/dir")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List returned %d entries", len(entries))
	}

	if _, err := a.List(ctx, "/dir/a"); !errors.Is(err, fs.ErrNotDir) {
		t.Errorf("List on file: %v, want ErrNotDir", err)
	}

	if err := a.Rename(ctx, "/dir/a", "/dir/c"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := a.Stat(ctx, "/dir/a"); !errors.Is(err, fs.ErrNotFound) {
		t.Errorf("old name still present: %v", err)
	}
	if _, err := a.Stat(ctx, "/dir/c"); err != nil {
		t.Errorf("new name missing: %v", err)
	}

	if err := a.Rename(ctx, "/nope", "/x"); !errors.Is(err, fs.ErrNotFound) {
		t.Errorf("Rename missing: %v, want ErrNotFound", err)
	}
}
