package fs

import (
	"os"
	"time"
)

// Object keys carry no permission bits, so entries report the fixed modes
// the S3 console convention implies: world-writable regular files and
// directories.
const (
	RegularMode   = os.FileMode(0666)
	DirectoryMode = os.ModeDir | os.FileMode(0777)
)

// FileInfo is the os.FileInfo every backend returns for stat and listing
// results.
type FileInfo struct {
	name    string
	size    int64
	modTime time.Time
	dir     bool
}

func NewFileInfo(name string, size int64, modTime time.Time, dir bool) FileInfo {
	return FileInfo{name: name, size: size, modTime: modTime, dir: dir}
}

func (f FileInfo) Name() string       { return f.name }
func (f FileInfo) Size() int64        { return f.size }
func (f FileInfo) ModTime() time.Time { return f.modTime }
func (f FileInfo) IsDir() bool        { return f.dir }
func (f FileInfo) Sys() any           { return nil }

func (f FileInfo) Mode() os.FileMode {
	if f.dir {
		return DirectoryMode
	}
	return RegularMode
}
