package fs

import (
	"path"
	"strings"
)

// Virtual paths are absolute, slash-separated and rooted at "/". Resolving
// clamps ".." at the root rather than failing, matching the usual FTP shell
// behavior, so a resolved path can never name a key outside the bucket.

// Resolve normalizes arg against the current directory. Absolute arguments
// replace cwd, relative ones are appended; "." and ".." segments are
// eliminated and the result always starts with "/".
func Resolve(cwd, arg string) string {
	if arg == "" {
		return Resolve("/", cwd)
	}
	if !strings.HasPrefix(arg, "/") {
		arg = path.Join(cwd, arg)
	}
	p := path.Clean(arg)
	if !strings.HasPrefix(p, "/") {
		// Clean of a rooted path stays rooted; this only guards cwd
		// values that were never absolute in the first place.
		p = "/" + p
	}
	return p
}

// ToKey converts a virtual path to its object key: the path without the
// leading slash. The root maps to the empty key.
func ToKey(vpath string) string {
	return strings.TrimPrefix(vpath, "/")
}

// ToDirKey converts a virtual path to the key prefix under which its
// children live. Directories are marked by a trailing slash; the root's
// prefix is empty.
func ToDirKey(vpath string) string {
	k := ToKey(vpath)
	if k == "" {
		return ""
	}
	return k + "/"
}

// ToVirtualPath converts an object key (directory marker keys included)
// back to an absolute virtual path.
func ToVirtualPath(key string) string {
	return Resolve("/", "/"+strings.TrimSuffix(key, "/"))
}

// Parent returns the virtual path of the directory containing vpath. The
// root is its own parent.
func Parent(vpath string) string {
	return path.Dir(Resolve("/", vpath))
}

// BaseName returns the last element of vpath, "/" for the root.
func BaseName(vpath string) string {
	return path.Base(Resolve("/", vpath))
}
