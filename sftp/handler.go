package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/sftp"

	"github.com/oarkflow/s3ftp/fs"
	"github.com/oarkflow/s3ftp/interfaces"
	"github.com/oarkflow/s3ftp/log"
)

// handler bridges sftp request packets onto the filesystem interface.
type handler struct {
	fs     interfaces.Filesystem
	logger log.Logger
}

func newHandlers(filesystem interfaces.Filesystem, logger log.Logger) sftp.Handlers {
	h := &handler{fs: filesystem, logger: logger}
	return sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	}
}

// toStatus maps backend errors onto sftp wire statuses.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotFound):
		return sftp.ErrSSHFxNoSuchFile
	case errors.Is(err, fs.ErrExists):
		return sftp.ErrSSHFxFailure
	case errors.Is(err, fs.ErrNotEmpty), errors.Is(err, fs.ErrIsDir), errors.Is(err, fs.ErrNotDir):
		return sftp.ErrSSHFxFailure
	default:
		return err
	}
}

func (h *handler) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	body, err := h.fs.Open(r.Context(), r.Filepath)
	if err != nil {
		return nil, toStatus(err)
	}
	return &sequentialReader{body: body}, nil
}

func (h *handler) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	w := newSequentialWriter()
	path := r.Filepath
	go func() {
		// Detached from the request context: the upload commits when the
		// client closes the handle, which is a later request.
		_, err := h.fs.Create(context.Background(), path, w.reader)
		w.finish(err)
	}()
	return w, nil
}

func (h *handler) Filecmd(r *sftp.Request) error {
	ctx := r.Context()
	switch r.Method {
	case "Rename":
		return toStatus(h.fs.Rename(ctx, r.Filepath, r.Target))
	case "Rmdir":
		return toStatus(h.fs.Rmdir(ctx, r.Filepath))
	case "Mkdir":
		return toStatus(h.fs.Mkdir(ctx, r.Filepath))
	case "Remove":
		return toStatus(h.fs.Delete(ctx, r.Filepath))
	case "Setstat":
		// Modes and times have no meaning in the object store.
		return nil
	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

func (h *handler) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	ctx := r.Context()
	switch r.Method {
	case "List":
		entries, err := h.fs.List(ctx, r.Filepath)
		if err != nil {
			return nil, toStatus(err)
		}
		return listerAt(entries), nil
	case "Stat":
		info, err := h.fs.Stat(ctx, r.Filepath)
		if err != nil {
			return nil, toStatus(err)
		}
		return listerAt{info}, nil
	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

type listerAt []os.FileInfo

func (l listerAt) ListAt(entries []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(entries, l[offset:])
	if n < len(entries) {
		return n, io.EOF
	}
	return n, nil
}

// sequentialReader adapts a streaming body to the ReaderAt the sftp
// library wants. The library reads each handle in offset order, so
// out-of-order reads are rejected rather than buffered.
type sequentialReader struct {
	mu     sync.Mutex
	body   io.ReadCloser
	offset int64
}

func (r *sequentialReader) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if off != r.offset {
		return 0, fmt.Errorf("non-sequential read at %d, expected %d", off, r.offset)
	}
	n, err := io.ReadFull(r.body, p)
	r.offset += int64(n)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

func (r *sequentialReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Close()
}

// sequentialWriter feeds in-order WriteAt calls into a pipe consumed by
// the backend upload. Close blocks until the upload has committed so the
// client's close sees the real result.
type sequentialWriter struct {
	mu     sync.Mutex
	pw     *io.PipeWriter
	reader *io.PipeReader
	offset int64
	done   chan struct{}
	err    error
}

func newSequentialWriter() *sequentialWriter {
	pr, pw := io.Pipe()
	return &sequentialWriter{
		pw:     pw,
		reader: pr,
		done:   make(chan struct{}),
	}
}

func (w *sequentialWriter) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if off != w.offset {
		return 0, fmt.Errorf("non-sequential write at %d, expected %d", off, w.offset)
	}
	n, err := w.pw.Write(p)
	w.offset += int64(n)
	return n, err
}

func (w *sequentialWriter) finish(err error) {
	w.err = err
	if err != nil {
		w.reader.CloseWithError(err)
	}
	close(w.done)
}

func (w *sequentialWriter) Close() error {
	w.pw.Close()
	<-w.done
	return toStatus(w.err)
}
