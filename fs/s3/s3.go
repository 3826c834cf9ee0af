// Package s3 maps the storage interface onto an S3-compatible bucket. The
// bucket has no native directories, renames or partial writes, so:
//
//   - a directory is a zero-byte marker object at "key/", or any key under
//     that prefix; the root always exists
//   - a path names a file when the bare key exists and the marker does not
//   - uploads go through the multipart upload manager, which commits in a
//     single final request; an interrupted upload leaves nothing visible
//   - rename is a server-side copy followed by a delete, per descendant
//     for directories
//
// Transient transport and 5xx failures are retried with bounded exponential
// backoff by the SDK's standard retryer, configured once on the client so
// every primitive gets the same policy. Non-transient errors (403, bad
// keys) surface immediately.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/oarkflow/s3ftp/fs"
	"github.com/oarkflow/s3ftp/log"
)

const defaultMaxAttempts = 3

// Option configures access to one bucket on an S3-compatible endpoint.
type Option struct {
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	Region      string `json:"region" yaml:"region"`
	Bucket      string `json:"bucket" yaml:"bucket"`
	AccessKey   string `json:"access_key" yaml:"access_key"`
	Secret      string `json:"secret" yaml:"secret"`
	PathStyle   bool   `json:"path_style" yaml:"path_style"`
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
}

type Fs struct {
	client   *awss3.Client
	uploader *manager.Uploader
	bucket   string
	logger   log.Logger
}

func New(opt Option) (*Fs, error) {
	if opt.Bucket == "" {
		return nil, errors.New("s3: bucket name is required")
	}
	attempts := opt.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}

	creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(opt.AccessKey, opt.Secret, ""))
	conf := aws.Config{
		Credentials: creds,
		Region:      opt.Region,
		Retryer: func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = attempts
			})
		},
	}

	client := awss3.NewFromConfig(conf, func(o *awss3.Options) {
		if opt.Endpoint != "" {
			o.BaseEndpoint = aws.String(opt.Endpoint)
		}
		o.UsePathStyle = opt.PathStyle
	})

	return &Fs{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opt.Bucket,
		logger:   log.Nop(),
	}, nil
}

func (f *Fs) SetLogger(logger log.Logger) { f.logger = logger }
func (f *Fs) Type() string                { return "s3" }

func (f *Fs) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	if path == "/" {
		return fs.NewFileInfo("/", 0, time.Unix(0, 0), true), nil
	}

	head, ok, err := f.headObject(ctx, fs.ToKey(path))
	if err != nil {
		return nil, err
	}
	if ok {
		markerExists, err := f.keyExists(ctx, fs.ToDirKey(path))
		if err != nil {
			return nil, err
		}
		if !markerExists {
			return fs.NewFileInfo(fs.BaseName(path), aws.ToInt64(head.ContentLength),
				aws.ToTime(head.LastModified), false), nil
		}
	}

	dir, err := f.isDir(ctx, path)
	if err != nil {
		return nil, err
	}
	if dir {
		return fs.NewFileInfo(fs.BaseName(path), 0, time.Unix(0, 0), true), nil
	}
	return nil, fmt.Errorf("%s: %w", path, fs.ErrNotFound)
}

func (f *Fs) List(ctx context.Context, path string) ([]os.FileInfo, error) {
	dir, err := f.isDir(ctx, path)
	if err != nil {
		return nil, err
	}
	if !dir {
		if file, err := f.isFile(ctx, path); err != nil {
			return nil, err
		} else if file {
			return nil, fmt.Errorf("%s: %w", path, fs.ErrNotDir)
		}
		return nil, fmt.Errorf("%s: %w", path, fs.ErrNotFound)
	}

	prefix := fs.ToDirKey(path)
	var entries []os.FileInfo
	seen := make(map[string]struct{})

	p := awss3.NewListObjectsV2Paginator(f.client, &awss3.ListObjectsV2Input{
		Bucket:    aws.String(f.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", path, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix || strings.HasSuffix(key, "/") {
				// The directory's own marker, or a stray nested one.
				continue
			}
			name := strings.TrimPrefix(key, prefix)
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			entries = append(entries, fs.NewFileInfo(name, aws.ToInt64(obj.Size),
				aws.ToTime(obj.LastModified), false))
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			// No meaningful size or mtime can be derived for a prefix.
			entries = append(entries, fs.NewFileInfo(name, 0, time.Unix(0, 0), true))
		}
	}
	return entries, nil
}

func (f *Fs) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := f.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(fs.ToKey(path)),
	})
	if err != nil {
		if isNotFound(err) {
			if dir, dirErr := f.isDir(ctx, path); dirErr == nil && dir {
				return nil, fmt.Errorf("%s: %w", path, fs.ErrIsDir)
			}
			return nil, fmt.Errorf("%s: %w", path, fs.ErrNotFound)
		}
		return nil, fmt.Errorf("getting %s: %w", path, err)
	}
	return out.Body, nil
}

func (f *Fs) Create(ctx context.Context, path string, r io.Reader) (int64, error) {
	if err := f.requireParentDir(ctx, path); err != nil {
		return 0, err
	}

	counter := &countingReader{r: r}
	_, err := f.uploader.Upload(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(fs.ToKey(path)),
		Body:   counter,
	})
	if err != nil {
		return 0, fmt.Errorf("uploading %s: %w", path, err)
	}
	return counter.n, nil
}

func (f *Fs) Append(ctx context.Context, path string, r io.Reader) (int64, error) {
	existing, err := f.Open(ctx, path)
	if errors.Is(err, fs.ErrNotFound) {
		return f.Create(ctx, path, r)
	}
	if err != nil {
		return 0, err
	}
	defer existing.Close()

	// The store cannot extend an object in place; re-upload the existing
	// content followed by the new bytes in one atomic put.
	counter := &countingReader{r: r}
	_, err = f.uploader.Upload(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(fs.ToKey(path)),
		Body:   io.MultiReader(existing, counter),
	})
	if err != nil {
		return 0, fmt.Errorf("appending to %s: %w", path, err)
	}
	return counter.n, nil
}

func (f *Fs) Delete(ctx context.Context, path string) error {
	dir, err := f.isDir(ctx, path)
	if err != nil {
		return err
	}
	if dir {
		return fmt.Errorf("%s: %w", path, fs.ErrIsDir)
	}
	file, err := f.isFile(ctx, path)
	if err != nil {
		return err
	}
	if !file {
		return fmt.Errorf("%s: %w", path, fs.ErrNotFound)
	}
	return f.deleteKey(ctx, fs.ToKey(path))
}

func (f *Fs) Mkdir(ctx context.Context, path string) error {
	if path == "/" {
		return fmt.Errorf("/: %w", fs.ErrExists)
	}
	exists, err := f.exists(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s: %w", path, fs.ErrExists)
	}

	_, err = f.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(fs.ToDirKey(path)),
		Body:   strings.NewReader(""),
	})
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	return nil
}

func (f *Fs) Rmdir(ctx context.Context, path string) error {
	if path == "/" {
		return fmt.Errorf("/: %w", fs.ErrNotEmpty)
	}
	file, err := f.isFile(ctx, path)
	if err != nil {
		return err
	}
	if file {
		return fmt.Errorf("%s: %w", path, fs.ErrNotDir)
	}
	dir, err := f.isDir(ctx, path)
	if err != nil {
		return err
	}
	if !dir {
		return fmt.Errorf("%s: %w", path, fs.ErrNotFound)
	}

	// Listing first and deleting after is racy against a concurrent write
	// into the prefix; the storage API offers nothing atomic here and the
	// window is accepted.
	prefix := fs.ToDirKey(path)
	keys, err := f.descendantKeys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if key != prefix {
			return fmt.Errorf("%s: %w", path, fs.ErrNotEmpty)
		}
	}
	return f.deleteKey(ctx, prefix)
}

func (f *Fs) Rename(ctx context.Context, from, to string) error {
	dir, err := f.isDir(ctx, from)
	if err != nil {
		return err
	}
	if dir {
		return f.renameDir(ctx, from, to)
	}

	file, err := f.isFile(ctx, from)
	if err != nil {
		return err
	}
	if !file {
		return fmt.Errorf("%s: %w", from, fs.ErrNotFound)
	}
	return f.moveKey(ctx, fs.ToKey(from), fs.ToKey(to))
}

func (f *Fs) renameDir(ctx context.Context, from, to string) error {
	fromPrefix := fs.ToDirKey(from)
	toPrefix := fs.ToDirKey(to)

	keys, err := f.descendantKeys(ctx, fromPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := f.moveKey(ctx, key, toPrefix+strings.TrimPrefix(key, fromPrefix)); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fs) moveKey(ctx context.Context, fromKey, toKey string) error {
	_, err := f.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(f.bucket),
		CopySource: aws.String(f.bucket + "/" + fromKey),
		Key:        aws.String(toKey),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", fromKey, fs.ErrNotFound)
		}
		return fmt.Errorf("copying %s to %s: %w", fromKey, toKey, err)
	}
	return f.deleteKey(ctx, fromKey)
}

func (f *Fs) deleteKey(ctx context.Context, key string) error {
	_, err := f.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// descendantKeys returns every key under prefix, the directory marker
// included, without collapsing by delimiter.
func (f *Fs) descendantKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := awss3.NewListObjectsV2Paginator(f.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(f.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing prefix %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (f *Fs) requireParentDir(ctx context.Context, path string) error {
	parent := fs.Parent(path)
	if parent == "/" {
		return nil
	}
	if file, err := f.isFile(ctx, parent); err != nil {
		return err
	} else if file {
		return fmt.Errorf("%s: %w", parent, fs.ErrNotDir)
	}
	dir, err := f.isDir(ctx, parent)
	if err != nil {
		return err
	}
	if !dir {
		return fmt.Errorf("%s: %w", parent, fs.ErrNotFound)
	}
	return nil
}

func (f *Fs) exists(ctx context.Context, path string) (bool, error) {
	file, err := f.isFile(ctx, path)
	if err != nil || file {
		return file, err
	}
	return f.isDir(ctx, path)
}

// isDir treats a path as a directory when its marker object exists or when
// any key lives under its prefix, so trees created outside the gateway stay
// navigable.
func (f *Fs) isDir(ctx context.Context, path string) (bool, error) {
	if path == "/" {
		return true, nil
	}
	ok, err := f.keyExists(ctx, fs.ToDirKey(path))
	if err != nil || ok {
		return ok, err
	}
	return f.prefixInUse(ctx, fs.ToDirKey(path))
}

func (f *Fs) isFile(ctx context.Context, path string) (bool, error) {
	if path == "/" {
		return false, nil
	}
	ok, err := f.keyExists(ctx, fs.ToKey(path))
	if err != nil || !ok {
		return false, err
	}
	marker, err := f.keyExists(ctx, fs.ToDirKey(path))
	if err != nil {
		return false, err
	}
	return !marker, nil
}

func (f *Fs) keyExists(ctx context.Context, key string) (bool, error) {
	_, ok, err := f.headObject(ctx, key)
	return ok, err
}

func (f *Fs) headObject(ctx context.Context, key string) (*awss3.HeadObjectOutput, bool, error) {
	out, err := f.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("heading %s: %w", key, err)
	}
	return out, true, nil
}

func (f *Fs) prefixInUse(ctx context.Context, prefix string) (bool, error) {
	out, err := f.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(f.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("probing prefix %s: %w", prefix, err)
	}
	return len(out.Contents) > 0, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == 404
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
