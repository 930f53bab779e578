package blob

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Source is a local file to upload. RelativePath is the blob name inside
// the container and the identity the tracker deduplicates on.
type Source struct {
	Path         string
	RelativePath string
}

// Uploader copies a source into a container and returns the blob URI and
// the number of bytes written
type Uploader interface {
	Upload(ctx context.Context, src Source, container string) (string, int64, error)
}

// DirStore is an Uploader backed by a local directory laid out as
// root/container/relative-path
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve blob root %s", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create blob root %s", abs)
	}
	return &DirStore{root: abs}, nil
}

func (d *DirStore) Root() string {
	return d.root
}

func (d *DirStore) Upload(ctx context.Context, src Source, container string) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	dst, err := d.target(container, src.RelativePath)
	if err != nil {
		return "", 0, err
	}

	in, err := os.Open(src.Path)
	if err != nil {
		return "", 0, errors.Wrap(err, "open source")
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, errors.Wrap(err, "create container directory")
	}

	// write to a temp name so a cancelled copy never leaves a partial blob
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", 0, errors.Wrap(err, "create blob")
	}
	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: in})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, errors.Wrapf(err, "copy %s", src.Path)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", 0, errors.Wrap(err, "commit blob")
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(dst)}).String(), n, nil
}

// Open reads a blob back from a file:// URI under this store
func (d *DirStore) Open(uri string) (io.ReadCloser, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return nil, errors.Errorf("not a file blob uri: %q", uri)
	}
	p := filepath.FromSlash(u.Path)
	if !within(d.root, p) {
		return nil, errors.Errorf("blob %q outside store root", uri)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.Wrap(err, "open blob")
	}
	return f, nil
}

func (d *DirStore) target(container, rel string) (string, error) {
	rel = strings.TrimLeft(filepath.FromSlash(strings.ReplaceAll(rel, `\`, "/")), string(filepath.Separator))
	if container == "" || rel == "" {
		return "", errors.New("container and relative path are required")
	}
	dst := filepath.Join(d.root, container, rel)
	if !within(filepath.Join(d.root, container), dst) {
		return "", errors.Errorf("relative path %q escapes container", rel)
	}
	return dst, nil
}

func within(root, p string) bool {
	r, err := filepath.Rel(root, filepath.Clean(p))
	return err == nil && r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator))
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
