package s3gw

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/johannesboyne/gofakes3"

	afs "github.com/jacktea/adbfs/pkg/fs"
)

// Backend implements gofakes3.Backend as a single bucket rooted at a remote
// directory. Objects are the regular files below the root. Content cannot
// be written; deletes pass through to the device.
type Backend struct {
	fs     afs.Filesystem
	bucket string
	root   string
}

var _ gofakes3.Backend = (*Backend)(nil)

// NewBackend exposes root on fs as bucket.
func NewBackend(fs afs.Filesystem, bucket, root string) *Backend {
	return &Backend{fs: fs, bucket: bucket, root: cleanRoot(root)}
}

func (b *Backend) ListBuckets() ([]gofakes3.BucketInfo, error) {
	attr, err := b.fs.GetAttr(context.Background(), b.root)
	if err != nil {
		return nil, err
	}
	return []gofakes3.BucketInfo{{
		Name:         b.bucket,
		CreationDate: gofakes3.NewContentTime(attr.ModTime()),
	}}, nil
}

func (b *Backend) ListBucket(name string, prefix *gofakes3.Prefix, page gofakes3.ListBucketPage) (*gofakes3.ObjectList, error) {
	if err := b.ensureBucket(name); err != nil {
		return nil, err
	}
	if prefix == nil {
		prefix = &gofakes3.Prefix{}
	}
	objects, err := b.listObjects(context.Background(), prefix)
	if err != nil {
		return nil, err
	}
	limit := int(page.MaxKeys)
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	results := gofakes3.NewObjectList()
	seenPrefixes := make(map[string]struct{})
	marker := page.Marker
	var lastKey string
	count := 0
	for _, item := range objects {
		if marker != "" && item.key <= marker {
			continue
		}
		match := gofakes3.PrefixMatch{Key: item.key, MatchedPart: item.key}
		if prefix.HasPrefix || prefix.HasDelimiter {
			if !prefix.Match(item.key, &match) {
				continue
			}
		}
		if match.CommonPrefix {
			if _, ok := seenPrefixes[match.MatchedPart]; ok {
				continue
			}
			seenPrefixes[match.MatchedPart] = struct{}{}
			if count >= limit {
				results.IsTruncated = true
				break
			}
			results.AddPrefix(match.MatchedPart)
			count++
			lastKey = match.MatchedPart
			continue
		}
		if item.content == nil {
			continue
		}
		if count >= limit {
			results.IsTruncated = true
			break
		}
		results.Add(item.content)
		count++
		lastKey = item.key
	}
	if results.IsTruncated {
		results.NextMarker = lastKey
	}
	return results, nil
}

func (b *Backend) CreateBucket(name string) error {
	if name == b.bucket {
		return gofakes3.ResourceError(gofakes3.ErrBucketAlreadyExists, name)
	}
	return gofakes3.ErrNotImplemented
}

func (b *Backend) BucketExists(name string) (bool, error) {
	return name == b.bucket, nil
}

func (b *Backend) DeleteBucket(name string) error {
	if err := b.ensureBucket(name); err != nil {
		return err
	}
	return gofakes3.ErrNotImplemented
}

func (b *Backend) ForceDeleteBucket(name string) error {
	return b.DeleteBucket(name)
}

func (b *Backend) GetObject(bucket, object string, rangeRequest *gofakes3.ObjectRangeRequest) (*gofakes3.Object, error) {
	ctx := context.Background()
	attr, target, err := b.stat(ctx, bucket, object)
	if err != nil {
		return nil, err
	}
	var rng *gofakes3.ObjectRange
	if rangeRequest != nil {
		rng, err = rangeRequest.Range(attr.Size)
		if err != nil {
			return nil, err
		}
	}
	obj := b.objectResponse(object, target, attr)
	obj.Range = rng
	obj.Contents = newObjectReader(ctx, b.fs, target, attr.Size, rng)
	return obj, nil
}

func (b *Backend) HeadObject(bucket, object string) (*gofakes3.Object, error) {
	attr, target, err := b.stat(context.Background(), bucket, object)
	if err != nil {
		return nil, err
	}
	obj := b.objectResponse(object, target, attr)
	obj.Contents = io.NopCloser(bytes.NewReader(nil))
	return obj, nil
}

func (b *Backend) DeleteObject(bucket, object string) (gofakes3.ObjectDeleteResult, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return gofakes3.ObjectDeleteResult{}, err
	}
	target, err := b.objectPath(object)
	if err != nil {
		return gofakes3.ObjectDeleteResult{}, err
	}
	if err := b.fs.Unlink(context.Background(), target); err != nil && !errors.Is(err, afs.ErrNotFound) {
		return gofakes3.ObjectDeleteResult{}, err
	}
	return gofakes3.ObjectDeleteResult{}, nil
}

// PutObject is refused: file content is read-only.
func (b *Backend) PutObject(bucket, key string, meta map[string]string, input io.Reader, _ int64, conditions *gofakes3.PutConditions) (gofakes3.PutObjectResult, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	return gofakes3.PutObjectResult{}, gofakes3.ErrNotImplemented
}

func (b *Backend) DeleteMulti(bucket string, objects ...string) (gofakes3.MultiDeleteResult, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return gofakes3.MultiDeleteResult{}, err
	}
	var result gofakes3.MultiDeleteResult
	for _, key := range objects {
		if _, err := b.DeleteObject(bucket, key); err != nil {
			result.Error = append(result.Error, gofakes3.ErrorResultFromError(err))
		} else {
			result.Deleted = append(result.Deleted, gofakes3.ObjectID{Key: key})
		}
	}
	return result, result.AsError()
}

// CopyObject is refused: a copy writes content.
func (b *Backend) CopyObject(srcBucket, srcKey, dstBucket, dstKey string, meta map[string]string) (gofakes3.CopyObjectResult, error) {
	return gofakes3.CopyObjectResult{}, gofakes3.ErrNotImplemented
}

// Rename moves an object within the bucket.
func (b *Backend) Rename(ctx context.Context, srcKey, dstKey string) error {
	src, err := b.objectPath(srcKey)
	if err != nil {
		return err
	}
	dst, err := b.objectPath(dstKey)
	if err != nil {
		return err
	}
	return b.fs.Rename(ctx, src, dst)
}

func (b *Backend) ensureBucket(name string) error {
	if name != b.bucket {
		return gofakes3.BucketNotFound(name)
	}
	return nil
}

func (b *Backend) objectPath(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", gofakes3.ErrInvalidArgument
	}
	full := path.Join(b.root, key)
	if b.root != "/" && !strings.HasPrefix(full, b.root+"/") {
		return "", gofakes3.ErrInvalidArgument
	}
	return full, nil
}

func (b *Backend) stat(ctx context.Context, bucket, object string) (afs.FileAttr, string, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return afs.FileAttr{}, "", err
	}
	target, err := b.objectPath(object)
	if err != nil {
		return afs.FileAttr{}, "", err
	}
	attr, err := b.fs.GetAttr(ctx, target)
	if err != nil {
		if errors.Is(err, afs.ErrNotFound) {
			return afs.FileAttr{}, "", gofakes3.KeyNotFound(object)
		}
		return afs.FileAttr{}, "", err
	}
	if !attr.IsRegular() {
		return afs.FileAttr{}, "", gofakes3.KeyNotFound(object)
	}
	return attr, target, nil
}

func (b *Backend) objectResponse(key, target string, attr afs.FileAttr) *gofakes3.Object {
	return &gofakes3.Object{
		Name:     key,
		Metadata: metadataFromAttr(attr),
		Size:     attr.Size,
		Hash:     attrHash(target, attr),
	}
}

func metadataFromAttr(attr afs.FileAttr) map[string]string {
	return map[string]string{
		"Last-Modified":         attr.ModTime().UTC().Format(http.TimeFormat),
		"X-Amz-Meta-Posix-Mode": fmt.Sprintf("%o", attr.Perm()),
		"X-Amz-Meta-Posix-Uid":  fmt.Sprintf("%d", attr.UID),
		"X-Amz-Meta-Posix-Gid":  fmt.Sprintf("%d", attr.GID),
	}
}

// attrHash derives the ETag from path, size and mtime. Hashing content
// would pull the whole file over the transport for every listing.
func attrHash(target string, attr afs.FileAttr) []byte {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d:%d", target, attr.Size, attr.Mtime)))
	return sum[:]
}

type listedObject struct {
	key     string
	content *gofakes3.Content
}

// listObjects walks the directories under the prefix. With a "/" delimiter
// only the prefix directory is read and subdirectories become keys ending
// in "/", which the delimiter match folds into common prefixes.
func (b *Backend) listObjects(ctx context.Context, prefix *gofakes3.Prefix) ([]listedObject, error) {
	startKey := ""
	if prefix.HasPrefix {
		if idx := strings.LastIndex(prefix.Prefix, "/"); idx >= 0 {
			startKey = prefix.Prefix[:idx+1]
		}
	}
	recursive := !(prefix.HasDelimiter && prefix.Delimiter == "/")
	var out []listedObject
	if err := b.walk(ctx, startKey, recursive, &out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].key < out[j].key
	})
	return out, nil
}

func (b *Backend) walk(ctx context.Context, dirKey string, recursive bool, out *[]listedObject) error {
	dir := path.Join(b.root, dirKey)
	names, err := b.fs.ReadDir(ctx, dir)
	if errors.Is(err, afs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		key := dirKey + name
		full := path.Join(dir, name)
		attr, err := b.fs.GetAttr(ctx, full)
		if errors.Is(err, afs.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		switch {
		case attr.IsDir():
			if !recursive {
				*out = append(*out, listedObject{key: key + "/"})
				continue
			}
			if err := b.walk(ctx, key+"/", recursive, out); err != nil {
				return err
			}
		case attr.IsRegular():
			*out = append(*out, listedObject{key: key, content: &gofakes3.Content{
				Key:          key,
				LastModified: gofakes3.NewContentTime(attr.ModTime()),
				Size:         attr.Size,
				ETag:         gofakes3.FormatETag(attrHash(full, attr)),
			}})
		}
	}
	return nil
}

func cleanRoot(root string) string {
	if root == "" {
		return "/"
	}
	return path.Clean("/" + strings.TrimPrefix(root, "/"))
}

// objectReader streams a range of a remote file through the chunk cache.
type objectReader struct {
	ctx       context.Context
	fs        afs.Filesystem
	path      string
	offset    int64
	remaining int64
}

func newObjectReader(ctx context.Context, fs afs.Filesystem, p string, size int64, rng *gofakes3.ObjectRange) io.ReadCloser {
	reader := &objectReader{ctx: ctx, fs: fs, path: p, remaining: size}
	if rng != nil {
		reader.offset = rng.Start
		reader.remaining = rng.Length
	}
	return reader
}

func (r *objectReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	data, err := r.fs.Read(r.ctx, r.path, len(p), r.offset)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		r.remaining = 0
		return 0, io.EOF
	}
	n := copy(p, data)
	r.offset += int64(n)
	r.remaining -= int64(n)
	return n, nil
}

func (r *objectReader) Close() error {
	return nil
}
