package origin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const blobSuffix = ".blob"

type fileBackend struct {
	root string
}

var _ Backend = (*fileBackend)(nil)

// NewFile returns a Backend storing one file per (collection, version) under
// root. Intended for local development and air-gapped deployments.
func NewFile(root string) (Backend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "create origin root %q: %v", root, err)
	}
	return &fileBackend{root: root}, nil
}

func (b *fileBackend) collectionDir(collection string) string {
	return filepath.Join(b.root, collection)
}

func versionFilename(version int64) string {
	return fmt.Sprintf("v%012d%s", version, blobSuffix)
}

func parseVersionFilename(name string) (int64, bool) {
	if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, blobSuffix) {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSuffix(name[1:], blobSuffix), 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func (b *fileBackend) Put(ctx context.Context, collection string, payload []byte) (int64, error) {
	// Claim the next version with a conditional write; a racing writer that
	// claimed it first forces a re-scan at the following number.
	for {
		if err := ctx.Err(); err != nil {
			return 0, errors.Wrap(ErrUnavailable, err.Error())
		}
		next, err := b.nextVersion(collection)
		if err != nil {
			return 0, err
		}
		err = b.PutVersion(ctx, collection, next, payload)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return 0, err
		}
	}
}

func (b *fileBackend) PutVersion(_ context.Context, collection string, version int64, payload []byte) error {
	dir := b.collectionDir(collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(ErrUnavailable, "create collection dir: %v", err)
	}

	// Write to a temp file first so a crash never leaves a partial blob
	// behind a version filename. The exclusive link makes the claim atomic.
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return errors.Wrapf(ErrUnavailable, "create temp blob: %v", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return errors.Wrapf(ErrUnavailable, "write temp blob: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(ErrUnavailable, "close temp blob: %v", err)
	}

	target := filepath.Join(dir, versionFilename(version))
	if err := os.Link(tmpName, target); err != nil {
		if os.IsExist(err) {
			return errors.Wrapf(ErrVersionConflict, "collection %q version %d", collection, version)
		}
		return errors.Wrapf(ErrUnavailable, "link blob: %v", err)
	}
	return nil
}

func (b *fileBackend) nextVersion(collection string) (int64, error) {
	versions, err := b.ListVersions(context.Background(), collection)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 1, nil
		}
		return 0, err
	}
	if len(versions) == 0 {
		return 1, nil
	}
	return versions[len(versions)-1] + 1, nil
}

func (b *fileBackend) Get(_ context.Context, collection string, version int64) ([]byte, error) {
	path := filepath.Join(b.collectionDir(collection), versionFilename(version))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "collection %q version %d", collection, version)
		}
		return nil, errors.Wrapf(ErrUnavailable, "read blob: %v", err)
	}
	return data, nil
}

func (b *fileBackend) Latest(ctx context.Context, collection string) (int64, error) {
	versions, err := b.ListVersions(ctx, collection)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, errors.Wrapf(ErrNotFound, "collection %q", collection)
	}
	return versions[len(versions)-1], nil
}

func (b *fileBackend) ListVersions(_ context.Context, collection string) ([]int64, error) {
	entries, err := os.ReadDir(b.collectionDir(collection))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "collection %q", collection)
		}
		return nil, errors.Wrapf(ErrUnavailable, "list versions: %v", err)
	}
	versions := make([]int64, 0, len(entries))
	for _, entry := range entries {
		if v, ok := parseVersionFilename(entry.Name()); ok {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}
