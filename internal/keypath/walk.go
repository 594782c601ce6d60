package keypath

import (
	"context"
	"path"

	"github.com/spf13/afero"
)

// Walk calls fn with every key stored in fsys under the directories that can
// hold keys starting with prefix. Pruning is by directory only, so fn still
// sees some keys outside prefix and must filter. Keys are not delivered in
// order. A missing root yields no keys.
func Walk(ctx context.Context, fsys afero.Fs, root, prefix string, fn func(key string)) error {
	if ok, err := afero.DirExists(fsys, root); err != nil || !ok {
		return err
	}
	return walkDir(ctx, fsys, root, 0, prefix, fn)
}

func walkDir(ctx context.Context, fsys afero.Fs, dir string, depth int, prefix string, fn func(key string)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			if !Descend(prefix, depth, name) {
				continue
			}
			if err := walkDir(ctx, fsys, path.Join(dir, name), depth+1, prefix, fn); err != nil {
				return err
			}
			continue
		}
		if key, ok := Key(name); ok {
			fn(key)
		}
	}
	return nil
}

// HashPath fans a hex content hash out over two directory levels:
//
//	HashPath("abcdef0123") → "ab/cd/abcdef0123"
func HashPath(hash string) string {
	if len(hash) < 4 {
		return hash
	}
	return path.Join(hash[0:2], hash[2:4], hash)
}
