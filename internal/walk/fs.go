package walk

import (
	"context"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
)

// Scripts yields the script files named by paths. A regular file is yielded
// as is, whatever its extension. A directory is walked recursively and every
// regular file ending in .yaml or .yml is yielded in lexical order. Symlinks
// found inside a directory are not followed.
//
// An error is yielded with the path it belongs to and the walk continues
// with the next path.
func Scripts(ctx context.Context, paths ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, path := range paths {
			if ctx.Err() != nil {
				return
			}
			info, err := os.Stat(path)
			if err != nil {
				if !yield(path, err) {
					return
				}
				continue
			}
			if !info.IsDir() {
				if !yield(path, nil) {
					return
				}
				continue
			}
			root, err := os.OpenRoot(path)
			if err != nil {
				if !yield(path, err) {
					return
				}
				continue
			}
			for p, err := range FS(ctx, root.FS(), path) {
				if !yield(p, err) {
					_ = root.Close()
					return
				}
			}
			_ = root.Close()
		}
	}
}

// FS recursively walks root and yields the path of every script file found,
// prefixed with name.
func FS(ctx context.Context, root fs.FS, name string) iter.Seq2[string, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(string, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			abspath := filepath.Join(name, path)
			if err != nil {
				if !yield(abspath, err) {
					return fs.SkipAll
				}
				return nil
			}
			if !d.Type().IsRegular() || !isScript(path) {
				return nil
			}
			if !yield(abspath, nil) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

func isScript(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
