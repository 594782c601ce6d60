// Package rclone provides an agentdb driver on top of any rclone remote:
// cloud object stores, WebDAV, SFTP or a local directory. Values are stored
// one object per key using the same layout as the fs driver.
//
// Register the rclone backends you need with blank imports, for example
// _ "github.com/rclone/rclone/backend/local".
package rclone

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/hash"
	"github.com/rclone/rclone/fs/operations"

	"github.com/nuln/agentdb"
	"github.com/nuln/agentdb/internal/keypath"
)

// Auto-register rclone storage driver.
func init() {
	agentdb.Register("rclone", func(cfg *agentdb.Config) (agentdb.Driver, error) {
		remote := cfg.String("remote", cfg.BasePath)
		if remote == "" {
			return nil, fmt.Errorf("agentdb/rclone: remote path is required (set Options[\"remote\"] or BasePath)")
		}
		return New(remote)
	})
}

// Engine implements agentdb.Driver using rclone's fs.Fs.
type Engine struct {
	remote fs.Fs
}

// New creates a new rclone Engine from a remote path (e.g., "gdrive:agentdb").
func New(remotePath string) (*Engine, error) {
	remote, err := fs.NewFs(context.Background(), remotePath)
	if err != nil {
		return nil, err
	}
	return &Engine{remote: remote}, nil
}

// NewWithFs wraps an already configured rclone filesystem.
func NewWithFs(remote fs.Fs) *Engine {
	return &Engine{remote: remote}
}

// Remote returns the underlying rclone filesystem.
func (e *Engine) Remote() fs.Fs { return e.remote }

func (e *Engine) Capabilities() agentdb.Capabilities {
	return agentdb.NewCapabilities(agentdb.FamilyKeyValue,
		agentdb.WithFeature(agentdb.FeatureSQL, false),
		agentdb.WithFeature(agentdb.FeatureDirectories, e.remote.Features().CanHaveEmptyDirectories),
		agentdb.WithMaxKeySize(keypath.MaxKeySize),
	)
}

func (e *Engine) Put(ctx context.Context, key string, value agentdb.Value) error {
	data, err := value.MarshalBinary()
	if err != nil {
		return err
	}
	rc := io.NopCloser(bytes.NewReader(data))
	_, err = operations.Rcat(ctx, e.remote, keypath.Path(key), rc, time.Now(), nil)
	return err
}

func (e *Engine) Get(ctx context.Context, key string) (agentdb.Value, bool, error) {
	obj, err := e.remote.NewObject(ctx, keypath.Path(key))
	if isNotFound(err) {
		return agentdb.Value{}, false, nil
	}
	if err != nil {
		return agentdb.Value{}, false, err
	}
	v, err := readValue(ctx, obj)
	if err != nil {
		return agentdb.Value{}, false, err
	}
	return v, true, nil
}

func readValue(ctx context.Context, obj fs.Object) (agentdb.Value, error) {
	rc, err := obj.Open(ctx)
	if err != nil {
		return agentdb.Value{}, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return agentdb.Value{}, err
	}
	return agentdb.DecodeValue(data)
}

func (e *Engine) Delete(ctx context.Context, key string) error {
	obj, err := e.remote.NewObject(ctx, keypath.Path(key))
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	err = obj.Remove(ctx)
	if isNotFound(err) {
		return nil
	}
	return err
}

func (e *Engine) Scan(ctx context.Context, prefix string, opts agentdb.ScanOptions) (*agentdb.ScanResult, error) {
	objects := make(map[string]fs.Object)
	entries := make([]agentdb.Entry, 0)
	err := e.walk(ctx, "", 0, prefix, func(key string, obj fs.Object) {
		if opts.Match(prefix, key) {
			objects[key] = obj
			entries = append(entries, agentdb.Entry{Key: key})
		}
	})
	if err != nil {
		return nil, err
	}
	res := agentdb.PageEntries(entries, prefix, opts)
	kept := res.Entries[:0]
	for _, entry := range res.Entries {
		v, err := readValue(ctx, objects[entry.Key])
		// Drop objects deleted between listing and reading.
		if isNotFound(err) || errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("agentdb/rclone: read %q: %w", entry.Key, err)
		}
		entry.Value = v
		kept = append(kept, entry)
	}
	res.Entries = kept
	return res, nil
}

// walk lists dir and descends only into directories that can hold keys
// starting with prefix.
func (e *Engine) walk(ctx context.Context, dir string, depth int, prefix string, fn func(string, fs.Object)) error {
	list, err := e.remote.List(ctx, dir)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range list {
		name := path.Base(entry.Remote())
		switch entry := entry.(type) {
		case fs.Directory:
			if !keypath.Descend(prefix, depth, name) {
				continue
			}
			if err := e.walk(ctx, entry.Remote(), depth+1, prefix, fn); err != nil {
				return err
			}
		case fs.Object:
			if key, ok := keypath.Key(name); ok {
				fn(key, entry)
			}
		}
	}
	return nil
}

// === Extension: Exister ===

func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	_, err := e.remote.NewObject(ctx, keypath.Path(key))
	if isNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// === Extension: Hasher ===

// Hash returns the remote's checksum of the stored encoding of key, for
// comparing replicas without downloading them. algorithm is an rclone hash
// name such as "md5" or "sha1".
func (e *Engine) Hash(ctx context.Context, key, algorithm string) (string, error) {
	var ht hash.Type
	if err := ht.Set(algorithm); err != nil {
		return "", agentdb.InvalidArgument("hash", "unknown hash algorithm %q", algorithm)
	}
	obj, err := e.remote.NewObject(ctx, keypath.Path(key))
	if isNotFound(err) {
		return "", agentdb.NewError(agentdb.KindNotFound, "hash", "key %q", key)
	}
	if err != nil {
		return "", agentdb.WrapBackend("hash", err)
	}
	h, err := obj.Hash(ctx, ht)
	if errors.Is(err, hash.ErrUnsupported) || (err == nil && h == "") {
		return "", agentdb.Unsupported("hash " + algorithm)
	}
	if err != nil {
		return "", agentdb.WrapBackend("hash", err)
	}
	return h, nil
}

func (e *Engine) Close() error { return nil }

// Helpers

func isNotFound(err error) bool {
	return errors.Is(err, fs.ErrorObjectNotFound) || errors.Is(err, fs.ErrorDirNotFound)
}

// Compile-time interface checks.
var (
	_ agentdb.Driver  = (*Engine)(nil)
	_ agentdb.Exister = (*Engine)(nil)
)
