// Package sharded provides a deduplicating agentdb driver on afero
// filesystems. A value's encoding is cut into chunks stored once per
// content hash; each key holds only a small manifest listing its chunks.
//
// Manifests and chunks may live on separate filesystems, so several
// namespaces can share one chunk store and identical values (documents,
// embeddings, tool outputs) are kept once. Delete removes only the manifest;
// call Collect to remove chunks no manifest references.
package sharded

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/nuln/agentdb"
	"github.com/nuln/agentdb/internal/keypath"
)

// DefaultChunkSize is the default chunk size (4MB).
const DefaultChunkSize = 4 * 1024 * 1024

const (
	manifestRoot = "manifests"
	shardRoot    = "shards"
)

// Auto-register sharded storage driver.
func init() {
	agentdb.Register("sharded", func(cfg *agentdb.Config) (agentdb.Driver, error) {
		basePath := cfg.BasePath
		if basePath == "" {
			basePath = "./data"
		}
		manifestPath := cfg.String("manifest_dir", filepath.Join(basePath, "manifest"))
		shardsPath := cfg.String("shards_dir", filepath.Join(basePath, "shards"))

		// Ensure directories exist
		if err := os.MkdirAll(manifestPath, 0750); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(shardsPath, 0750); err != nil {
			return nil, err
		}

		manifestFs := afero.NewBasePathFs(afero.NewOsFs(), manifestPath)
		shardsFs := afero.NewBasePathFs(afero.NewOsFs(), shardsPath)
		return New(manifestFs, shardsFs, int64(cfg.Int("chunk_size", DefaultChunkSize))), nil
	})
}

// Manifest describes how a stored value is split into chunks.
type Manifest struct {
	Chunks     []string  `json:"chunks"`
	ChunkSizes []int64   `json:"chunkSizes"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"modTime"`
}

// Engine implements agentdb.Driver using content-addressed chunked storage.
type Engine struct {
	manifestFs afero.Fs
	shardsFs   afero.Fs
	chunkSize  int64
	// mu orders writers against scans and Collect in this process.
	mu sync.RWMutex
}

// New creates a new sharded Engine.
// manifestFs stores one manifest per key, shardsFs stores chunk blobs
// (content-addressed via keypath.HashPath). They can share the same
// filesystem or be separate (e.g., for cross-namespace dedup).
func New(manifestFs, shardsFs afero.Fs, chunkSize int64) *Engine {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Engine{
		manifestFs: manifestFs,
		shardsFs:   shardsFs,
		chunkSize:  chunkSize,
	}
}

func (e *Engine) manifestPath(key string) string {
	return path.Join(manifestRoot, keypath.Path(key))
}

func (e *Engine) shardPath(hash string) string {
	return path.Join(shardRoot, keypath.HashPath(hash))
}

func (e *Engine) Capabilities() agentdb.Capabilities {
	return agentdb.NewCapabilities(agentdb.FamilyKeyValue,
		agentdb.WithFeature(agentdb.FeatureSQL, false),
		agentdb.WithMaxKeySize(keypath.MaxKeySize),
	)
}

func (e *Engine) Put(ctx context.Context, key string, value agentdb.Value) error {
	data, err := value.MarshalBinary()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m := Manifest{Size: int64(len(data)), ModTime: time.Now()}
	for off := int64(0); off < int64(len(data)); off += e.chunkSize {
		end := min(off+e.chunkSize, int64(len(data)))
		hash, err := e.writeShard(data[off:end])
		if err != nil {
			return err
		}
		m.Chunks = append(m.Chunks, hash)
		m.ChunkSizes = append(m.ChunkSizes, end-off)
	}
	return e.writeManifest(e.manifestPath(key), m)
}

// writeShard stores chunk under its hash unless it is already present.
func (e *Engine) writeShard(chunk []byte) (string, error) {
	sum := sha256.Sum256(chunk)
	hash := hex.EncodeToString(sum[:])
	p := e.shardPath(hash)

	// Content-addressed: skip write if shard already exists (dedup)
	if exists, _ := afero.Exists(e.shardsFs, p); exists {
		return hash, nil
	}
	if err := e.shardsFs.MkdirAll(path.Dir(p), 0750); err != nil {
		return "", err
	}
	if err := writeAtomic(e.shardsFs, p, chunk); err != nil {
		return "", err
	}
	return hash, nil
}

func (e *Engine) writeManifest(p string, m Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := e.manifestFs.MkdirAll(path.Dir(p), 0750); err != nil {
		return err
	}
	return writeAtomic(e.manifestFs, p, data)
}

func writeAtomic(fsys afero.Fs, p string, data []byte) error {
	tmp := path.Join(path.Dir(p), ".tmp-"+uuid.NewString())
	if err := afero.WriteFile(fsys, tmp, data, 0640); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	if err := fsys.Rename(tmp, p); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	return nil
}

func (e *Engine) Get(ctx context.Context, key string) (agentdb.Value, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.read(key)
}

func (e *Engine) readManifest(key string) (Manifest, bool, error) {
	var m Manifest
	data, err := afero.ReadFile(e.manifestFs, e.manifestPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return m, false, nil
	}
	if err != nil {
		return m, false, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, false, agentdb.Serialization("decode", "manifest for %q: %v", key, err)
	}
	if len(m.ChunkSizes) != len(m.Chunks) {
		return m, false, agentdb.Serialization("decode", "manifest for %q lists %d chunks and %d sizes", key, len(m.Chunks), len(m.ChunkSizes))
	}
	return m, true, nil
}

// read stitches the chunks of key back together. e.mu must be held.
func (e *Engine) read(key string) (agentdb.Value, bool, error) {
	m, ok, err := e.readManifest(key)
	if err != nil || !ok {
		return agentdb.Value{}, false, err
	}
	var buf bytes.Buffer
	buf.Grow(int(m.Size))
	for i, hash := range m.Chunks {
		chunk, err := afero.ReadFile(e.shardsFs, e.shardPath(hash))
		if err != nil {
			return agentdb.Value{}, false, fmt.Errorf("agentdb/sharded: chunk %d of %q: %w", i, key, err)
		}
		if int64(len(chunk)) != m.ChunkSizes[i] {
			return agentdb.Value{}, false, agentdb.Serialization("decode", "chunk %d of %q is %d bytes, manifest says %d", i, key, len(chunk), m.ChunkSizes[i])
		}
		buf.Write(chunk)
	}
	if int64(buf.Len()) != m.Size {
		return agentdb.Value{}, false, agentdb.Serialization("decode", "value %q is %d bytes, manifest says %d", key, buf.Len(), m.Size)
	}
	v, err := agentdb.DecodeValue(buf.Bytes())
	if err != nil {
		return agentdb.Value{}, false, err
	}
	return v, true, nil
}

// Delete removes the manifest. Shards are content-addressed and may be
// shared; orphans are removed by Collect.
func (e *Engine) Delete(ctx context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.manifestFs.Remove(e.manifestPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (e *Engine) Scan(ctx context.Context, prefix string, opts agentdb.ScanOptions) (*agentdb.ScanResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]agentdb.Entry, 0)
	err := keypath.Walk(ctx, e.manifestFs, manifestRoot, prefix, func(key string) {
		if opts.Match(prefix, key) {
			keys = append(keys, agentdb.Entry{Key: key})
		}
	})
	if err != nil {
		return nil, err
	}
	res := agentdb.PageEntries(keys, prefix, opts)
	for i := range res.Entries {
		v, ok, err := e.read(res.Entries[i].Key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("agentdb/sharded: %q vanished during scan", res.Entries[i].Key)
		}
		res.Entries[i].Value = v
	}
	return res, nil
}

// === Extension: Exister ===

func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return afero.Exists(e.manifestFs, e.manifestPath(key))
}

// === Extension: Copier ===

// Copy makes dst hold the value of src by duplicating only its manifest
// (zero-copy for shards). It reports false when src does not exist.
func (e *Engine) Copy(ctx context.Context, src, dst string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok, err := e.readManifest(src)
	if err != nil || !ok {
		return false, err
	}
	m.ModTime = time.Now()
	return true, e.writeManifest(e.manifestPath(dst), m)
}

// === Extension: Collector ===

// Collect removes every shard that no manifest on this engine references and
// returns how many were removed. Only use it when the shard store is not
// shared with other engines.
func (e *Engine) Collect(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	live := make(map[string]bool)
	var readErr error
	err := keypath.Walk(ctx, e.manifestFs, manifestRoot, "", func(key string) {
		if readErr != nil {
			return
		}
		m, ok, err := e.readManifest(key)
		if err != nil {
			readErr = err
			return
		}
		if ok {
			for _, h := range m.Chunks {
				live[h] = true
			}
		}
	})
	if err == nil {
		err = readErr
	}
	if err != nil {
		return 0, err
	}

	var orphans []string
	err = afero.Walk(e.shardsFs, shardRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !info.IsDir() && !live[info.Name()] {
			orphans = append(orphans, p)
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, err
	}
	for _, p := range orphans {
		if err := e.shardsFs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, err
		}
	}
	return len(orphans), nil
}

func (e *Engine) Close() error { return nil }

// Compile-time interface checks.
var (
	_ agentdb.Driver  = (*Engine)(nil)
	_ agentdb.Exister = (*Engine)(nil)
)
