package bytecode

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ContentStore is the on-disk cache of unpacked image layers keyed by
// digest. It is also kept mirrored in memory so that IfNotPresent/Never
// lookups never need a filesystem round trip on the hot path.
type ContentStore struct {
	dir string

	mu    sync.RWMutex
	cache map[string]Resolved
}

// OpenContentStore creates dir if absent and loads any previously cached
// entries into memory.
func OpenContentStore(dir string) (*ContentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bytecode: create content store dir %q: %w", dir, err)
	}
	s := &ContentStore{dir: dir, cache: make(map[string]Resolved)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("bytecode: read content store dir %q: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		key := e.Name()[:len(e.Name())-len(".json")]
		entry, err := s.loadEntry(key)
		if err != nil {
			continue
		}
		s.cache[entry.ref] = entry.Resolved
	}
	return s, nil
}

type storedEntry struct {
	ref     string
	Resolved
}

type entryFile struct {
	Ref     string   `json:"ref"`
	Digest  string   `json:"digest"`
	Symbols []string `json:"symbols,omitempty"`
}

func (s *ContentStore) keyFor(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:])
}

func (s *ContentStore) loadEntry(key string) (storedEntry, error) {
	metaPath := filepath.Join(s.dir, key+".json")
	metaRaw, err := os.ReadFile(metaPath)
	if err != nil {
		return storedEntry{}, err
	}
	var meta entryFile
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return storedEntry{}, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, key+".bin"))
	if err != nil {
		return storedEntry{}, err
	}
	return storedEntry{ref: meta.Ref, Resolved: Resolved{Bytes: data, Symbols: meta.Symbols}}, nil
}

// Lookup returns the cached Resolved result for ref, if any.
func (s *ContentStore) Lookup(ref string) (Resolved, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.cache[ref]
	return r, ok
}

// Put stores r under ref, both in memory and on disk, keyed by a digest of
// ref rather than the image's own content digest: IfNotPresent/Never are
// keyed by what the client asked for, which is the reference string.
func (s *ContentStore) Put(ref string, r Resolved) {
	s.mu.Lock()
	s.cache[ref] = r
	s.mu.Unlock()

	key := s.keyFor(ref)
	meta := entryFile{Ref: ref, Symbols: r.Symbols}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(s.dir, key+".json"), metaRaw, 0o644)
	_ = os.WriteFile(filepath.Join(s.dir, key+".bin"), r.Bytes, 0o644)
}
