package modhost

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ChangeDetector keeps a fingerprint of each module's source as of its
// last load and answers which recorded sources have since changed. A
// fingerprint covers file content for a file source and relative paths
// plus content, walked in sorted order, for a directory source.
type ChangeDetector struct {
	mu           sync.RWMutex
	sources      map[string]string
	fingerprints map[string]uint64
}

// NewChangeDetector returns an empty detector.
func NewChangeDetector() *ChangeDetector {
	return &ChangeDetector{
		sources:      make(map[string]string),
		fingerprints: make(map[string]uint64),
	}
}

// Record fingerprints path now and stores it as the point of comparison
// for name, replacing any previous record.
func (d *ChangeDetector) Record(name, path string) error {
	fp, err := fingerprintPath(path)
	if err != nil {
		return fmt.Errorf("fingerprinting %q: %w", path, err)
	}
	d.mu.Lock()
	d.sources[name] = path
	d.fingerprints[name] = fp
	d.mu.Unlock()
	return nil
}

// Forget drops the record for name. Idempotent.
func (d *ChangeDetector) Forget(name string) {
	d.mu.Lock()
	delete(d.sources, name)
	delete(d.fingerprints, name)
	d.mu.Unlock()
}

// Recorded returns the recorded module names, sorted.
func (d *ChangeDetector) Recorded() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.sources))
	for name := range d.sources {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	return names
}

// HasChanged recomputes name's fingerprint and compares it to the record.
// A module with no record has not changed. A source that can no longer be
// fingerprinted (deleted, unreadable) counts as changed.
func (d *ChangeDetector) HasChanged(name string) (bool, error) {
	d.mu.RLock()
	path, ok := d.sources[name]
	recorded := d.fingerprints[name]
	d.mu.RUnlock()
	if !ok {
		return false, nil
	}
	current, err := fingerprintPath(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return true, fmt.Errorf("fingerprinting %q: %w", path, err)
	}
	return current != recorded, nil
}

// Changed returns every recorded module whose source no longer matches
// its fingerprint, sorted. Sources that cannot be read count as changed.
func (d *ChangeDetector) Changed() []string {
	changed := make([]string, 0, 4)
	for _, name := range d.Recorded() {
		if ok, _ := d.HasChanged(name); ok {
			changed = append(changed, name)
		}
	}
	return changed
}

// fingerprintPath hashes a file's content, or for a directory every
// regular file's relative path and content in sorted walk order.
func fingerprintPath(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	h := xxhash.New()
	if !info.IsDir() {
		if err := hashFile(h, path); err != nil {
			return 0, err
		}
		return h.Sum64(), nil
	}

	err = filepath.WalkDir(path, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		if _, err := h.WriteString(filepath.ToSlash(rel)); err != nil {
			return err
		}
		var sizeBuf [8]byte
		if info, err := entry.Info(); err == nil {
			binary.LittleEndian.PutUint64(sizeBuf[:], uint64(info.Size()))
			if _, err := h.Write(sizeBuf[:]); err != nil {
				return err
			}
		}
		return hashFile(h, p)
	})
	if err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

func hashFile(h *xxhash.Digest, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(h, f)
	return err
}
