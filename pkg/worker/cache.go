package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hodei/pipelines/api/wire"
)

var cacheBucket = []byte("artifacts")

// cacheEntry is the manifest record for one cached artifact
type cacheEntry struct {
	ArtifactID string    `json:"artifactId"`
	Checksum   string    `json:"checksum"`
	SizeBytes  int64     `json:"sizeBytes"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// ArtifactCache is the worker's local artifact store: content-addressed blob
// files plus a bbolt manifest keyed by artifact id. Transfers the
// orchestrator already sent survive worker restarts and later jobs skip them.
type ArtifactCache struct {
	dir string
	db  *bolt.DB
}

// OpenCache opens or creates the cache under dir
func OpenCache(dir string) (*ArtifactCache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "manifest.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache manifest: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &ArtifactCache{dir: dir, db: db}, nil
}

// Close closes the manifest database.
func (c *ArtifactCache) Close() error {
	return c.db.Close()
}

func (c *ArtifactCache) blobPath(checksum string) string {
	return filepath.Join(c.dir, "blobs", checksum)
}

// Put stores content under the artifact id, addressed by its checksum. An
// identical blob already present is reused; the manifest entry is refreshed
// either way.
func (c *ArtifactCache) Put(artifactID string, content []byte) error {
	checksum := wire.Checksum(content)
	path := c.blobPath(checksum)
	if _, err := os.Stat(path); err != nil {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, content, 0o644); err != nil {
			return fmt.Errorf("write blob: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("write blob: %w", err)
		}
	}

	entry := cacheEntry{
		ArtifactID: artifactID,
		Checksum:   checksum,
		SizeBytes:  int64(len(content)),
		LastUsedAt: time.Now(),
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return tx.Bucket(cacheBucket).Put([]byte(artifactID), data)
	})
}

// Has reports whether the artifact is cached with its blob intact, and
// refreshes its last-used time when it is.
func (c *ArtifactCache) Has(artifactID string) bool {
	_, ok := c.Stat(artifactID)
	return ok
}

// Stat returns the checksum of a cached artifact whose blob is intact, and
// refreshes its last-used time.
func (c *ArtifactCache) Stat(artifactID string) (string, bool) {
	entry, err := c.lookup(artifactID)
	if err != nil {
		return "", false
	}
	if _, err := os.Stat(c.blobPath(entry.Checksum)); err != nil {
		return "", false
	}
	c.touch(artifactID)
	return entry.Checksum, true
}

// Materialize copies the cached artifact to dest, creating parent
// directories as needed.
func (c *ArtifactCache) Materialize(artifactID, dest string) error {
	entry, err := c.lookup(artifactID)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(c.blobPath(entry.Checksum))
	if err != nil {
		return fmt.Errorf("read cached artifact %s: %w", artifactID, err)
	}
	if got := wire.Checksum(content); got != entry.Checksum {
		return fmt.Errorf("cached artifact %s is corrupt: checksum %s, want %s", artifactID, got, entry.Checksum)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dest, content, 0o644); err != nil {
		return fmt.Errorf("materialize artifact %s: %w", artifactID, err)
	}
	c.touch(artifactID)
	return nil
}

// Prune drops manifest entries unused since the cutoff and removes blobs no
// remaining entry references. It returns how many entries were dropped.
func (c *ArtifactCache) Prune(unusedSince time.Time) (int, error) {
	dropped := 0
	live := make(map[string]bool)
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var entry cacheEntry
			if err := json.Unmarshal(v, &entry); err != nil || entry.LastUsedAt.Before(unusedSince) {
				if err := cur.Delete(); err != nil {
					return err
				}
				dropped++
				continue
			}
			live[entry.Checksum] = true
		}
		return nil
	})
	if err != nil {
		return dropped, err
	}

	blobs, err := os.ReadDir(filepath.Join(c.dir, "blobs"))
	if err != nil {
		return dropped, err
	}
	for _, blob := range blobs {
		if !live[blob.Name()] {
			os.Remove(filepath.Join(c.dir, "blobs", blob.Name()))
		}
	}
	return dropped, nil
}

func (c *ArtifactCache) lookup(artifactID string) (*cacheEntry, error) {
	var entry cacheEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(cacheBucket).Get([]byte(artifactID))
		if data == nil {
			return fmt.Errorf("artifact %s not cached", artifactID)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *ArtifactCache) touch(artifactID string) {
	c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		data := b.Get([]byte(artifactID))
		if data == nil {
			return nil
		}
		var entry cacheEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil
		}
		entry.LastUsedAt = time.Now()
		updated, err := json.Marshal(&entry)
		if err != nil {
			return nil
		}
		return b.Put([]byte(artifactID), updated)
	})
}
