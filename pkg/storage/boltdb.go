package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hodei/pipelines/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketJobs      = []byte("jobs")
	bucketEvents    = []byte("events") // Holds one sub-bucket per job id
	bucketPools     = []byte("pools")
	bucketTemplates = []byte("templates")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hodei.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketEvents,
			bucketPools,
			bucketTemplates,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Job operations

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(job.ID)) != nil {
			return fmt.Errorf("job already exists: %s", job.ID)
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListJobsByStatus(status types.JobStatus) ([]*types.Job, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Job
	for _, job := range jobs {
		if job.Status == status {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateJobStatus(id string, from, to types.JobStatus, mutate func(*types.Job)) (*types.Job, error) {
	var job types.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if job.Status != from || !types.LegalTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s (stored: %s)", ErrIllegalTransition, from, to, job.Status)
		}
		job.Status = to
		applyStatusTimestamps(&job, to)
		if mutate != nil {
			mutate(&job)
		}
		updated, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// applyStatusTimestamps keeps the startedAt/completedAt invariants in one place.
func applyStatusTimestamps(job *types.Job, to types.JobStatus) {
	now := time.Now()
	if to == types.JobStatusRunning && job.StartedAt.IsZero() {
		job.StartedAt = now
	}
	if to.Terminal() && job.CompletedAt.IsZero() {
		job.CompletedAt = now
	}
}

// Event operations

func (s *BoltStore) AppendEvent(event *types.ExecutionEvent) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketEvents)
		b, err := root.CreateBucketIfNotExists([]byte(event.JobID))
		if err != nil {
			return err
		}
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		event.Seq = seq
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now()
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *BoltStore) ListEvents(jobID string, afterSeq uint64, limit int) ([]*types.ExecutionEvent, error) {
	var evs []*types.ExecutionEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketEvents)
		b := root.Bucket([]byte(jobID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(seqKey(afterSeq + 1)); k != nil; k, v = c.Next() {
			var ev types.ExecutionEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			evs = append(evs, &ev)
			if limit > 0 && len(evs) >= limit {
				return nil
			}
		}
		return nil
	})
	return evs, err
}

// seqKey encodes a sequence number big-endian so cursor order matches
// append order.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Pool operations

func (s *BoltStore) CreatePool(pool *types.ResourcePool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		data, err := json.Marshal(pool)
		if err != nil {
			return err
		}
		return b.Put([]byte(pool.ID), data)
	})
}

func (s *BoltStore) GetPool(id string) (*types.ResourcePool, error) {
	var pool types.ResourcePool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &pool)
	})
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

func (s *BoltStore) ListPools() ([]*types.ResourcePool, error) {
	var pools []*types.ResourcePool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		return b.ForEach(func(k, v []byte) error {
			var pool types.ResourcePool
			if err := json.Unmarshal(v, &pool); err != nil {
				return err
			}
			pools = append(pools, &pool)
			return nil
		})
	})
	return pools, err
}

func (s *BoltStore) DeletePool(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		return b.Delete([]byte(id))
	})
}

// Template operations

func (s *BoltStore) CreateTemplate(tpl *types.WorkerTemplate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		data, err := json.Marshal(tpl)
		if err != nil {
			return err
		}
		return b.Put([]byte(tpl.ID), data)
	})
}

func (s *BoltStore) GetTemplate(id string) (*types.WorkerTemplate, error) {
	var tpl types.WorkerTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &tpl)
	})
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (s *BoltStore) ListTemplates() ([]*types.WorkerTemplate, error) {
	var tpls []*types.WorkerTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		return b.ForEach(func(k, v []byte) error {
			var tpl types.WorkerTemplate
			if err := json.Unmarshal(v, &tpl); err != nil {
				return err
			}
			tpls = append(tpls, &tpl)
			return nil
		})
	})
	return tpls, err
}

func (s *BoltStore) ListTemplatesByPool(poolID string) ([]*types.WorkerTemplate, error) {
	tpls, err := s.ListTemplates()
	if err != nil {
		return nil, err
	}
	var filtered []*types.WorkerTemplate
	for _, tpl := range tpls {
		if tpl.PoolID == poolID {
			filtered = append(filtered, tpl)
		}
	}
	return filtered, nil
}
