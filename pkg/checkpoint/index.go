package checkpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var latestBucket = []byte("latest")

// Record is the latest known checkpoint of a job
type Record struct {
	JobID      string    `json:"job_id" yaml:"job_id"`
	Path       string    `json:"path" yaml:"path"`
	Step       int       `json:"step" yaml:"step"`
	Epoch      int       `json:"epoch" yaml:"epoch"`
	Status     string    `json:"status,omitempty" yaml:"status,omitempty"`
	RecordedAt time.Time `json:"recorded_at" yaml:"recorded_at"`
}

// Index persists the latest checkpoint of every job in a bbolt file, so a
// paused job can still be resumed after the agent restarts.
type Index struct {
	db     *bolt.DB
	logger *zap.Logger
}

// OpenIndex opens or creates the index at path
func OpenIndex(path string, logger *zap.Logger) (*Index, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint index %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(latestBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize checkpoint index: %w", err)
	}

	logger.Debug("Opened checkpoint index", zap.String("path", path))
	return &Index{db: db, logger: logger}, nil
}

// OpenIndexReadOnly opens an existing index without taking the write lock
func OpenIndexReadOnly(path string, logger *zap.Logger) (*Index, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint index %s: %w", path, err)
	}
	return &Index{db: db, logger: logger}, nil
}

// Close closes the underlying database
func (i *Index) Close() error {
	return i.db.Close()
}

// Put records r as the latest checkpoint of its job. Older steps never
// replace a newer record.
func (i *Index) Put(r Record) error {
	if r.JobID == "" || r.Path == "" {
		return fmt.Errorf("checkpoint record needs a job id and a path")
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}

	return i.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(latestBucket)
		if data := b.Get([]byte(r.JobID)); data != nil {
			var prev Record
			if err := json.Unmarshal(data, &prev); err == nil && prev.Step > r.Step {
				i.logger.Debug("Ignoring older checkpoint",
					zap.String("job_id", r.JobID),
					zap.Int("step", r.Step),
					zap.Int("latest_step", prev.Step))
				return nil
			}
		}

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(r.JobID), data)
	})
}

// Get returns the latest checkpoint of a job
func (i *Index) Get(jobID string) (Record, error) {
	var r Record
	err := i.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(latestBucket).Get([]byte(jobID))
		if data == nil {
			return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		return json.Unmarshal(data, &r)
	})
	return r, err
}

// Delete forgets a job's checkpoint record. The files are left on disk.
func (i *Index) Delete(jobID string) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(latestBucket).Delete([]byte(jobID))
	})
}

// List returns all records ordered by job id
func (i *Index) List() ([]Record, error) {
	var records []Record
	err := i.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(latestBucket).ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				i.logger.Warn("Skipping corrupt checkpoint record",
					zap.String("job_id", string(k)),
					zap.Error(err))
				return nil
			}
			records = append(records, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(a, b int) bool { return records[a].JobID < records[b].JobID })
	return records, nil
}
