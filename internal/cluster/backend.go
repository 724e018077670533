package cluster

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Backend is the interchangeable shared projection each node publishes its
// signed record to and reads peers' records from. Three backends satisfy
// it here: a local file snapshot, a bbolt-backed shared KV with a TTL, and
// (left to the caller) any networked coordinator that can marshal the same
// SignedRecord shape.
type Backend interface {
	Publish(nodeID string, rec SignedRecord) error
	List() (map[string]SignedRecord, error)
}

// FileBackend stores one JSON file per node in a shared directory. Simplest
// of the three: appropriate when nodes share a filesystem (NFS mount,
// sidecar volume) but not a KV store.
type FileBackend struct {
	dir string
}

// NewFileBackend ensures dir exists and returns a FileBackend rooted there.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cluster: create backend dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) nodePath(nodeID string) string {
	return filepath.Join(f.dir, nodeID+".json")
}

// Publish writes nodeID's signed record to its own file, replacing any
// prior snapshot atomically via a rename.
func (f *FileBackend) Publish(nodeID string, rec SignedRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cluster: marshal record: %w", err)
	}
	tmp := f.nodePath(nodeID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("cluster: write record: %w", err)
	}
	return os.Rename(tmp, f.nodePath(nodeID))
}

// List reads every node file in the backend directory.
func (f *FileBackend) List() (map[string]SignedRecord, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("cluster: list backend dir: %w", err)
	}
	out := make(map[string]SignedRecord, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec SignedRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		nodeID := entry.Name()[:len(entry.Name())-len(".json")]
		out[nodeID] = rec
	}
	return out, nil
}

// BoltBackend stores records in a single bbolt bucket keyed by node ID,
// with an explicit expiry so stale entries vanish from List even if the
// publishing node never comes back to overwrite them.
type BoltBackend struct {
	db  *bolt.DB
	ttl time.Duration
}

var bucketClusterRecords = []byte("cluster_records")

type boltRecordEnvelope struct {
	Record SignedRecord `json:"record"`
	Expiry time.Time    `json:"expiry"`
}

// OpenBoltBackend opens (creating if necessary) a bbolt-backed shared KV at
// path. ttl should be 2x the node timeout per spec, so a node missing two
// consecutive heartbeat windows drops out of List entirely.
func OpenBoltBackend(path string, ttl time.Duration) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cluster: open bolt backend: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketClusterRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cluster: create bucket: %w", err)
	}
	return &BoltBackend{db: db, ttl: ttl}, nil
}

// Close closes the underlying database.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// Publish stores rec under nodeID with an expiry ttl from now.
func (b *BoltBackend) Publish(nodeID string, rec SignedRecord) error {
	env := boltRecordEnvelope{Record: rec, Expiry: time.Now().Add(b.ttl)}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cluster: marshal record: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusterRecords).Put([]byte(nodeID), data)
	})
}

// List returns every unexpired record, deleting expired ones as it goes.
func (b *BoltBackend) List() (map[string]SignedRecord, error) {
	out := make(map[string]SignedRecord)
	var expired [][]byte
	now := time.Now()

	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketClusterRecords).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var env boltRecordEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				continue
			}
			if now.After(env.Expiry) {
				expired = append(expired, append([]byte(nil), k...))
				continue
			}
			out[string(k)] = env.Record
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: list records: %w", err)
	}
	if len(expired) > 0 {
		_ = b.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(bucketClusterRecords)
			for _, k := range expired {
				if err := bucket.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return out, nil
}

// Sync publishes this node's heartbeat and ingests every peer record found
// on backend, verifying each and logging (via the returned per-node error
// map) any that fail signature or replay checks rather than aborting the
// whole sync.
func (r *Registry) Sync(backend Backend, status NodeStatus) (rejected map[string]error, err error) {
	signed, err := r.Heartbeat(status)
	if err != nil {
		return nil, fmt.Errorf("cluster: sign heartbeat: %w", err)
	}
	if err := backend.Publish(r.self.NodeID, signed); err != nil {
		return nil, fmt.Errorf("cluster: publish heartbeat: %w", err)
	}

	records, err := backend.List()
	if err != nil {
		return nil, err
	}
	rejected = make(map[string]error)
	for nodeID, rec := range records {
		if nodeID == r.self.NodeID {
			continue
		}
		if err := r.Ingest(rec); err != nil {
			rejected[nodeID] = err
		}
	}
	return rejected, nil
}
