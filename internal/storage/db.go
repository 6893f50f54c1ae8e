package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"mcphub-go/internal/command"
)

const (
	dbFileName = "mcphub.db"

	// maxCommandJournal bounds the command-result journal; the oldest
	// entries are pruned once the bucket grows past it.
	maxCommandJournal = 1000
)

var (
	bucketServers  = []byte("servers")
	bucketCommands = []byte("commands")
	bucketHealth   = []byte("health")
	bucketStats    = []byte("stats")
)

// ErrRecordNotFound is returned when a key does not exist in its bucket.
var ErrRecordNotFound = fmt.Errorf("storage: record not found")

// BoltDB wraps the bbolt handle and owns bucket layout.
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

// NewBoltDB opens (or creates) the database under dataDir and ensures all
// buckets exist.
func NewBoltDB(dataDir string, logger *zap.SugaredLogger) (*BoltDB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dataDir, dbFileName)
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketServers, bucketCommands, bucketHealth, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Debugw("opened database", "path", path)
	return &BoltDB{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// SaveServer upserts a server record keyed by name.
func (b *BoltDB) SaveServer(record *ServerRecord) error {
	record.Updated = time.Now()
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal server record: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketServers).Put([]byte(record.Name), data)
	})
}

// GetServer fetches a server record by name.
func (b *BoltDB) GetServer(name string) (*ServerRecord, error) {
	var record ServerRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketServers).Get([]byte(name))
		if data == nil {
			return ErrRecordNotFound
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListServers returns all server records in key order.
func (b *BoltDB) ListServers() ([]*ServerRecord, error) {
	var records []*ServerRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketServers).ForEach(func(_, v []byte) error {
			var record ServerRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteServer removes a server record and its health and stats entries.
func (b *BoltDB) DeleteServer(name string) error {
	key := []byte(name)
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketServers).Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketHealth).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketStats).Delete(key)
	})
}

// AppendCommandResult appends a result to the journal under a monotonically
// increasing key and prunes the oldest entries past maxCommandJournal.
func (b *BoltDB) AppendCommandResult(result *command.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal command result: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCommands)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		if err := bucket.Put(sequenceKey(seq), data); err != nil {
			return err
		}

		excess := bucket.Stats().KeyN + 1 - maxCommandJournal
		if excess <= 0 {
			return nil
		}
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.Next() {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

// ListCommandResults returns up to limit journal entries, newest first.
// A non-empty serverName filters to that server.
func (b *BoltDB) ListCommandResults(serverName string, limit int) ([]*command.Result, error) {
	if limit <= 0 || limit > maxCommandJournal {
		limit = maxCommandJournal
	}
	var results []*command.Result
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketCommands).Cursor()
		for k, v := c.Last(); k != nil && len(results) < limit; k, v = c.Prev() {
			var result command.Result
			if err := json.Unmarshal(v, &result); err != nil {
				return err
			}
			if serverName != "" && result.ServerName != serverName {
				continue
			}
			results = append(results, &result)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// SaveHealth stores the latest health observation for a server.
func (b *BoltDB) SaveHealth(record *HealthRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal health record: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHealth).Put([]byte(record.ServerName), data)
	})
}

// GetHealth fetches the latest health observation for a server.
func (b *BoltDB) GetHealth(name string) (*HealthRecord, error) {
	var record HealthRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketHealth).Get([]byte(name))
		if data == nil {
			return ErrRecordNotFound
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// IncrementStats bumps the per-server counters in a single transaction.
func (b *BoltDB) IncrementStats(name string, requests, errors, commands uint64) error {
	key := []byte(name)
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketStats)
		record := &StatsRecord{ServerName: name}
		if data := bucket.Get(key); data != nil {
			if err := json.Unmarshal(data, record); err != nil {
				return err
			}
		}
		record.RequestCount += requests
		record.ErrorCount += errors
		record.CommandCount += commands
		record.Updated = time.Now()

		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
}

// GetStats fetches the accumulated counters for a server.
func (b *BoltDB) GetStats(name string) (*StatsRecord, error) {
	var record StatsRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketStats).Get([]byte(name))
		if data == nil {
			return ErrRecordNotFound
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
