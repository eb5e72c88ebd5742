package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/loomworks/loom/pkg/errdefs"
	"github.com/loomworks/loom/pkg/types"
)

var (
	// Bucket names
	bucketNodes       = []byte("nodes")
	bucketDecisions   = []byte("decisions")
	bucketBottlenecks = []byte("bottlenecks")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the coordination database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "loom.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketDecisions,
			bucketBottlenecks,
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

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Node operations
func (s *BoltStore) SaveNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.ID), data)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", errdefs.ErrNodeNotFound, id)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.Delete([]byte(id))
	})
}

// Decision operations. Keys are timestamp-prefixed so iteration order is
// chronological.
func (s *BoltStore) SaveDecision(decision *types.RoutingDecision) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDecisions)
		data, err := json.Marshal(decision)
		if err != nil {
			return err
		}
		key := decisionKey(decision)
		return b.Put([]byte(key), data)
	})
}

func decisionKey(d *types.RoutingDecision) string {
	return d.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000") + "/" + d.TaskID
}

// ListDecisions returns the most recent decisions, newest last. A limit
// of zero or less returns everything.
func (s *BoltStore) ListDecisions(limit int) ([]*types.RoutingDecision, error) {
	var decisions []*types.RoutingDecision
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDecisions)
		return b.ForEach(func(k, v []byte) error {
			var d types.RoutingDecision
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			decisions = append(decisions, &d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(decisions) > limit {
		decisions = decisions[len(decisions)-limit:]
	}
	return decisions, nil
}

// Bottleneck operations
func (s *BoltStore) SaveBottleneck(bn *types.Bottleneck) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBottlenecks)
		data, err := json.Marshal(bn)
		if err != nil {
			return err
		}
		return b.Put([]byte(bn.ID), data)
	})
}

func (s *BoltStore) ListBottlenecks() ([]*types.Bottleneck, error) {
	var bottlenecks []*types.Bottleneck
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBottlenecks)
		return b.ForEach(func(k, v []byte) error {
			var bn types.Bottleneck
			if err := json.Unmarshal(v, &bn); err != nil {
				return err
			}
			bottlenecks = append(bottlenecks, &bn)
			return nil
		})
	})
	return bottlenecks, err
}
