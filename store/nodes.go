package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/omnivault/sync-engine/models"
	"github.com/omnivault/sync-engine/provider"
)

const (
	// storageAttempts is how many times a failed batch transaction is
	// retried before the failure surfaces as a storage error.
	storageAttempts = 3

	insertChunk = 200
	lookupChunk = 500
)

type BatchResult struct {
	Nodes int
	Edges int
}

// UpsertBatch writes one page's mapped records in a single transaction, so
// a page is either fully applied or not at all. Primary nodes follow
// last-writer-wins on their natural key; referenced stubs (people, folders)
// are insert-only, so a stub never clobbers a fully synced record. Edges
// resolve natural keys to row ids inside the same transaction.
func (s *Store) UpsertBatch(ctx context.Context, userID string, batch []provider.Mapped) (BatchResult, error) {
	if len(batch) == 0 {
		return BatchResult{}, nil
	}

	primaries, stubs, edges := splitBatch(userID, batch)

	var (
		res     BatchResult
		lastErr error
	)

	for attempt := 1; ; attempt++ {
		res, lastErr = s.writeBatch(ctx, userID, primaries, stubs, edges)
		if lastErr == nil {
			return res, nil
		}

		if attempt >= storageAttempts || ctx.Err() != nil {
			break
		}

		s.log.Warn("batch write failed, retrying",
			zap.String("user", userID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return BatchResult{}, lastErr
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}

	return BatchResult{}, fmt.Errorf("batch write failed after %d attempts: %w", storageAttempts, lastErr)
}

// NodeByKey loads one node by its natural key.
func (s *Store) NodeByKey(ctx context.Context, userID string, key models.NodeKey) (*models.Node, error) {
	var node models.Node

	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ? AND external_id = ?", userID, key.Provider, key.ExternalID).
		First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("node %s/%s not found", key.Provider, key.ExternalID)
	}

	if err != nil {
		return nil, fmt.Errorf("load node: %w", err)
	}

	return &node, nil
}

type GraphStats struct {
	NodesByKind   map[string]int64
	Relationships int64
}

// GraphStats counts stored nodes by kind plus relationships. An empty userID
// counts across all users.
func (s *Store) GraphStats(ctx context.Context, userID string) (GraphStats, error) {
	stats := GraphStats{NodesByKind: make(map[string]int64)}

	type row struct {
		Kind  string
		Count int64
	}

	var rows []row

	nodes := s.db.WithContext(ctx).Model(&models.Node{}).
		Select("kind, COUNT(1) as count").
		Group("kind")
	if userID != "" {
		nodes = nodes.Where("user_id = ?", userID)
	}

	if err := nodes.Scan(&rows).Error; err != nil {
		return stats, fmt.Errorf("count nodes: %w", err)
	}

	for _, r := range rows {
		stats.NodesByKind[r.Kind] = r.Count
	}

	rels := s.db.WithContext(ctx).Model(&models.Relationship{})
	if userID != "" {
		rels = rels.Where("user_id = ?", userID)
	}

	if err := rels.Count(&stats.Relationships).Error; err != nil {
		return stats, fmt.Errorf("count relationships: %w", err)
	}

	return stats, nil
}

// splitBatch separates primary records from referenced stubs and dedupes
// both within the page: the last primary for a key wins, stubs keep their
// first sighting, and a stub is dropped entirely when the page also carries
// the full record.
func splitBatch(userID string, batch []provider.Mapped) ([]models.Node, []models.Node, []provider.Edge) {
	primaries := make([]models.Node, 0, len(batch))
	primaryIdx := make(map[models.NodeKey]int, len(batch))

	var (
		stubs    []models.Node
		stubSeen = make(map[models.NodeKey]struct{})
		edges    []provider.Edge
	)

	for _, m := range batch {
		node := m.Node
		node.UserID = userID

		key := node.Key()
		if key.IsZero() {
			continue
		}

		if i, ok := primaryIdx[key]; ok {
			primaries[i] = node
		} else {
			primaryIdx[key] = len(primaries)
			primaries = append(primaries, node)
		}

		for _, extra := range m.Extra {
			extra.UserID = userID

			ekey := extra.Key()
			if ekey.IsZero() {
				continue
			}

			if _, ok := stubSeen[ekey]; ok {
				continue
			}

			stubSeen[ekey] = struct{}{}
			stubs = append(stubs, extra)
		}

		edges = append(edges, m.Edges...)
	}

	kept := stubs[:0]

	for _, stub := range stubs {
		if _, ok := primaryIdx[stub.Key()]; !ok {
			kept = append(kept, stub)
		}
	}

	return primaries, kept, edges
}

func (s *Store) writeBatch(ctx context.Context, userID string, primaries, stubs []models.Node, edges []provider.Edge) (BatchResult, error) {
	var res BatchResult

	naturalKey := []clause.Column{{Name: "user_id"}, {Name: "provider"}, {Name: "external_id"}}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(primaries) > 0 {
			rows := withIDs(primaries)

			err := tx.Clauses(clause.OnConflict{
				Columns: naturalKey,
				DoUpdates: clause.AssignmentColumns([]string{
					"kind", "title", "content", "timestamp", "modified_at", "metadata", "updated_at",
				}),
			}).CreateInBatches(rows, insertChunk).Error
			if err != nil {
				return fmt.Errorf("upsert nodes: %w", err)
			}

			res.Nodes += len(rows)
		}

		if len(stubs) > 0 {
			rows := withIDs(stubs)

			err := tx.Clauses(clause.OnConflict{
				Columns:   naturalKey,
				DoNothing: true,
			}).CreateInBatches(rows, insertChunk).Error
			if err != nil {
				return fmt.Errorf("insert stub nodes: %w", err)
			}

			res.Nodes += len(rows)
		}

		if len(edges) == 0 {
			return nil
		}

		ids, err := resolveKeys(tx, userID, edgeKeys(edges))
		if err != nil {
			return err
		}

		rels := buildRelationships(userID, edges, ids)
		if len(rels) == 0 {
			return nil
		}

		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_id"}, {Name: "target_id"}, {Name: "kind"}},
			DoNothing: true,
		}).CreateInBatches(rels, insertChunk).Error
		if err != nil {
			return fmt.Errorf("insert relationships: %w", err)
		}

		res.Edges = len(rels)

		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}

	return res, nil
}

func withIDs(nodes []models.Node) []models.Node {
	rows := make([]models.Node, len(nodes))
	copy(rows, nodes)

	for i := range rows {
		if rows[i].ID == "" {
			rows[i].ID = uuid.New().String()
		}
	}

	return rows
}

func edgeKeys(edges []provider.Edge) []models.NodeKey {
	seen := make(map[models.NodeKey]struct{}, len(edges)*2)
	out := make([]models.NodeKey, 0, len(edges)*2)

	for _, e := range edges {
		for _, k := range [2]models.NodeKey{e.Source, e.Target} {
			if k.IsZero() {
				continue
			}

			if _, ok := seen[k]; ok {
				continue
			}

			seen[k] = struct{}{}
			out = append(out, k)
		}
	}

	return out
}

// resolveKeys maps natural keys to row ids. The lookup is by external id
// with the provider filtered in memory, so one IN list serves keys from
// mixed providers.
func resolveKeys(tx *gorm.DB, userID string, keys []models.NodeKey) (map[models.NodeKey]string, error) {
	out := make(map[models.NodeKey]string, len(keys))

	for start := 0; start < len(keys); start += lookupChunk {
		end := start + lookupChunk
		if end > len(keys) {
			end = len(keys)
		}

		chunk := keys[start:end]

		externalIDs := make([]string, len(chunk))
		for i, k := range chunk {
			externalIDs[i] = k.ExternalID
		}

		var rows []models.Node

		err := tx.Select("id", "provider", "external_id").
			Where("user_id = ? AND external_id IN ?", userID, externalIDs).
			Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("resolve node keys: %w", err)
		}

		for _, row := range rows {
			out[models.NodeKey{Provider: row.Provider, ExternalID: row.ExternalID}] = row.ID
		}
	}

	return out, nil
}

func buildRelationships(userID string, edges []provider.Edge, ids map[models.NodeKey]string) []models.Relationship {
	rels := make([]models.Relationship, 0, len(edges))
	seen := make(map[[3]string]struct{}, len(edges))

	for _, e := range edges {
		src, ok := ids[e.Source]
		if !ok {
			continue
		}

		dst, ok := ids[e.Target]
		if !ok {
			continue
		}

		key := [3]string{src, dst, e.Kind}
		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}

		rels = append(rels, models.Relationship{
			ID:       uuid.New().String(),
			UserID:   userID,
			SourceID: src,
			TargetID: dst,
			Kind:     e.Kind,
		})
	}

	return rels
}
