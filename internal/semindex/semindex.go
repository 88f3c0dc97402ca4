// Package semindex is the semantic similarity index: an in-memory HNSW
// graph over node embeddings, with the raw vectors and the key↔node-id
// mapping persisted in SQLite. The graph is rebuilt from rows on open and
// can be snapshotted to any hackpadfs filesystem as gob.
package semindex

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/fogfish/hnsw"
	"github.com/fogfish/hnsw/vector"
	"github.com/hack-pad/hackpadfs"
	kvector "github.com/kshard/vector"

	"github.com/kittclouds/vaultkit/internal/apperr"
	"github.com/kittclouds/vaultkit/internal/store"
)

// Embedder turns text into a fixed-width vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index searches nodes by embedding proximity.
type Index struct {
	db  *store.DB
	emb Embedder
	log *slog.Logger

	mu        sync.RWMutex
	graph     *hnsw.HNSW[vector.VF32]
	keyToNode map[uint32]string
	nodeToKey map[string]uint32
}

// New builds the index and hydrates the graph from the persisted rows.
func New(ctx context.Context, db *store.DB, emb Embedder, log *slog.Logger) (*Index, error) {
	if log == nil {
		log = slog.Default()
	}
	idx := &Index{db: db, emb: emb, log: log}
	if err := idx.Rebuild(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// Upsert embeds text and stores it under nodeID, replacing any previous
// embedding. The old graph entry stays unreachable until the next Rebuild;
// lookups resolve through the key mapping, so it is never surfaced twice.
func (i *Index) Upsert(ctx context.Context, nodeID, text string) error {
	vec, err := i.emb.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed node %s: %w", nodeID, err)
	}
	if len(vec) != i.db.VectorDim() {
		return fmt.Errorf("%w: embedding dimension %d, table has %d",
			apperr.ErrValidation, len(vec), i.db.VectorDim())
	}

	var key uint32
	err = i.db.WithTx(ctx, func(tx *sql.Tx) error {
		key, err = ensureKeyTx(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM node_embeddings WHERE node_key = ?`, int64(key)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO node_embeddings (node_key, embedding) VALUES (?, ?)`,
			int64(key), vecToBlob(vec))
		return err
	})
	if err != nil {
		return err
	}

	i.mu.Lock()
	i.keyToNode[key] = nodeID
	i.nodeToKey[nodeID] = key
	i.graph.Insert(vector.VF32{Key: key, Vec: vec})
	i.mu.Unlock()
	return nil
}

// Remove drops a node's embedding and key mapping. Removing an unindexed
// node is a no-op.
func (i *Index) Remove(ctx context.Context, nodeID string) error {
	i.mu.RLock()
	key, ok := i.nodeToKey[nodeID]
	i.mu.RUnlock()
	if !ok {
		return nil
	}

	err := i.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM node_embeddings WHERE node_key = ?`, int64(key)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM embedding_keys WHERE node_id = ?`, nodeID)
		return err
	})
	if err != nil {
		return err
	}

	i.mu.Lock()
	delete(i.keyToNode, key)
	delete(i.nodeToKey, nodeID)
	i.mu.Unlock()
	return nil
}

// SimilarToText returns up to k node ids nearest to text, best first.
func (i *Index) SimilarToText(ctx context.Context, text string, k int) ([]string, error) {
	vec, err := i.emb.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return i.search(vec, k, 0), nil
}

// SimilarToNode returns up to k node ids nearest to an indexed node,
// the node itself excluded.
func (i *Index) SimilarToNode(ctx context.Context, nodeID string, k int) ([]string, error) {
	i.mu.RLock()
	key, ok := i.nodeToKey[nodeID]
	i.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: node %s is not indexed", apperr.ErrNotFound, nodeID)
	}

	var blob []byte
	err := i.db.QueryRowContext(ctx,
		`SELECT embedding FROM node_embeddings WHERE node_key = ?`, int64(key)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: node %s is not indexed", apperr.ErrNotFound, nodeID)
	}
	if err != nil {
		return nil, err
	}

	return i.search(blobToVec(blob), k, key), nil
}

// search runs the ANN query and maps keys back to node ids, skipping stale
// graph entries and the excluded key. Results keep the graph's ranking.
func (i *Index) search(vec []float32, k int, exclude uint32) []string {
	if k <= 0 {
		return nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.graph.Size() == 0 {
		return nil
	}

	// Over-fetch to survive the excluded key and stale entries.
	ef := (k + 2) * 2
	if ef < 100 {
		ef = 100
	}
	found := i.graph.Search(vector.VF32{Vec: vec}, k+2, ef)

	out := make([]string, 0, k)
	seen := make(map[uint32]bool, len(found))
	for _, f := range found {
		if f.Key == exclude || seen[f.Key] {
			continue
		}
		seen[f.Key] = true
		nodeID, ok := i.keyToNode[f.Key]
		if !ok {
			continue
		}
		out = append(out, nodeID)
		if len(out) == k {
			break
		}
	}
	return out
}

// Rebuild replaces the graph with a fresh one built from the persisted
// rows, compacting away stale entries.
func (i *Index) Rebuild(ctx context.Context) error {
	rows, err := i.db.QueryContext(ctx, `
		SELECT ek.key, ek.node_id, ne.embedding
		FROM embedding_keys ek JOIN node_embeddings ne ON ne.node_key = ek.key
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	graph := hnsw.New[vector.VF32](vector.SurfaceVF32(kvector.Cosine()))
	keyToNode := map[uint32]string{}
	nodeToKey := map[string]uint32{}

	for rows.Next() {
		var key int64
		var nodeID string
		var blob []byte
		if err := rows.Scan(&key, &nodeID, &blob); err != nil {
			return err
		}
		k := uint32(key)
		keyToNode[k] = nodeID
		nodeToKey[nodeID] = k
		graph.Insert(vector.VF32{Key: k, Vec: blobToVec(blob)})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	i.mu.Lock()
	i.graph = graph
	i.keyToNode = keyToNode
	i.nodeToKey = nodeToKey
	i.mu.Unlock()
	return nil
}

// Save snapshots the graph to fs as gob.
func (i *Index) Save(fs hackpadfs.FS, path string) error {
	i.mu.RLock()
	nodes := i.graph.Nodes()
	i.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(nodes); err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	if err := hackpadfs.WriteFullFile(fs, path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write graph snapshot: %w", err)
	}
	return nil
}

// Load rehydrates the graph from a Save snapshot. The key mapping still
// comes from the database, so Load after New is purely an optimization over
// Rebuild.
func (i *Index) Load(fs hackpadfs.FS, path string) error {
	content, err := hackpadfs.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("read graph snapshot: %w", err)
	}

	var nodes hnsw.Nodes[vector.VF32]
	if err := gob.NewDecoder(bytes.NewReader(content)).Decode(&nodes); err != nil {
		return fmt.Errorf("decode graph: %w", err)
	}

	i.mu.Lock()
	i.graph = hnsw.FromNodes[vector.VF32](vector.SurfaceVF32(kvector.Cosine()), nodes)
	i.mu.Unlock()
	return nil
}

// Size reports how many entries the graph holds, stale ones included.
func (i *Index) Size() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.graph.Size()
}

// ensureKeyTx returns nodeID's integer key, allocating one on first use.
func ensureKeyTx(ctx context.Context, tx *sql.Tx, nodeID string) (uint32, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO embedding_keys (node_id) VALUES (?)`, nodeID); err != nil {
		return 0, err
	}
	var key int64
	if err := tx.QueryRowContext(ctx,
		`SELECT key FROM embedding_keys WHERE node_id = ?`, nodeID).Scan(&key); err != nil {
		return 0, err
	}
	return uint32(key), nil
}

// vecToBlob encodes a vector the way sqlite-vec expects: raw little-endian
// float32s.
func vecToBlob(vec []float32) []byte {
	blob := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

func blobToVec(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

// HashEmbedder is the deterministic default: FNV-1a hashed bag of words,
// L2-normalized. Good enough for tests and offline use; real deployments
// inject their own Embedder.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a hash embedder producing dim-wide vectors.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = store.DefaultVectorDim
	}
	return &HashEmbedder{dim: dim}
}

// Embed implements Embedder. It never fails; empty text yields the zero
// vector.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%uint32(e.dim)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
