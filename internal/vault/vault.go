// Package vault is the facade over the data layer: one Vault per database,
// holding the shared component set and an explicit per-namespace Space
// registry. There is no global state; everything a component needs arrives
// through Options.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hack-pad/hackpadfs"

	"github.com/kittclouds/vaultkit/internal/annotations"
	"github.com/kittclouds/vaultkit/internal/apperr"
	"github.com/kittclouds/vaultkit/internal/events"
	"github.com/kittclouds/vaultkit/internal/links"
	"github.com/kittclouds/vaultkit/internal/mentions"
	"github.com/kittclouds/vaultkit/internal/nodes"
	"github.com/kittclouds/vaultkit/internal/semindex"
	"github.com/kittclouds/vaultkit/internal/snapshot"
	"github.com/kittclouds/vaultkit/internal/srs"
	"github.com/kittclouds/vaultkit/internal/store"
	"github.com/kittclouds/vaultkit/internal/tags"
	"github.com/kittclouds/vaultkit/pkg/markers"
)

// Options configures a Vault. DB is required; everything else has a default.
type Options struct {
	DB  *store.DB
	Bus events.Bus
	Log *slog.Logger

	// Embedder enables the semantic index when set.
	Embedder semindex.Embedder

	// MaturityDays is the review interval above which cards graduate.
	MaturityDays int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Vault wires the component set over one database. Components are exported:
// callers needing more than the Space surface reach them directly.
type Vault struct {
	Nodes    *nodes.Store
	Cloze    *annotations.Engine[markers.ClozeMark, *store.ClozeCard]
	Tasks    *annotations.Engine[markers.TaskMark, *store.Task]
	Agents   *annotations.Engine[markers.AgentMark, *store.AgentBlock]
	SRS      *srs.Scheduler
	Tags     *tags.Index
	Links    *links.Index
	Mentions *mentions.Detector
	Sem      *semindex.Index // nil when no Embedder was configured

	db  *store.DB
	log *slog.Logger

	mu     sync.Mutex
	spaces map[string]*Space
}

// New builds a Vault from options.
func New(ctx context.Context, opts Options) (*Vault, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("%w: a database handle is required", apperr.ErrValidation)
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	v := &Vault{
		Nodes:    nodes.New(opts.DB, opts.Bus, log),
		Cloze:    annotations.NewClozeReconciler(opts.DB, log),
		Tasks:    annotations.NewTaskReconciler(opts.DB, log),
		Agents:   annotations.NewAgentReconciler(opts.DB, log),
		SRS:      srs.New(opts.DB, opts.Bus, log, srs.Config{MaturityDays: opts.MaturityDays, Now: opts.Now}),
		Tags:     tags.New(opts.DB, opts.Bus, log),
		Links:    links.New(opts.DB, log),
		Mentions: mentions.New(opts.DB, log),
		db:       opts.DB,
		log:      log,
		spaces:   map[string]*Space{},
	}

	if opts.Embedder != nil {
		sem, err := semindex.New(ctx, opts.DB, opts.Embedder, log)
		if err != nil {
			return nil, fmt.Errorf("build semantic index: %w", err)
		}
		v.Sem = sem
	}
	return v, nil
}

// Close closes the underlying database.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Space returns the handle for a namespace, creating it on first use.
func (v *Vault) Space(namespace string) *Space {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, ok := v.spaces[namespace]
	if !ok {
		s = &Space{v: v, Namespace: namespace}
		v.spaces[namespace] = s
	}
	return s
}

// DropSpace disposes a namespace handle. The namespace's data is untouched;
// the next Space call makes a fresh handle.
func (v *Vault) DropSpace(namespace string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.spaces, namespace)
}

// Space is a namespace-bound view over the Vault.
type Space struct {
	Namespace string

	v *Vault
}

// SaveContent runs the content pipeline for one node: the three annotation
// reconcilers in order (each its own transaction, any failure aborts), then
// the node content write, then the derived updates. Link refresh and
// semantic upsert failures are logged and non-fatal: both are recomputed
// wholesale on the next save, so nothing is lost for good. Returns the node
// with its canonical content.
func (s *Space) SaveContent(ctx context.Context, nodeID, text string) (*store.Node, error) {
	if _, err := s.owned(ctx, nodeID); err != nil {
		return nil, err
	}

	text, _, err := s.v.Cloze.Reconcile(ctx, nodeID, text)
	if err != nil {
		return nil, fmt.Errorf("reconcile cloze: %w", err)
	}
	text, _, err = s.v.Tasks.Reconcile(ctx, nodeID, text)
	if err != nil {
		return nil, fmt.Errorf("reconcile tasks: %w", err)
	}
	text, _, err = s.v.Agents.Reconcile(ctx, nodeID, text)
	if err != nil {
		return nil, fmt.Errorf("reconcile agents: %w", err)
	}

	n, err := s.v.Nodes.Update(ctx, nodeID, nodes.Patch{Content: &text})
	if err != nil {
		return nil, err
	}

	if err := s.v.Links.Refresh(ctx, n); err != nil {
		s.v.log.Warn("link refresh failed", "node", nodeID, "err", err)
	}
	if s.v.Sem != nil {
		if err := s.v.Sem.Upsert(ctx, nodeID, text); err != nil {
			s.v.log.Warn("semantic upsert failed", "node", nodeID, "err", err)
		}
	}
	return n, nil
}

// Create adds a node in this namespace. File nodes with content go through
// the save pipeline so markers are minted immediately.
func (s *Space) Create(ctx context.Context, path, kind string, opts *nodes.CreateOptions) (*store.Node, error) {
	if kind != store.KindFile || opts == nil || opts.Content == "" {
		return s.v.Nodes.Create(ctx, s.Namespace, path, kind, opts)
	}

	content := opts.Content
	trimmed := *opts
	trimmed.Content = ""

	n, err := s.v.Nodes.Create(ctx, s.Namespace, path, kind, &trimmed)
	if err != nil {
		return nil, err
	}
	return s.SaveContent(ctx, n.ID, content)
}

// Get returns a node by id, verifying it lives in this namespace.
func (s *Space) Get(ctx context.Context, nodeID string) (*store.Node, error) {
	return s.owned(ctx, nodeID)
}

// GetByPath returns the node at path.
func (s *Space) GetByPath(ctx context.Context, path string) (*store.Node, error) {
	return s.v.Nodes.GetByPath(ctx, s.Namespace, path)
}

// List returns the namespace's nodes in path order.
func (s *Space) List(ctx context.Context) ([]*store.Node, error) {
	return s.v.Nodes.List(ctx, s.Namespace)
}

// Tree assembles the namespace's hierarchy. A nil filter keeps everything.
func (s *Space) Tree(ctx context.Context, filter func(*store.Node) bool) (*nodes.TreeNode, error) {
	return s.v.Nodes.Tree(ctx, s.Namespace, filter)
}

// Delete removes a node and its subtree, dropping any embeddings with it.
// Deleting a missing node is a no-op, matching the node store.
func (s *Space) Delete(ctx context.Context, nodeID string) ([]string, error) {
	if _, err := s.owned(ctx, nodeID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	removed, err := s.v.Nodes.Delete(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if s.v.Sem != nil {
		for _, id := range removed {
			if err := s.v.Sem.Remove(ctx, id); err != nil {
				s.v.log.Warn("semantic removal failed", "node", id, "err", err)
			}
		}
	}
	return removed, nil
}

// DueCards returns the namespace's due cards.
func (s *Space) DueCards(ctx context.Context, limits srs.Limits) (*srs.Due, error) {
	return s.v.SRS.DueCards(ctx, srs.Scope{Namespace: s.Namespace}, limits)
}

// Statistics returns the namespace's per-tier card counts.
func (s *Space) Statistics(ctx context.Context) (*srs.Statistics, error) {
	return s.v.SRS.Statistics(ctx, srs.Scope{Namespace: s.Namespace})
}

// ScanMentions finds unlinked mentions in a node of this namespace.
func (s *Space) ScanMentions(ctx context.Context, nodeID string) ([]mentions.Mention, error) {
	n, err := s.owned(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return s.v.Mentions.Scan(ctx, n)
}

// Export snapshots the namespace onto fsys.
func (s *Space) Export(ctx context.Context, fsys hackpadfs.FS) error {
	return snapshot.Export(ctx, s.v.db, fsys, s.Namespace)
}

// Import replays a snapshot from fsys into this namespace.
func (s *Space) Import(ctx context.Context, fsys hackpadfs.FS, opts snapshot.ImportOptions) (int, error) {
	return snapshot.Import(ctx, s.v.db, fsys, s.Namespace, opts)
}

// owned loads a node and checks it belongs to this namespace.
func (s *Space) owned(ctx context.Context, nodeID string) (*store.Node, error) {
	n, err := s.v.Nodes.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if n.Namespace != s.Namespace {
		return nil, fmt.Errorf("%w: node %s belongs to namespace %q, not %q",
			apperr.ErrValidation, nodeID, n.Namespace, s.Namespace)
	}
	return n, nil
}
