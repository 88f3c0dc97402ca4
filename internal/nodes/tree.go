package nodes

import (
	"context"

	"github.com/kittclouds/vaultkit/internal/store"
)

// TreeNode is a node with its resolved children, ordered by path.
type TreeNode struct {
	*store.Node
	Children []*TreeNode `json:"children,omitempty"`
}

// Tree reconstructs the namespace hierarchy from the flat stored form. A
// nil filter keeps everything; otherwise kept nodes are the matches plus
// every ancestor needed to reach them. Nodes whose parent chain is broken
// are reparented under a synthesized virtual root, which also appears when
// the stored root itself is gone. An empty result is (nil, nil).
func (s *Store) Tree(ctx context.Context, namespace string, filter func(*store.Node) bool) (*TreeNode, error) {
	all, err := s.List(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	byID := make(map[string]*store.Node, len(all))
	for _, n := range all {
		byID[n.ID] = n
	}

	keep := make(map[string]*store.Node)
	for _, n := range all {
		if filter != nil && !filter(n) {
			continue
		}
		for cur := n; cur != nil; cur = byID[cur.ParentID] {
			if _, ok := keep[cur.ID]; ok {
				break
			}
			keep[cur.ID] = cur
			if cur.ParentID == "" {
				break
			}
		}
	}
	if len(keep) == 0 {
		return nil, nil
	}

	// Wrap in path order so every children slice comes out sorted.
	wrapped := make(map[string]*TreeNode, len(keep))
	ordered := make([]*TreeNode, 0, len(keep))
	for _, n := range all {
		if kn, ok := keep[n.ID]; ok {
			w := &TreeNode{Node: kn}
			wrapped[n.ID] = w
			ordered = append(ordered, w)
		}
	}

	var root *TreeNode
	var orphans []*TreeNode
	for _, w := range ordered {
		if w.Path == "/" {
			root = w
			continue
		}
		if p, ok := wrapped[w.ParentID]; ok {
			p.Children = append(p.Children, w)
		} else {
			orphans = append(orphans, w)
		}
	}

	if root != nil && len(orphans) == 0 {
		return root, nil
	}

	virtual := &TreeNode{Node: &store.Node{
		ID:        "virtual:" + namespace,
		Namespace: namespace,
		Path:      "/",
		Name:      "/",
		Kind:      store.KindDirectory,
		Meta:      map[string]any{},
	}}
	if root != nil {
		virtual.Children = append(virtual.Children, root)
	}
	virtual.Children = append(virtual.Children, orphans...)
	return virtual, nil
}
