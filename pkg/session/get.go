package session

import (
	"strings"

	"github.com/cuemby/burrow/pkg/datatree"
	"github.com/cuemby/burrow/pkg/types"
)

// Item is one (path, value) result of a read.
type Item struct {
	Path  string
	Value *types.Value
}

// readTreeLocked returns the tree reads should observe: the working
// copy when the module is touched, the stored baseline otherwise.
func (s *Session) readTreeLocked(module string) (*datatree.Tree, error) {
	if w, ok := s.working[module]; ok {
		return w, nil
	}
	return s.store.LoadTree(module, s.ds)
}

// GetItem returns the single value at path.
func (s *Session) GetItem(path string) (*Item, error) {
	items, err := s.GetItems(path)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, types.Errorf(types.CodeNotFound, "no data at %s", path)
	}
	if len(items) > 1 {
		return nil, types.Errorf(types.CodeInvalArg, "%s matches %d nodes", path, len(items))
	}
	return items[0], nil
}

// GetItems returns every leaf value matching the path. A trailing
// "/*" matches all children of the addressed node; a final list or
// leaf-list step without predicates matches every instance. An earlier
// list step without predicates resolves only when a single instance
// exists.
func (s *Session) GetItems(path string) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes, err := s.resolveLocked(path)
	if err != nil {
		return nil, err
	}
	var items []*Item
	for _, n := range nodes {
		if n.Value == nil {
			continue
		}
		items = append(items, &Item{Path: n.Path(), Value: n.Value})
	}
	return items, nil
}

// GetSubtree returns a detached copy of the subtree rooted at path.
func (s *Session) GetSubtree(path string) (*datatree.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes, err := s.resolveLocked(path)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, types.Errorf(types.CodeNotFound, "no data at %s", path)
	}
	if len(nodes) > 1 {
		return nil, types.Errorf(types.CodeInvalArg, "%s matches %d nodes", path, len(nodes))
	}
	return datatree.Detach(nodes[0]), nil
}

// ChunkOpts bound a subtree chunk.
type ChunkOpts struct {
	Single     bool
	Offset     int
	ChildLimit int
	DepthLimit int
}

// GetSubtreeChunk returns a bounded view of the subtree at xpath. The
// chunk's second level skips Offset children and includes up to
// ChildLimit; deeper levels include up to ChildLimit from index 0;
// total depth is bounded by DepthLimit with the root counting as one
// level. With Single set, an xpath matching several nodes is refused.
func (s *Session) GetSubtreeChunk(xpath string, opts ChunkOpts) (*datatree.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes, err := s.resolveLocked(xpath)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, types.Errorf(types.CodeNotFound, "no data at %s", xpath)
	}
	if len(nodes) > 1 {
		if opts.Single {
			return nil, types.Errorf(types.CodeInvalArg,
				"%s matches %d nodes but a single chunk root was requested", xpath, len(nodes))
		}
		nodes = nodes[:1]
	}
	return datatree.Chunk(nodes[0], opts.Offset, opts.ChildLimit, opts.DepthLimit), nil
}

// resolveLocked resolves a read path, handling the "/*" wildcard tail.
func (s *Session) resolveLocked(path string) ([]*datatree.Node, error) {
	ctx := s.store.Context()
	wildcard := false
	if strings.HasSuffix(path, "/*") {
		wildcard = true
		path = strings.TrimSuffix(path, "/*")
	}
	p, err := datatree.ParsePath(ctx, path)
	if err != nil {
		return nil, err
	}
	tree, err := s.readTreeLocked(p.Module())
	if err != nil {
		return nil, err
	}
	nodes := tree.GetAll(p)
	if !wildcard {
		return nodes, nil
	}
	var out []*datatree.Node
	for _, n := range nodes {
		out = append(out, n.Children...)
	}
	return out, nil
}
