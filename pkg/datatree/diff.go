package datatree

import (
	"sort"

	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/types"
)

// Diff compares two trees of the same module and produces the ordered
// change list a commit delivers to subscribers: created and deleted
// subtrees parent-first, value modifications, and moves of user-ordered
// entries.
func Diff(old, new *Tree) []types.Change {
	var out []types.Change
	diffNodes(old.Root(), new.Root(), &out)
	return out
}

func diffNodes(oldN, newN *Node, out *[]types.Change) {
	for _, snode := range childSchemas(oldN, newN) {
		olds := instances(oldN, snode)
		news := instances(newN, snode)

		switch snode.Kind {
		case schema.KindLeaf:
			diffLeaf(olds, news, out)
		case schema.KindContainer:
			diffSingle(olds, news, out)
		case schema.KindList:
			if len(snode.Keys) == 0 {
				diffPositional(olds, news, out)
			} else {
				diffKeyed(snode, olds, news, out)
			}
		case schema.KindLeafList:
			diffKeyed(snode, olds, news, out)
		}
	}
}

// childSchemas returns the union of child schema nodes of both sides
// in schema order.
func childSchemas(oldN, newN *Node) []*schema.Node {
	seen := map[*schema.Node]struct{}{}
	var all []*schema.Node
	for _, c := range oldN.Children {
		if _, ok := seen[c.Schema]; !ok {
			seen[c.Schema] = struct{}{}
			all = append(all, c.Schema)
		}
	}
	for _, c := range newN.Children {
		if _, ok := seen[c.Schema]; !ok {
			seen[c.Schema] = struct{}{}
			all = append(all, c.Schema)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Order < all[j].Order })
	return all
}

func diffLeaf(olds, news []*Node, out *[]types.Change) {
	switch {
	case len(olds) == 0 && len(news) == 1:
		*out = append(*out, types.Change{Op: types.OpCreated, Path: news[0].Path(), NewValue: news[0].Value})
	case len(olds) == 1 && len(news) == 0:
		*out = append(*out, types.Change{Op: types.OpDeleted, Path: olds[0].Path(), OldValue: olds[0].Value})
	case len(olds) == 1 && len(news) == 1:
		if !olds[0].Value.Equal(news[0].Value) {
			*out = append(*out, types.Change{
				Op:       types.OpModified,
				Path:     news[0].Path(),
				OldValue: olds[0].Value,
				NewValue: news[0].Value,
			})
		}
	}
}

func diffSingle(olds, news []*Node, out *[]types.Change) {
	switch {
	case len(olds) == 0 && len(news) == 1:
		emitCreated(news[0], out)
	case len(olds) == 1 && len(news) == 0:
		emitDeleted(olds[0], out)
	case len(olds) == 1 && len(news) == 1:
		diffNodes(olds[0], news[0], out)
	}
}

func diffKeyed(snode *schema.Node, olds, news []*Node, out *[]types.Change) {
	oldByKey := make(map[string]*Node, len(olds))
	for _, o := range olds {
		oldByKey[o.instanceKey()] = o
	}
	newKeys := make(map[string]struct{}, len(news))
	for _, n := range news {
		newKeys[n.instanceKey()] = struct{}{}
	}

	for _, o := range olds {
		if _, ok := newKeys[o.instanceKey()]; !ok {
			emitDeleted(o, out)
		}
	}
	for _, n := range news {
		if o, ok := oldByKey[n.instanceKey()]; ok {
			diffNodes(o, n, out)
		} else {
			emitCreated(n, out)
		}
	}

	if snode.UserOrdered {
		diffOrder(oldByKey, news, out)
	}
}

// diffOrder reports entries whose relative order among surviving
// siblings changed. The longest increasing subsequence of old positions
// stays put; everything else moved.
func diffOrder(oldByKey map[string]*Node, news []*Node, out *[]types.Change) {
	var matched []*Node
	var oldPos []int
	for _, n := range news {
		if o, ok := oldByKey[n.instanceKey()]; ok {
			matched = append(matched, n)
			oldPos = append(oldPos, indexOf(o.Parent, o))
		}
	}
	if len(matched) < 2 {
		return
	}
	keep := lisIndexes(oldPos)
	kept := make(map[int]struct{}, len(keep))
	for _, i := range keep {
		kept[i] = struct{}{}
	}
	for i, n := range matched {
		if _, ok := kept[i]; ok {
			continue
		}
		prev := ""
		if i > 0 {
			prev = matched[i-1].Path()
		}
		*out = append(*out, types.Change{Op: types.OpMoved, Path: n.Path(), PrevSibling: prev})
	}
}

// lisIndexes returns the indexes of one longest strictly-increasing
// subsequence of seq.
func lisIndexes(seq []int) []int {
	n := len(seq)
	prev := make([]int, n)
	length, end := 0, -1
	var tails []int
	var tailIdx []int
	for i := 0; i < n; i++ {
		lo := sort.SearchInts(tails, seq[i])
		if lo == len(tails) {
			tails = append(tails, seq[i])
			tailIdx = append(tailIdx, i)
		} else {
			tails[lo] = seq[i]
			tailIdx[lo] = i
		}
		if lo > 0 {
			prev[i] = tailIdx[lo-1]
		} else {
			prev[i] = -1
		}
		if lo+1 > length {
			length = lo + 1
			end = i
		}
	}
	if end < 0 {
		return nil
	}
	var out []int
	for i := end; i >= 0; i = prev[i] {
		out = append(out, i)
		if prev[i] < 0 {
			break
		}
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

func diffPositional(olds, news []*Node, out *[]types.Change) {
	n := len(olds)
	if len(news) < n {
		n = len(news)
	}
	for i := 0; i < n; i++ {
		diffNodes(olds[i], news[i], out)
	}
	for _, o := range olds[n:] {
		emitDeleted(o, out)
	}
	for _, c := range news[n:] {
		emitCreated(c, out)
	}
}

func emitCreated(n *Node, out *[]types.Change) {
	*out = append(*out, types.Change{Op: types.OpCreated, Path: n.Path(), NewValue: n.Value})
	for _, c := range n.Children {
		emitCreated(c, out)
	}
}

func emitDeleted(n *Node, out *[]types.Change) {
	*out = append(*out, types.Change{Op: types.OpDeleted, Path: n.Path(), OldValue: n.Value})
	for _, c := range n.Children {
		emitDeleted(c, out)
	}
}
