package datatree

import (
	"strconv"
	"strings"

	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/types"
)

// Seg is one resolved step of a data path.
type Seg struct {
	SNode *schema.Node
	// Keys are the canonical key values of a keyed-list step.
	Keys map[string]string
	// Pos is a positional predicate (keyless or duplicate-key lists),
	// -1 when absent.
	Pos int
	// Value is a leaf-list value predicate [.='v'], empty when absent.
	Value string
}

// Path is a parsed, schema-resolved data path.
type Path struct {
	Segs []Seg
}

// Target returns the schema node the path addresses.
func (p *Path) Target() *schema.Node {
	if len(p.Segs) == 0 {
		return nil
	}
	return p.Segs[len(p.Segs)-1].SNode
}

// Module returns the module owning the path's first step.
func (p *Path) Module() string {
	if len(p.Segs) == 0 {
		return ""
	}
	return p.Segs[0].SNode.Module
}

// String renders the path back in canonical form.
func (p *Path) String() string {
	var b strings.Builder
	prevModule := ""
	for _, seg := range p.Segs {
		b.WriteString("/")
		if seg.SNode.Module != prevModule {
			b.WriteString(seg.SNode.Module)
			b.WriteString(":")
		}
		b.WriteString(seg.SNode.Name)
		prevModule = seg.SNode.Module
		if seg.SNode.Kind == schema.KindList {
			for _, k := range seg.SNode.Keys {
				if v, ok := seg.Keys[k]; ok {
					b.WriteString("[" + k + "='" + v + "']")
				}
			}
			if seg.Pos >= 0 {
				b.WriteString("[" + strconv.Itoa(seg.Pos) + "]")
			}
		} else if seg.SNode.Kind == schema.KindLeafList && seg.Value != "" {
			b.WriteString("[.='" + seg.Value + "']")
		}
	}
	return b.String()
}

// ParsePath resolves a canonical data path against the schema context:
// every step must name a schema node, keyed-list predicates are
// canonicalised through the key leaf's type, "[N]" predicates become
// positional indexes.
func ParsePath(ctx *schema.Context, path string) (*Path, error) {
	segs, err := schema.SplitPath(path)
	if err != nil {
		return nil, types.WrapError(types.CodeInvalArg, err, "malformed path")
	}
	if len(segs) == 0 {
		return nil, types.Errorf(types.CodeInvalArg, "empty path")
	}
	if segs[0].Module == "" {
		return nil, types.Errorf(types.CodeInvalArg, "path %q does not qualify its first step with a module", path)
	}

	out := &Path{Segs: make([]Seg, 0, len(segs))}
	var cur *schema.Node
	module := segs[0].Module

	for i, s := range segs {
		name := s.Name
		if s.Module != "" {
			module = s.Module
		}
		var snode *schema.Node
		if cur == nil {
			mod := ctx.Module(module)
			if mod == nil {
				return nil, types.Errorf(types.CodeNotFound, "unknown module %q", module)
			}
			snode, err = ctx.FindNode("/" + module + ":" + name)
			if err != nil {
				return nil, types.WrapError(types.CodeNotFound, err, "cannot resolve path "+path)
			}
		} else {
			snode = cur.Child(module, name)
			if snode == nil {
				return nil, types.Errorf(types.CodeNotFound, "%s has no child %q", cur.Path(), name)
			}
		}

		seg := Seg{SNode: snode, Pos: -1}
		for _, pred := range s.Predicates {
			if err := parsePredicate(&seg, snode, pred); err != nil {
				return nil, err
			}
		}
		if i < len(segs)-1 && (snode.Kind == schema.KindLeaf || snode.Kind == schema.KindLeafList) {
			return nil, types.Errorf(types.CodeInvalArg, "%s is a leaf and cannot have descendants", snode.Path())
		}
		out.Segs = append(out.Segs, seg)
		cur = snode
		module = snode.Module
	}
	return out, nil
}

func parsePredicate(seg *Seg, snode *schema.Node, pred string) error {
	pred = strings.TrimSpace(pred)
	if pred == "" {
		return types.Errorf(types.CodeInvalArg, "empty predicate on %s", snode.Path())
	}
	// Positional predicate.
	if n, err := strconv.Atoi(pred); err == nil {
		if n < 0 {
			return types.Errorf(types.CodeInvalArg, "negative position %d on %s", n, snode.Path())
		}
		seg.Pos = n
		return nil
	}
	eq := strings.Index(pred, "=")
	if eq < 0 {
		return types.Errorf(types.CodeInvalArg, "malformed predicate %q on %s", pred, snode.Path())
	}
	name := strings.TrimSpace(pred[:eq])
	raw := strings.TrimSpace(pred[eq+1:])
	val, ok := unquote(raw)
	if !ok {
		return types.Errorf(types.CodeInvalArg, "predicate value %q is not quoted", raw)
	}
	if name == "." {
		if snode.Kind != schema.KindLeafList {
			return types.Errorf(types.CodeInvalArg, "value predicate on non-leaf-list %s", snode.Path())
		}
		seg.Value = val
		return nil
	}
	if snode.Kind != schema.KindList {
		return types.Errorf(types.CodeInvalArg, "key predicate on non-list %s", snode.Path())
	}
	// Strip any module prefix from the key name.
	if idx := strings.Index(name, ":"); idx >= 0 {
		name = name[idx+1:]
	}
	keyLeaf := snode.Child("", name)
	if keyLeaf == nil || !isKey(snode, name) {
		return types.Errorf(types.CodeInvalArg, "%q is not a key of %s", name, snode.Path())
	}
	parsed, err := keyLeaf.Type.ParseValue(val)
	if err != nil {
		return types.WrapError(types.CodeInvalArg, err, "bad key value for "+name)
	}
	if seg.Keys == nil {
		seg.Keys = make(map[string]string)
	}
	seg.Keys[name] = parsed.Canonical()
	return nil
}

func isKey(list *schema.Node, name string) bool {
	if list == nil {
		return false
	}
	for _, k := range list.Keys {
		if k == name {
			return true
		}
	}
	return false
}

func unquote(s string) (string, bool) {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], true
	}
	return "", false
}
