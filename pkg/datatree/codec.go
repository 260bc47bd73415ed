package datatree

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/types"
)

// jsonNode is the wire form of one data node. Module is emitted only
// when it differs from the parent's, matching the canonical path form.
type jsonNode struct {
	Name     string       `json:"name"`
	Module   string       `json:"module,omitempty"`
	Value    *types.Value `json:"value,omitempty"`
	Default  bool         `json:"default,omitempty"`
	Origin   types.Origin `json:"origin,omitempty"`
	Children []*jsonNode  `json:"children,omitempty"`
}

type jsonTree struct {
	Module string      `json:"module"`
	Data   []*jsonNode `json:"data,omitempty"`
}

// Marshal serialises the tree for storage.
func (t *Tree) Marshal() ([]byte, error) {
	doc := jsonTree{Module: t.Module}
	for _, c := range t.root.Children {
		doc.Data = append(doc.Data, encodeNode(c, t.Module))
	}
	return json.Marshal(doc)
}

func encodeNode(n *Node, parentModule string) *jsonNode {
	j := &jsonNode{
		Name:    n.Schema.Name,
		Value:   n.Value,
		Default: n.Default,
		Origin:  n.Origin,
	}
	if n.Schema.Module != parentModule {
		j.Module = n.Schema.Module
	}
	for _, c := range n.Children {
		j.Children = append(j.Children, encodeNode(c, n.Schema.Module))
	}
	return j
}

// Unmarshal rebuilds a tree from stored bytes, resolving every node
// against the current schema context. Nodes that no longer resolve
// (schema evolved underneath the stored data) produce an error.
func Unmarshal(ctx *schema.Context, module string, data []byte) (*Tree, error) {
	t := New(module)
	if len(data) == 0 {
		return t, nil
	}
	var doc jsonTree
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("corrupt tree document: %w", err)
	}
	if doc.Module != "" && doc.Module != module {
		return nil, fmt.Errorf("tree document is for module %q, not %q", doc.Module, module)
	}
	mod := ctx.Module(module)
	if mod == nil {
		return nil, fmt.Errorf("unknown module %q", module)
	}
	for _, j := range doc.Data {
		n, err := decodeNode(ctx, j, nil, module)
		if err != nil {
			return nil, err
		}
		n.Parent = t.root
		t.root.Children = append(t.root.Children, n)
	}
	return t, nil
}

func decodeNode(ctx *schema.Context, j *jsonNode, parent *schema.Node, parentModule string) (*Node, error) {
	module := parentModule
	if j.Module != "" {
		module = j.Module
	}
	var snode *schema.Node
	var err error
	if parent == nil {
		snode, err = ctx.FindNode("/" + module + ":" + j.Name)
		if err != nil {
			return nil, fmt.Errorf("stored node %q no longer in schema: %w", j.Name, err)
		}
	} else {
		snode = parent.Child(module, j.Name)
		if snode == nil {
			return nil, fmt.Errorf("stored node %q no longer a child of %s", j.Name, parent.Path())
		}
	}
	n := &Node{
		Schema:  snode,
		Value:   j.Value,
		Default: j.Default,
		Origin:  j.Origin,
	}
	for _, jc := range j.Children {
		c, err := decodeNode(ctx, jc, snode, snode.Module)
		if err != nil {
			return nil, err
		}
		c.Parent = n
		n.Children = append(n.Children, c)
	}
	if snode.Kind == schema.KindList && len(snode.Keys) > 0 {
		n.Keys = make(map[string]string, len(snode.Keys))
		for _, k := range snode.Keys {
			keySchema := snode.Child("", k)
			for _, c := range n.Children {
				if c.Schema == keySchema && c.Value != nil {
					n.Keys[k] = c.Value.Canonical()
				}
			}
		}
	}
	return n, nil
}
