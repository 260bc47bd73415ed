package oper

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/datatree"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/subscription"
	"github.com/cuemby/burrow/pkg/types"
)

// Composer assembles operational reads from three layers in order of
// increasing precedence: schema defaults, pull-provider contributions,
// and the persisted push-edit overlay.
type Composer struct {
	reg    *registry.Registry
	subs   *subscription.Registry
	logger zerolog.Logger
}

// NewComposer wires an operational composer.
func NewComposer(reg *registry.Registry, subs *subscription.Registry) *Composer {
	return &Composer{
		reg:    reg,
		subs:   subs,
		logger: log.WithComponent("oper"),
	}
}

// Read assembles the module's operational view for a read under path.
// Pull providers whose subtree intersects the path are consulted, each
// bounded by its subscription timeout; a missing or late provider
// yields an empty subtree, never an error.
func (c *Composer) Read(module, path string) (*datatree.Tree, error) {
	ctx := c.reg.Context()
	mod := ctx.Module(module)
	if mod == nil {
		return nil, types.Errorf(types.CodeNotFound, "unknown module %q", module)
	}

	// Layer 1: schema defaults.
	tree := datatree.New(module)
	tree.ApplyDefaults(mod)
	tree.Visit(func(n *datatree.Node) bool {
		// Default leaves report the default origin; containers
		// materialised on the way stay unspecified and resolve later.
		if n.Default && n.Value != nil {
			n.Origin = types.OriginDefault
		}
		return true
	})

	// Layer 2: pull providers.
	for _, sub := range c.subs.OperSubsUnder(path) {
		fields := c.pull(sub)
		for _, f := range fields {
			if err := c.setField(ctx, tree, f.Path, f.Value, types.OriginDynamic); err != nil {
				c.logger.Warn().Err(err).Str("path", f.Path).Str("provider", sub.Path).
					Msg("provider returned an unusable field")
			}
		}
	}

	// Layer 3: push-edit overlay, positional matching for keyless and
	// duplicate-key entries via the [N] predicates their paths carry.
	overlay, err := c.loadOverlay(module)
	if err != nil {
		return nil, err
	}
	c.mergeOverlay(ctx, tree, overlay)

	resolveOrigins(tree)
	return tree, nil
}

// pull invokes one provider bounded by its timeout. The provider
// goroutine cannot be cancelled; a late answer is dropped.
func (c *Composer) pull(sub *subscription.OperSub) []types.Field {
	if sub.Callback == nil {
		return nil
	}
	ch := make(chan []types.Field, 1)
	go func() {
		fields, err := sub.Callback(sub.Path)
		if err != nil {
			c.logger.Warn().Err(err).Str("provider", sub.Path).Msg("pull provider failed")
			ch <- nil
			return
		}
		ch <- fields
	}()
	select {
	case fields := <-ch:
		return fields
	case <-time.After(sub.Timeout):
		c.logger.Warn().Str("provider", sub.Path).Msg("pull provider timed out")
		return nil
	}
}

func (c *Composer) setField(ctx *schema.Context, tree *datatree.Tree, path string, value *types.Value, origin types.Origin) error {
	p, err := datatree.ParsePath(ctx, path)
	if err != nil {
		return err
	}
	if value == nil {
		if err := tree.Set(p, nil, 0); err != nil {
			return err
		}
	} else if err := tree.Set(p, value, 0); err != nil {
		return err
	}
	if origin != "" {
		if n := tree.Get(p); n != nil && n.Origin == "" {
			n.Origin = origin
		}
	}
	return nil
}

// mergeOverlay grafts the stored push edits over the assembled tree;
// overlay values win over provider values.
func (c *Composer) mergeOverlay(ctx *schema.Context, dst *datatree.Tree, overlay *datatree.Tree) {
	overlay.Visit(func(n *datatree.Node) bool {
		origin := n.Origin
		if n.Value != nil {
			if origin == "" {
				origin = types.OriginIntended
			}
			if err := c.setField(ctx, dst, n.Path(), n.Value, origin); err != nil {
				c.logger.Warn().Err(err).Str("path", n.Path()).Msg("overlay entry no longer applies")
			}
			if g := pathNode(ctx, dst, n.Path()); g != nil {
				g.Origin = origin
				g.Default = false
			}
			return true
		}
		// Presence-style entries materialise their node even without a
		// value.
		if err := c.setField(ctx, dst, n.Path(), nil, origin); err != nil {
			c.logger.Warn().Err(err).Str("path", n.Path()).Msg("overlay entry no longer applies")
			return false
		}
		return true
	})
}

func pathNode(ctx *schema.Context, tree *datatree.Tree, path string) *datatree.Node {
	p, err := datatree.ParsePath(ctx, path)
	if err != nil {
		return nil
	}
	return tree.Get(p)
}

// resolveOrigins applies the defaulting rules: unspecified top-level
// nodes report unknown, descendants inherit their parent.
func resolveOrigins(tree *datatree.Tree) {
	var rec func(n *datatree.Node, inherited types.Origin)
	rec = func(n *datatree.Node, inherited types.Origin) {
		if n.Origin == "" {
			n.Origin = inherited
		}
		for _, ch := range n.Children {
			rec(ch, n.Origin)
		}
	}
	for _, top := range tree.Root().Children {
		if top.Origin == "" {
			top.Origin = types.OriginUnknown
		}
		for _, ch := range top.Children {
			rec(ch, top.Origin)
		}
	}
}

// loadOverlay reads the module's persisted push-edit tree.
func (c *Composer) loadOverlay(module string) (*datatree.Tree, error) {
	plugin, err := c.reg.Plugin(module, types.DSOperational)
	if err != nil {
		return nil, err
	}
	data, err := plugin.Load(module, types.DSOperational, nil)
	if err != nil {
		return nil, types.WrapError(types.CodeSys, err, "cannot load push-edit overlay")
	}
	tree, err := datatree.Unmarshal(c.reg.Context(), module, data)
	if err != nil {
		return nil, types.WrapError(types.CodeLy, err, "stored overlay does not match the schema")
	}
	return tree, nil
}

func (c *Composer) storeOverlay(module string, tree *datatree.Tree) error {
	plugin, err := c.reg.Plugin(module, types.DSOperational)
	if err != nil {
		return err
	}
	data, err := tree.Marshal()
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "cannot serialise overlay")
	}
	return plugin.Store(module, types.DSOperational, data)
}

// SetPushItem writes one push edit into the overlay with the given
// origin (intended when empty).
func (c *Composer) SetPushItem(module, path string, value *types.Value, origin types.Origin) error {
	if origin == "" {
		origin = types.OriginIntended
	}
	if !origin.Valid() {
		return types.Errorf(types.CodeInvalArg, "unknown origin %q", origin)
	}
	ctx := c.reg.Context()
	overlay, err := c.loadOverlay(module)
	if err != nil {
		return err
	}
	p, err := datatree.ParsePath(ctx, path)
	if err != nil {
		return err
	}
	if err := overlay.Set(p, value, 0); err != nil {
		return err
	}
	if n := overlay.Get(p); n != nil {
		n.Origin = origin
	}
	return c.storeOverlay(module, overlay)
}

// DeletePushItem removes one push edit from the overlay.
func (c *Composer) DeletePushItem(module, path string) error {
	ctx := c.reg.Context()
	overlay, err := c.loadOverlay(module)
	if err != nil {
		return err
	}
	p, err := datatree.ParsePath(ctx, path)
	if err != nil {
		return err
	}
	if err := overlay.Delete(p, 0); err != nil {
		return err
	}
	return c.storeOverlay(module, overlay)
}

// DiscardItems removes every overlay entry matching the xpath —
// index paths address keyless and duplicate-key entries positionally —
// without touching stored configuration.
func (c *Composer) DiscardItems(module, xpath string) error {
	overlay, err := c.loadOverlay(module)
	if err != nil {
		return err
	}
	var doomed []*datatree.Node
	overlay.Visit(func(n *datatree.Node) bool {
		if subscription.PathMatches(xpath, n.Path()) {
			doomed = append(doomed, n)
			return false
		}
		return true
	})
	for _, n := range doomed {
		overlay.DeleteNode(n)
	}
	return c.storeOverlay(module, overlay)
}
