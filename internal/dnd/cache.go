package dnd

import (
	"github.com/BurntSushi/xgb/xproto"

	"github.com/waybridge/waybridge/internal/logger"
	"github.com/waybridge/waybridge/internal/x11"
)

// CacheConn is the slice of the X connection the window cache uses.
type CacheConn interface {
	Root() xproto.Window
	QueryTree(win xproto.Window) (parent xproto.Window, children []xproto.Window, err error)
	Geometry(win xproto.Window) (x11.Geometry, error)
	Viewable(win xproto.Window) (bool, error)
	ShapeRects(win xproto.Window) ([]x11.Rect, error)
	SelectStructureEvents(win xproto.Window) error
	SelectShapeEvents(win xproto.Window) error
	Property(win xproto.Window, prop, typ xproto.Atom) (x11.Property, error)
}

// tristate caches a lazily-fetched boolean property: unknown until first
// asked for, then pinned until a PropertyNotify invalidates it.
type tristate uint8

const (
	unknown tristate = iota
	no
	yes
)

// cacheNode is one window's shadow: geometry relative to its parent,
// stacking position (children are kept bottom-to-top), map state, input
// region, and the lazily-resolved Xdnd metadata.
type cacheNode struct {
	window   xproto.Window
	parent   *cacheNode
	children []*cacheNode

	x, y          int16
	width, height uint16
	mapped        bool

	shapeValid bool
	shapeRects []x11.Rect

	wmState tristate

	aware        tristate
	awareVersion uint32

	proxy       tristate
	proxyWindow xproto.Window
}

// WindowCache shadows the X window tree under the root for the lifetime of
// one outbound drag, so per-motion hit-testing never round-trips to the
// server. Structure events selected on every known window keep it in sync.
type WindowCache struct {
	conn  CacheConn
	atoms *Atoms
	nodes map[xproto.Window]*cacheNode
	root  *cacheNode
}

// NewWindowCache builds the shadow tree by walking the real tree once.
// Windows that vanish mid-walk are skipped; structure events on their
// parents already cover them.
func NewWindowCache(conn CacheConn, atoms *Atoms) (*WindowCache, error) {
	c := &WindowCache{
		conn:  conn,
		atoms: atoms,
		nodes: make(map[xproto.Window]*cacheNode),
	}
	root := &cacheNode{window: conn.Root(), mapped: true}
	c.nodes[root.window] = root
	c.root = root
	if err := conn.SelectStructureEvents(root.window); err != nil {
		return nil, err
	}
	c.adoptChildren(root)
	return c, nil
}

// adoptChildren queries and shadows win's children recursively.
func (c *WindowCache) adoptChildren(parent *cacheNode) {
	_, children, err := c.conn.QueryTree(parent.window)
	if err != nil {
		return
	}
	for _, win := range children {
		c.adopt(parent, win, nil)
	}
}

// adopt shadows one window under parent, on top of the stack unless geo is
// known from a CreateNotify. Returns nil when the window raced away.
func (c *WindowCache) adopt(parent *cacheNode, win xproto.Window, created *x11.WindowCreated) *cacheNode {
	if _, ok := c.nodes[win]; ok {
		return c.nodes[win]
	}
	node := &cacheNode{window: win, parent: parent}
	if created != nil {
		node.x, node.y = created.X, created.Y
		node.width, node.height = created.Width, created.Height
	} else {
		geo, err := c.conn.Geometry(win)
		if err != nil {
			return nil
		}
		node.x, node.y = geo.X, geo.Y
		node.width, node.height = geo.Width, geo.Height
		viewable, err := c.conn.Viewable(win)
		if err != nil {
			return nil
		}
		node.mapped = viewable
	}
	if err := c.conn.SelectStructureEvents(win); err != nil {
		return nil
	}
	if err := c.conn.SelectShapeEvents(win); err != nil && err != x11.ErrGone {
		logger.Debug("shape select failed", "window", win, "err", err)
	}
	c.nodes[win] = node
	parent.children = append(parent.children, node)
	if created == nil {
		c.adoptChildren(node)
	}
	return node
}

func (c *WindowCache) remove(node *cacheNode) {
	for _, child := range append([]*cacheNode(nil), node.children...) {
		c.remove(child)
	}
	if node.parent != nil {
		node.parent.children = removeChild(node.parent.children, node)
	}
	delete(c.nodes, node.window)
}

func removeChild(children []*cacheNode, node *cacheNode) []*cacheNode {
	for i, ch := range children {
		if ch == node {
			return append(children[:i], children[i+1:]...)
		}
	}
	return children
}

// Handle relays one structure event into the shadow tree. Events for
// windows outside the tree are ignored.
func (c *WindowCache) Handle(ev x11.Event) {
	switch e := ev.(type) {
	case x11.WindowCreated:
		if parent, ok := c.nodes[e.Parent]; ok {
			c.adopt(parent, e.Window, &e)
		}
	case x11.WindowDestroyed:
		if node, ok := c.nodes[e.Window]; ok {
			c.remove(node)
		}
	case x11.WindowConfigured:
		node, ok := c.nodes[e.Window]
		if !ok {
			return
		}
		node.x, node.y = e.X, e.Y
		node.width, node.height = e.Width, e.Height
		c.restack(node, e.AboveSibling)
	case x11.WindowReparented:
		node, ok := c.nodes[e.Window]
		if !ok {
			// Reparented into our tree from outside it.
			if parent, pok := c.nodes[e.Parent]; pok {
				c.adopt(parent, e.Window, nil)
			}
			return
		}
		parent, ok := c.nodes[e.Parent]
		if !ok {
			c.remove(node)
			return
		}
		if node.parent != nil {
			node.parent.children = removeChild(node.parent.children, node)
		}
		node.parent = parent
		node.x, node.y = e.X, e.Y
		// A freshly reparented window stacks on top.
		parent.children = append(parent.children, node)
	case x11.WindowCirculated:
		node, ok := c.nodes[e.Window]
		if !ok || node.parent == nil {
			return
		}
		siblings := removeChild(node.parent.children, node)
		if e.OnTop {
			node.parent.children = append(siblings, node)
		} else {
			node.parent.children = append([]*cacheNode{node}, siblings...)
		}
	case x11.WindowMapped:
		if node, ok := c.nodes[e.Window]; ok {
			node.mapped = true
		}
	case x11.WindowUnmapped:
		if node, ok := c.nodes[e.Window]; ok {
			node.mapped = false
		}
	case x11.PropertyChanged:
		node, ok := c.nodes[e.Window]
		if !ok {
			return
		}
		switch e.Atom {
		case c.atoms.WMState:
			node.wmState = unknown
		case c.atoms.Aware:
			node.aware = unknown
		case c.atoms.Proxy:
			node.proxy = unknown
		}
	case x11.ShapeChanged:
		if node, ok := c.nodes[e.Window]; ok {
			node.shapeValid = false
		}
	}
}

// restack moves node just above the named sibling; None means the bottom.
func (c *WindowCache) restack(node *cacheNode, above xproto.Window) {
	parent := node.parent
	if parent == nil {
		return
	}
	siblings := removeChild(parent.children, node)
	if above == 0 {
		parent.children = append([]*cacheNode{node}, siblings...)
		return
	}
	for i, s := range siblings {
		if s.window == above {
			out := make([]*cacheNode, 0, len(siblings)+1)
			out = append(out, siblings[:i+1]...)
			out = append(out, node)
			out = append(out, siblings[i+1:]...)
			parent.children = out
			return
		}
	}
	// Sibling unknown (raced away); put the node on top rather than lose it.
	parent.children = append(siblings, node)
}

// Children returns a parent's shadowed children bottom-to-top; used to
// verify stacking against the real tree.
func (c *WindowCache) Children(win xproto.Window) []xproto.Window {
	node, ok := c.nodes[win]
	if !ok {
		return nil
	}
	out := make([]xproto.Window, len(node.children))
	for i, ch := range node.children {
		out[i] = ch.window
	}
	return out
}

// contains hit-tests a point in the node's own coordinate space against
// its geometry and, if shaped, its input region.
func (c *WindowCache) contains(node *cacheNode, x, y int) bool {
	if x < 0 || y < 0 || x >= int(node.width) || y >= int(node.height) {
		return false
	}
	if !node.shapeValid {
		rects, err := c.conn.ShapeRects(node.window)
		if err != nil {
			return false
		}
		node.shapeRects = rects
		node.shapeValid = true
	}
	if node.shapeRects == nil {
		return true
	}
	return x11.RectsContain(node.shapeRects, x, y)
}

// descend finds the deepest mapped window containing the point, walking
// children top-to-bottom. Coordinates are relative to node.
func (c *WindowCache) descend(node *cacheNode, x, y int) *cacheNode {
	for i := len(node.children) - 1; i >= 0; i-- {
		child := node.children[i]
		if !child.mapped {
			continue
		}
		cx, cy := x-int(child.x), y-int(child.y)
		if c.contains(child, cx, cy) {
			return c.descend(child, cx, cy)
		}
	}
	return node
}

// hasWMState reports whether the window is a managed toplevel, caching the
// answer until a property change invalidates it.
func (c *WindowCache) hasWMState(node *cacheNode) bool {
	if node.wmState == unknown {
		prop, err := c.conn.Property(node.window, c.atoms.WMState, xproto.AtomAny)
		if err != nil || prop.Empty() {
			node.wmState = no
		} else {
			node.wmState = yes
		}
	}
	return node.wmState == yes
}

// ToplevelAt returns the managed toplevel under the root-relative point:
// the deepest window containing it, walked back up to the first ancestor
// carrying WM_STATE. Zero when the point is over no toplevel.
func (c *WindowCache) ToplevelAt(rootX, rootY int) xproto.Window {
	node := c.descend(c.root, rootX, rootY)
	for node != nil && node != c.root {
		if c.hasWMState(node) {
			return node.window
		}
		node = node.parent
	}
	return 0
}

// awareVersion returns the window's advertised XdndAware version, zero when
// unaware, cached until invalidated.
func (c *WindowCache) awareVersionOf(node *cacheNode) uint32 {
	if node.aware == unknown {
		prop, err := c.conn.Property(node.window, c.atoms.Aware, xproto.AtomAtom)
		if v, ok := prop.Card32(); err == nil && ok && v > 0 {
			node.aware = yes
			node.awareVersion = v
		} else {
			node.aware = no
			node.awareVersion = 0
		}
	}
	return node.awareVersion
}

// proxyOf returns the window's validated XdndProxy, or zero. A proxy is
// honored only when its own XdndProxy property points back at itself;
// anything else is a stale property left behind by a dead client.
func (c *WindowCache) proxyOf(node *cacheNode) xproto.Window {
	if node.proxy == unknown {
		node.proxy = no
		node.proxyWindow = 0
		prop, err := c.conn.Property(node.window, c.atoms.Proxy, xproto.AtomWindow)
		if v, ok := prop.Card32(); err == nil && ok && v != 0 {
			candidate := xproto.Window(v)
			back, err := c.conn.Property(candidate, c.atoms.Proxy, xproto.AtomWindow)
			if bv, bok := back.Card32(); err == nil && bok && xproto.Window(bv) == candidate {
				node.proxy = yes
				node.proxyWindow = candidate
			}
		}
	}
	return node.proxyWindow
}

// XdndTarget resolves where Xdnd messages for a toplevel go and at what
// protocol version: the toplevel itself, or its validated proxy, with the
// proxy's own version taking over when one is in play. Version zero means
// the window does not speak Xdnd.
func (c *WindowCache) XdndTarget(toplevel xproto.Window) (dest xproto.Window, version uint32) {
	node, ok := c.nodes[toplevel]
	if !ok {
		return 0, 0
	}
	if proxy := c.proxyOf(node); proxy != 0 {
		prop, err := c.conn.Property(proxy, c.atoms.Aware, xproto.AtomAtom)
		if v, vok := prop.Card32(); err == nil && vok && v > 0 {
			if v > xdndVersion {
				v = xdndVersion
			}
			return proxy, v
		}
		return 0, 0
	}
	v := c.awareVersionOf(node)
	if v == 0 {
		return 0, 0
	}
	if v > xdndVersion {
		v = xdndVersion
	}
	return toplevel, v
}
