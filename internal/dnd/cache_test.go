package dnd

import (
	"testing"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waybridge/waybridge/internal/x11"
)

// testAtoms returns a fixed atom set; tests never round-trip through a real
// intern table.
func testAtoms() *Atoms {
	return &Atoms{
		Aware: 101, Proxy: 102, Selection: 103, TypeList: 104, ActionList: 105,
		Enter: 106, Position: 107, Status: 108, Leave: 109, Drop: 110, Finished: 111,
		ActionCopy: 112, ActionMove: 113, ActionLink: 114, ActionAsk: 115, ActionPrivate: 116,
		WMState: 117,
	}
}

func card32Prop(v uint32) x11.Property {
	return x11.Property{
		Type:   xproto.AtomCardinal,
		Format: 32,
		Value:  []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)},
	}
}

func atomsProp(atoms ...xproto.Atom) x11.Property {
	p := x11.Property{Type: xproto.AtomAtom, Format: 32}
	for _, a := range atoms {
		p.Value = append(p.Value,
			byte(a), byte(a>>8), byte(a>>16), byte(a>>24))
	}
	return p
}

// fakeCacheConn serves a static window tree out of maps.
type fakeCacheConn struct {
	tree       map[xproto.Window][]xproto.Window
	geom       map[xproto.Window]x11.Geometry
	unviewable map[xproto.Window]bool
	props      map[xproto.Window]map[xproto.Atom]x11.Property
	shapes     map[xproto.Window][]x11.Rect

	propReads int
}

func newFakeCacheConn() *fakeCacheConn {
	return &fakeCacheConn{
		tree:       make(map[xproto.Window][]xproto.Window),
		geom:       make(map[xproto.Window]x11.Geometry),
		unviewable: make(map[xproto.Window]bool),
		props:      make(map[xproto.Window]map[xproto.Atom]x11.Property),
		shapes:     make(map[xproto.Window][]x11.Rect),
	}
}

func (c *fakeCacheConn) addWindow(parent, win xproto.Window, g x11.Geometry) {
	c.tree[parent] = append(c.tree[parent], win)
	c.geom[win] = g
}

func (c *fakeCacheConn) setProp(win xproto.Window, atom xproto.Atom, p x11.Property) {
	if c.props[win] == nil {
		c.props[win] = make(map[xproto.Atom]x11.Property)
	}
	c.props[win][atom] = p
}

func (c *fakeCacheConn) delProp(win xproto.Window, atom xproto.Atom) {
	delete(c.props[win], atom)
}

func (c *fakeCacheConn) Root() xproto.Window { return 1 }

func (c *fakeCacheConn) QueryTree(win xproto.Window) (xproto.Window, []xproto.Window, error) {
	return 0, c.tree[win], nil
}

func (c *fakeCacheConn) Geometry(win xproto.Window) (x11.Geometry, error) {
	g, ok := c.geom[win]
	if !ok {
		return x11.Geometry{}, x11.ErrGone
	}
	return g, nil
}

func (c *fakeCacheConn) Viewable(win xproto.Window) (bool, error) {
	return !c.unviewable[win], nil
}

func (c *fakeCacheConn) ShapeRects(win xproto.Window) ([]x11.Rect, error) {
	return c.shapes[win], nil
}

func (c *fakeCacheConn) SelectStructureEvents(win xproto.Window) error { return nil }
func (c *fakeCacheConn) SelectShapeEvents(win xproto.Window) error     { return nil }

func (c *fakeCacheConn) Property(win xproto.Window, prop, typ xproto.Atom) (x11.Property, error) {
	c.propReads++
	return c.props[win][prop], nil
}

// twoToplevelConn builds the classic reparenting-WM picture: two frames
// under the root, each wrapping a client window carrying WM_STATE, with the
// second frame stacked on top and overlapping the first.
func twoToplevelConn() *fakeCacheConn {
	conn := newFakeCacheConn()
	atoms := testAtoms()
	conn.addWindow(1, 10, x11.Geometry{X: 0, Y: 0, Width: 100, Height: 100})
	conn.addWindow(10, 11, x11.Geometry{X: 5, Y: 5, Width: 90, Height: 90})
	conn.addWindow(1, 20, x11.Geometry{X: 50, Y: 0, Width: 100, Height: 100})
	conn.addWindow(20, 21, x11.Geometry{X: 5, Y: 5, Width: 90, Height: 90})
	conn.setProp(11, atoms.WMState, card32Prop(1))
	conn.setProp(21, atoms.WMState, card32Prop(1))
	return conn
}

func TestToplevelAtPicksTopmost(t *testing.T) {
	conn := twoToplevelConn()
	cache, err := NewWindowCache(conn, testAtoms())
	require.NoError(t, err)

	// The overlap region belongs to the frame stacked higher.
	assert.Equal(t, xproto.Window(21), cache.ToplevelAt(60, 50))
	// Outside the overlap the lower frame wins.
	assert.Equal(t, xproto.Window(11), cache.ToplevelAt(10, 50))
	// Off every toplevel.
	assert.Equal(t, xproto.Window(0), cache.ToplevelAt(500, 500))
}

func TestToplevelAtAscendsToManagedAncestor(t *testing.T) {
	conn := twoToplevelConn()
	atoms := testAtoms()
	// A decoration grandchild inside the client window.
	conn.addWindow(11, 12, x11.Geometry{X: 0, Y: 0, Width: 20, Height: 20})
	cache, err := NewWindowCache(conn, atoms)
	require.NoError(t, err)

	// The hit lands on the decoration, but the answer is the WM_STATE
	// ancestor.
	assert.Equal(t, xproto.Window(11), cache.ToplevelAt(10, 10))
}

func TestToplevelAtIgnoresUnmanagedWindows(t *testing.T) {
	conn := newFakeCacheConn()
	conn.addWindow(1, 30, x11.Geometry{X: 0, Y: 0, Width: 50, Height: 50})
	cache, err := NewWindowCache(conn, testAtoms())
	require.NoError(t, err)

	assert.Equal(t, xproto.Window(0), cache.ToplevelAt(10, 10))
}

func TestRestackFollowsConfigureNotify(t *testing.T) {
	conn := twoToplevelConn()
	cache, err := NewWindowCache(conn, testAtoms())
	require.NoError(t, err)
	require.Equal(t, []xproto.Window{10, 20}, cache.Children(1))

	t.Run("above sibling", func(t *testing.T) {
		cache.Handle(x11.WindowConfigured{
			Window: 10, AboveSibling: 20,
			X: 0, Y: 0, Width: 100, Height: 100,
		})
		assert.Equal(t, []xproto.Window{20, 10}, cache.Children(1))
		assert.Equal(t, xproto.Window(11), cache.ToplevelAt(60, 50))
	})

	t.Run("none means bottom", func(t *testing.T) {
		cache.Handle(x11.WindowConfigured{
			Window: 10, AboveSibling: 0,
			X: 0, Y: 0, Width: 100, Height: 100,
		})
		assert.Equal(t, []xproto.Window{10, 20}, cache.Children(1))
		assert.Equal(t, xproto.Window(21), cache.ToplevelAt(60, 50))
	})

	t.Run("circulate to top", func(t *testing.T) {
		cache.Handle(x11.WindowCirculated{Window: 10, OnTop: true})
		assert.Equal(t, []xproto.Window{20, 10}, cache.Children(1))
	})

	t.Run("circulate to bottom", func(t *testing.T) {
		cache.Handle(x11.WindowCirculated{Window: 10, OnTop: false})
		assert.Equal(t, []xproto.Window{10, 20}, cache.Children(1))
	})
}

func TestUnmappedWindowsSkipped(t *testing.T) {
	conn := twoToplevelConn()
	cache, err := NewWindowCache(conn, testAtoms())
	require.NoError(t, err)

	cache.Handle(x11.WindowUnmapped{Window: 20})
	assert.Equal(t, xproto.Window(11), cache.ToplevelAt(60, 50))

	cache.Handle(x11.WindowMapped{Window: 20})
	assert.Equal(t, xproto.Window(21), cache.ToplevelAt(60, 50))
}

func TestCreateAndDestroyMaintainTree(t *testing.T) {
	conn := twoToplevelConn()
	atoms := testAtoms()
	cache, err := NewWindowCache(conn, atoms)
	require.NoError(t, err)

	// A new override-redirect window appears on top of everything.
	conn.setProp(40, atoms.WMState, card32Prop(1))
	cache.Handle(x11.WindowCreated{
		Parent: 1, Window: 40,
		X: 0, Y: 0, Width: 300, Height: 300,
	})
	cache.Handle(x11.WindowMapped{Window: 40})
	assert.Equal(t, xproto.Window(40), cache.ToplevelAt(60, 50))

	cache.Handle(x11.WindowDestroyed{Window: 40})
	assert.Equal(t, xproto.Window(21), cache.ToplevelAt(60, 50))
}

func TestWMStateCacheInvalidatedByPropertyNotify(t *testing.T) {
	conn := twoToplevelConn()
	atoms := testAtoms()
	cache, err := NewWindowCache(conn, atoms)
	require.NoError(t, err)

	require.Equal(t, xproto.Window(21), cache.ToplevelAt(60, 50))
	reads := conn.propReads

	// The cached answer is reused.
	cache.ToplevelAt(60, 50)
	assert.Equal(t, reads, conn.propReads)

	// Withdrawing the window drops WM_STATE; only the notify refetches.
	conn.delProp(21, atoms.WMState)
	assert.Equal(t, xproto.Window(21), cache.ToplevelAt(60, 50))
	cache.Handle(x11.PropertyChanged{Window: 21, Atom: atoms.WMState, Deleted: true})
	assert.Equal(t, xproto.Window(0), cache.ToplevelAt(60, 50))
}

func TestShapedWindowHitTest(t *testing.T) {
	conn := twoToplevelConn()
	// Stack frame 20 exactly over frame 10, accepting input only in its
	// left half.
	conn.geom[20] = x11.Geometry{X: 0, Y: 0, Width: 100, Height: 100}
	conn.shapes[20] = []x11.Rect{{X: 0, Y: 0, Width: 50, Height: 100}}
	cache, err := NewWindowCache(conn, testAtoms())
	require.NoError(t, err)

	// Inside the shape the upper frame wins.
	assert.Equal(t, xproto.Window(21), cache.ToplevelAt(10, 50))
	// Outside the shape but inside the geometry: falls through to frame 10.
	assert.Equal(t, xproto.Window(11), cache.ToplevelAt(60, 50))
}

func TestShapeCacheInvalidatedByShapeNotify(t *testing.T) {
	conn := twoToplevelConn()
	cache, err := NewWindowCache(conn, testAtoms())
	require.NoError(t, err)
	require.Equal(t, xproto.Window(21), cache.ToplevelAt(60, 50))

	// Shrinking the input shape has no effect until the notify arrives.
	conn.shapes[20] = []x11.Rect{{X: 0, Y: 0, Width: 5, Height: 5}}
	assert.Equal(t, xproto.Window(21), cache.ToplevelAt(60, 50))
	cache.Handle(x11.ShapeChanged{Window: 20, Kind: 0, Shaped: true})
	assert.Equal(t, xproto.Window(11), cache.ToplevelAt(60, 50))
}

func TestXdndTargetVersionCap(t *testing.T) {
	conn := twoToplevelConn()
	atoms := testAtoms()
	conn.setProp(21, atoms.Aware, card32Prop(7))
	cache, err := NewWindowCache(conn, atoms)
	require.NoError(t, err)

	dest, version := cache.XdndTarget(21)
	assert.Equal(t, xproto.Window(21), dest)
	assert.Equal(t, uint32(5), version)
}

func TestXdndTargetOldVersionKept(t *testing.T) {
	conn := twoToplevelConn()
	atoms := testAtoms()
	conn.setProp(21, atoms.Aware, card32Prop(3))
	cache, err := NewWindowCache(conn, atoms)
	require.NoError(t, err)

	dest, version := cache.XdndTarget(21)
	assert.Equal(t, xproto.Window(21), dest)
	assert.Equal(t, uint32(3), version)
}

func TestXdndTargetUnaware(t *testing.T) {
	conn := twoToplevelConn()
	cache, err := NewWindowCache(conn, testAtoms())
	require.NoError(t, err)

	dest, version := cache.XdndTarget(21)
	assert.Equal(t, xproto.Window(0), dest)
	assert.Equal(t, uint32(0), version)
}

func TestXdndProxy(t *testing.T) {
	atoms := testAtoms()

	t.Run("valid proxy speaks for the toplevel", func(t *testing.T) {
		conn := twoToplevelConn()
		conn.addWindow(1, 90, x11.Geometry{X: 400, Y: 400, Width: 1, Height: 1})
		conn.setProp(21, atoms.Proxy, card32Prop(90))
		conn.setProp(90, atoms.Proxy, card32Prop(90))
		conn.setProp(90, atoms.Aware, card32Prop(4))
		cache, err := NewWindowCache(conn, atoms)
		require.NoError(t, err)

		dest, version := cache.XdndTarget(21)
		assert.Equal(t, xproto.Window(90), dest)
		assert.Equal(t, uint32(4), version)
	})

	t.Run("stale proxy falls back to the window itself", func(t *testing.T) {
		conn := twoToplevelConn()
		// The named proxy does not point back at itself: a property left
		// behind by a dead client.
		conn.setProp(21, atoms.Proxy, card32Prop(91))
		conn.setProp(21, atoms.Aware, card32Prop(5))
		cache, err := NewWindowCache(conn, atoms)
		require.NoError(t, err)

		dest, version := cache.XdndTarget(21)
		assert.Equal(t, xproto.Window(21), dest)
		assert.Equal(t, uint32(5), version)
	})

	t.Run("valid proxy without aware means no target", func(t *testing.T) {
		conn := twoToplevelConn()
		conn.setProp(21, atoms.Proxy, card32Prop(92))
		conn.setProp(92, atoms.Proxy, card32Prop(92))
		conn.setProp(21, atoms.Aware, card32Prop(5))
		cache, err := NewWindowCache(conn, atoms)
		require.NoError(t, err)

		dest, version := cache.XdndTarget(21)
		assert.Equal(t, xproto.Window(0), dest)
		assert.Equal(t, uint32(0), version)
	})
}
