package dnd

import (
	"os"
	"testing"
	"time"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waybridge/waybridge/internal/comp"
	"github.com/waybridge/waybridge/internal/seat"
	"github.com/waybridge/waybridge/internal/x11"
)

type sentMessage struct {
	dest xproto.Window
	win  xproto.Window
	typ  xproto.Atom
	data [5]uint32
}

// fakeDndConn implements TargetConn, SourceConn and TransferConn over maps.
type fakeDndConn struct {
	atoms    map[string]xproto.Atom
	names    map[xproto.Atom]string
	nextAtom xproto.Atom

	props map[xproto.Window]map[xproto.Atom]x11.Property

	tree       map[xproto.Window][]xproto.Window
	geom       map[xproto.Window]x11.Geometry
	unviewable map[xproto.Window]bool
	shapes     map[xproto.Window][]x11.Rect

	sent        []sentMessage
	converted   []xproto.Atom
	owned       []xproto.Atom
	propWrites  []xproto.Atom
	deleted     []xproto.Atom
	notified    []xproto.Window
	refused     []xproto.Window
	changeProps map[xproto.Atom][]byte

	// notifyDone, when set, signals each SendSelectionNotify so tests can
	// wait out the asynchronous transfer path.
	notifyDone chan struct{}
}

func newFakeDndConn() *fakeDndConn {
	c := &fakeDndConn{
		atoms:       make(map[string]xproto.Atom),
		names:       make(map[xproto.Atom]string),
		nextAtom:    200,
		props:       make(map[xproto.Window]map[xproto.Atom]x11.Property),
		tree:        make(map[xproto.Window][]xproto.Window),
		geom:        make(map[xproto.Window]x11.Geometry),
		unviewable:  make(map[xproto.Window]bool),
		shapes:      make(map[xproto.Window][]x11.Rect),
		changeProps: make(map[xproto.Atom][]byte),
	}
	// Keep the fixed test atom table resolvable by name.
	for name, atom := range map[string]xproto.Atom{
		"XdndAware": 101, "XdndProxy": 102, "XdndSelection": 103,
		"XdndTypeList": 104, "XdndActionList": 105,
		"XdndEnter": 106, "XdndPosition": 107, "XdndStatus": 108,
		"XdndLeave": 109, "XdndDrop": 110, "XdndFinished": 111,
		"XdndActionCopy": 112, "XdndActionMove": 113, "XdndActionLink": 114,
		"XdndActionAsk": 115, "XdndActionPrivate": 116,
		"WM_STATE": 117,
	} {
		c.atoms[name] = atom
		c.names[atom] = name
	}
	return c
}

func (c *fakeDndConn) Atom(name string) (xproto.Atom, error) {
	if a, ok := c.atoms[name]; ok {
		return a, nil
	}
	c.nextAtom++
	c.atoms[name] = c.nextAtom
	c.names[c.nextAtom] = name
	return c.nextAtom, nil
}

func (c *fakeDndConn) AtomName(atom xproto.Atom) (string, error) {
	if n, ok := c.names[atom]; ok {
		return n, nil
	}
	return "", x11.ErrGone
}

func (c *fakeDndConn) setProp(win xproto.Window, atom xproto.Atom, p x11.Property) {
	if c.props[win] == nil {
		c.props[win] = make(map[xproto.Atom]x11.Property)
	}
	c.props[win][atom] = p
}

func (c *fakeDndConn) Property(win xproto.Window, prop, typ xproto.Atom) (x11.Property, error) {
	return c.props[win][prop], nil
}

func (c *fakeDndConn) SendClientMessage32(dest, win xproto.Window, typ xproto.Atom, data [5]uint32) error {
	c.sent = append(c.sent, sentMessage{dest: dest, win: win, typ: typ, data: data})
	return nil
}

func (c *fakeDndConn) ConvertSelection(requestor xproto.Window, selection, target, property xproto.Atom, t xproto.Timestamp) error {
	c.converted = append(c.converted, target)
	return nil
}

func (c *fakeDndConn) DeleteProperty(win xproto.Window, prop xproto.Atom) error {
	c.deleted = append(c.deleted, prop)
	return nil
}

func (c *fakeDndConn) SetSelectionOwner(win xproto.Window, selection xproto.Atom, t xproto.Timestamp) error {
	c.owned = append(c.owned, selection)
	return nil
}

func (c *fakeDndConn) ChangeProperty32(win xproto.Window, prop, typ xproto.Atom, values []uint32) error {
	c.propWrites = append(c.propWrites, prop)
	return nil
}

func (c *fakeDndConn) ChangeProperty8(win xproto.Window, prop, typ xproto.Atom, data []byte) error {
	c.propWrites = append(c.propWrites, prop)
	c.changeProps[prop] = data
	return nil
}

func (c *fakeDndConn) SendSelectionNotify(req x11.SelectionRequest, property xproto.Atom) error {
	c.notified = append(c.notified, req.Requestor)
	if property == 0 {
		c.refused = append(c.refused, req.Requestor)
	}
	if c.notifyDone != nil {
		c.notifyDone <- struct{}{}
	}
	return nil
}

func (c *fakeDndConn) Root() xproto.Window { return 1 }

func (c *fakeDndConn) QueryTree(win xproto.Window) (xproto.Window, []xproto.Window, error) {
	return 0, c.tree[win], nil
}

func (c *fakeDndConn) Geometry(win xproto.Window) (x11.Geometry, error) {
	g, ok := c.geom[win]
	if !ok {
		return x11.Geometry{}, x11.ErrGone
	}
	return g, nil
}

func (c *fakeDndConn) Viewable(win xproto.Window) (bool, error) {
	return !c.unviewable[win], nil
}

func (c *fakeDndConn) ShapeRects(win xproto.Window) ([]x11.Rect, error) {
	return c.shapes[win], nil
}

func (c *fakeDndConn) SelectStructureEvents(win xproto.Window) error { return nil }
func (c *fakeDndConn) SelectShapeEvents(win xproto.Window) error     { return nil }

func (c *fakeDndConn) addWindow(parent, win xproto.Window, g x11.Geometry) {
	c.tree[parent] = append(c.tree[parent], win)
	c.geom[win] = g
}

// messagesOfType filters the sent messages by type atom.
func (c *fakeDndConn) messagesOfType(typ xproto.Atom) []sentMessage {
	var out []sentMessage
	for _, m := range c.sent {
		if m.typ == typ {
			out = append(out, m)
		}
	}
	return out
}

// fakeLoop runs posts inline and collects timers for manual firing.
type fakeLoop struct {
	timers []*fakeTimer
}

type fakeTimer struct {
	d         time.Duration
	fn        func()
	cancelled bool
}

func (l *fakeLoop) Post(fn func()) { fn() }

func (l *fakeLoop) After(d time.Duration, fn func()) func() {
	t := &fakeTimer{d: d, fn: fn}
	l.timers = append(l.timers, t)
	return func() { t.cancelled = true }
}

// fire runs every live timer once.
func (l *fakeLoop) fire() {
	timers := l.timers
	l.timers = nil
	for _, t := range timers {
		if !t.cancelled {
			t.fn()
		}
	}
}

func (l *fakeLoop) liveTimers() int {
	n := 0
	for _, t := range l.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}

type fakeSeats struct{ st *seat.Seat }

func (s fakeSeats) First() *seat.Seat { return s.st }

// dndSurface implements comp.Surface for drag tests.
type dndSurface struct {
	client     comp.ClientID
	window     xproto.Window
	ox, oy     float64
	unmapHooks []*func()
}

func (s *dndSurface) Client() comp.ClientID  { return s.client }
func (s *dndSurface) XWindow() xproto.Window { return s.window }

func (s *dndSurface) FromRoot(rootX, rootY float64) (float64, float64) {
	return rootX - s.ox, rootY - s.oy
}

func (s *dndSurface) ToRoot(x, y float64) (float64, float64) {
	return x + s.ox, y + s.oy
}

func (s *dndSurface) HitView(x, y float64) comp.Surface { return nil }
func (s *dndSurface) ResizeDimensions() (int32, int32)  { return 0, 0 }
func (s *dndSurface) Reconfigure(width, height int32)   {}

func (s *dndSurface) OnUnmap(fn func()) func() {
	p := &fn
	s.unmapHooks = append(s.unmapHooks, p)
	return func() { *p = nil }
}

func (s *dndSurface) OnFree(fn func()) func() { return func() {} }

func (s *dndSurface) unmap() {
	hooks := s.unmapHooks
	s.unmapHooks = nil
	for _, p := range hooks {
		if fn := *p; fn != nil {
			fn()
		}
	}
}

// fakeSink records wl_data_device events and keeps the offers it saw.
type fakeSink struct {
	events []string
	offers []comp.Offer
}

func (s *fakeSink) Enter(serial uint32, surface comp.Surface, x, y float64, offer comp.Offer) {
	s.events = append(s.events, "enter")
	s.offers = append(s.offers, offer)
}

func (s *fakeSink) Motion(time uint32, x, y float64) { s.events = append(s.events, "motion") }
func (s *fakeSink) Leave()                           { s.events = append(s.events, "leave") }
func (s *fakeSink) Drop()                            { s.events = append(s.events, "drop") }

func (s *fakeSink) lastOffer() comp.Offer {
	if len(s.offers) == 0 {
		return nil
	}
	return s.offers[len(s.offers)-1]
}

type targetFixture struct {
	conn    *fakeDndConn
	loop    *fakeLoop
	atoms   *Atoms
	sink    *fakeSink
	surface *dndSurface
	devices *comp.DataDeviceMap
	target  *Target

	textAtom xproto.Atom
	uriAtom  xproto.Atom
}

const (
	utilityWindow  = xproto.Window(99)
	sourceWindow   = xproto.Window(500)
	toplevelWindow = xproto.Window(100)
)

func newTargetFixture(t *testing.T) *targetFixture {
	t.Helper()
	conn := newFakeDndConn()
	atoms := testAtoms()
	loop := &fakeLoop{}

	surface := &dndSurface{client: 1, window: toplevelWindow}
	surfaces := comp.NewSurfaceMap()
	surfaces.Add(surface)

	st := seat.New(seatConn{}, &comp.Serials{}, comp.NewSurfaceMap(), seat.Options{}, "seat0", 2, 3)
	sink := &fakeSink{}
	devices := comp.NewDataDeviceMap()
	devices.Add("seat0", 1, sink)

	transfers := NewTransfers(conn, utilityWindow)
	target := NewTarget(conn, atoms, loop, fakeSeats{st: st}, surfaces, devices,
		&comp.Serials{}, utilityWindow, transfers, 0)

	text, _ := conn.Atom("text/plain;charset=utf-8")
	uri, _ := conn.Atom("text/uri-list")
	return &targetFixture{
		conn: conn, loop: loop, atoms: atoms,
		sink: sink, surface: surface, devices: devices, target: target,
		textAtom: text, uriAtom: uri,
	}
}

func (f *targetFixture) enter(version uint32, typeList bool, types ...xproto.Atom) {
	word1 := version << 24
	if typeList {
		word1 |= 1
	}
	data := [5]uint32{uint32(sourceWindow), word1}
	for i, a := range types {
		if i >= 3 {
			break
		}
		data[2+i] = uint32(a)
	}
	f.target.HandleClientMessage(x11.ClientMessage{
		Window: toplevelWindow, Type: f.atoms.Enter, Data: data,
	})
}

func (f *targetFixture) position(x, y int, action xproto.Atom) {
	f.target.HandleClientMessage(x11.ClientMessage{
		Window: toplevelWindow, Type: f.atoms.Position,
		Data: [5]uint32{uint32(sourceWindow), 0, packCoords(x, y), 42, uint32(action)},
	})
}

func (f *targetFixture) drop() {
	f.target.HandleClientMessage(x11.ClientMessage{
		Window: toplevelWindow, Type: f.atoms.Drop,
		Data: [5]uint32{uint32(sourceWindow), 0, 43},
	})
}

func (f *targetFixture) leave() {
	f.target.HandleClientMessage(x11.ClientMessage{
		Window: toplevelWindow, Type: f.atoms.Leave,
		Data: [5]uint32{uint32(sourceWindow)},
	})
}

func (f *targetFixture) lastStatus(t *testing.T) sentMessage {
	t.Helper()
	msgs := f.conn.messagesOfType(f.atoms.Status)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func TestTargetNegotiation(t *testing.T) {
	f := newTargetFixture(t)
	f.enter(5, false, f.textAtom, f.uriAtom)
	require.True(t, f.target.Active())

	f.position(10, 20, f.atoms.ActionMove)
	assert.Equal(t, []string{"enter"}, f.sink.events)

	offer := f.sink.lastOffer()
	require.NotNil(t, offer)
	assert.Equal(t, []string{"text/plain;charset=utf-8", "text/uri-list"}, offer.MimeTypes())
	actions, ok := offer.SourceActions()
	assert.True(t, ok)
	assert.Equal(t, comp.ActionMove, actions)

	// Nothing accepted yet: status says not accepted but asks for all
	// positions.
	status := f.lastStatus(t)
	assert.Equal(t, sourceWindow, status.dest)
	assert.Equal(t, uint32(toplevelWindow), status.data[0])
	assert.Equal(t, uint32(2), status.data[1])
	assert.Equal(t, uint32(0), status.data[4])

	mime := "text/uri-list"
	offer.Accept(1, &mime)
	require.NoError(t, offer.SetActions(comp.ActionCopy|comp.ActionMove, comp.ActionMove))

	f.position(11, 20, f.atoms.ActionMove)
	assert.Equal(t, []string{"enter", "motion"}, f.sink.events)
	status = f.lastStatus(t)
	assert.Equal(t, uint32(3), status.data[1])
	assert.Equal(t, uint32(f.atoms.ActionMove), status.data[4])
}

func TestTargetActionMaskValidation(t *testing.T) {
	f := newTargetFixture(t)
	f.enter(5, false, f.textAtom)
	f.position(10, 20, f.atoms.ActionCopy)
	offer := f.sink.lastOffer()
	require.NotNil(t, offer)

	assert.Error(t, offer.SetActions(1<<5, comp.ActionCopy))
	assert.Error(t, offer.SetActions(comp.ActionCopy, comp.ActionMove))
	assert.NoError(t, offer.SetActions(comp.ActionCopy|comp.ActionAsk, comp.ActionNone))
}

func TestTargetLazyActionListFetch(t *testing.T) {
	f := newTargetFixture(t)
	f.conn.setProp(sourceWindow, f.atoms.ActionList,
		atomsProp(f.atoms.ActionCopy, f.atoms.ActionMove))

	f.enter(5, false, f.textAtom)
	f.position(10, 20, f.atoms.ActionAsk)

	offer := f.sink.lastOffer()
	require.NotNil(t, offer)
	actions, _ := offer.SourceActions()
	assert.Equal(t, comp.ActionCopy|comp.ActionMove|comp.ActionAsk, actions)
}

func TestTargetTypeList(t *testing.T) {
	f := newTargetFixture(t)
	extra, _ := f.conn.Atom("image/png")
	f.conn.setProp(sourceWindow, f.atoms.TypeList,
		atomsProp(f.textAtom, f.uriAtom, extra, extra))

	// The inline type words are ignored when the type-list bit is set.
	f.enter(5, true, f.uriAtom)
	f.position(10, 20, f.atoms.ActionCopy)

	offer := f.sink.lastOffer()
	require.NotNil(t, offer)
	assert.Equal(t, []string{
		"text/plain;charset=utf-8", "text/uri-list", "image/png", "image/png",
	}, offer.MimeTypes())
}

func TestTargetLegacyVersionAlwaysAccepted(t *testing.T) {
	f := newTargetFixture(t)
	f.enter(2, false, f.textAtom)
	f.position(10, 20, 0)

	status := f.lastStatus(t)
	assert.Equal(t, uint32(3), status.data[1])
	assert.Equal(t, uint32(f.atoms.ActionPrivate), status.data[4])

	// No finish round trip exists below version 3; the answer is immediate.
	f.drop()
	assert.Equal(t, []string{"enter", "drop"}, f.sink.events)
	finished := f.conn.messagesOfType(f.atoms.Finished)
	require.Len(t, finished, 1)
	assert.Equal(t, uint32(0), finished[0].data[1])
	assert.False(t, f.target.Active())
	assert.Equal(t, 0, f.loop.liveTimers())
}

func TestTargetDropAndFinish(t *testing.T) {
	f := newTargetFixture(t)
	f.enter(5, false, f.textAtom)
	f.position(10, 20, f.atoms.ActionCopy)
	offer := f.sink.lastOffer()
	require.NotNil(t, offer)

	mime := "text/plain;charset=utf-8"
	offer.Accept(1, &mime)
	f.position(11, 20, f.atoms.ActionCopy)

	// Finish before a drop is a client protocol violation.
	assert.ErrorIs(t, offer.Finish(), ErrStaleOffer)

	f.drop()
	assert.Contains(t, f.sink.events, "drop")
	assert.Empty(t, f.conn.messagesOfType(f.atoms.Finished))
	require.Equal(t, 1, f.loop.liveTimers())

	require.NoError(t, offer.Finish())
	finished := f.conn.messagesOfType(f.atoms.Finished)
	require.Len(t, finished, 1)
	assert.Equal(t, uint32(1), finished[0].data[1])
	assert.Equal(t, uint32(f.atoms.ActionCopy), finished[0].data[2])
	assert.False(t, f.target.Active())

	// The timeout was cancelled; firing it must not produce a second
	// finished message.
	f.loop.fire()
	assert.Len(t, f.conn.messagesOfType(f.atoms.Finished), 1)
	assert.ErrorIs(t, offer.Finish(), ErrStaleOffer)
}

func TestTargetFinishTimeout(t *testing.T) {
	f := newTargetFixture(t)
	f.enter(5, false, f.textAtom)
	f.position(10, 20, f.atoms.ActionCopy)
	offer := f.sink.lastOffer()
	require.NotNil(t, offer)
	mime := "text/plain;charset=utf-8"
	offer.Accept(1, &mime)
	f.position(11, 20, f.atoms.ActionCopy)

	f.drop()
	require.Equal(t, 1, f.loop.liveTimers())
	assert.Equal(t, defaultFinishTimeout, f.loop.timers[0].d)

	f.loop.fire()
	finished := f.conn.messagesOfType(f.atoms.Finished)
	require.Len(t, finished, 1)
	assert.Equal(t, uint32(0), finished[0].data[1])
	assert.False(t, f.target.Active())
}

func TestTargetUnacceptedDropRefused(t *testing.T) {
	f := newTargetFixture(t)
	f.enter(5, false, f.textAtom)
	f.position(10, 20, f.atoms.ActionCopy)

	f.drop()
	assert.NotContains(t, f.sink.events, "drop")
	assert.Contains(t, f.sink.events, "leave")
	finished := f.conn.messagesOfType(f.atoms.Finished)
	require.Len(t, finished, 1)
	assert.Equal(t, uint32(0), finished[0].data[1])
	assert.False(t, f.target.Active())
}

func TestTargetLeaveTearsDown(t *testing.T) {
	f := newTargetFixture(t)
	f.enter(5, false, f.textAtom)
	f.position(10, 20, f.atoms.ActionCopy)
	offer := f.sink.lastOffer()

	f.leave()
	assert.Equal(t, []string{"enter", "leave"}, f.sink.events)
	assert.False(t, f.target.Active())

	// The stale offer is inert.
	assert.Nil(t, offer.MimeTypes())
	mime := "text/plain;charset=utf-8"
	offer.Accept(1, &mime)
	assert.ErrorIs(t, offer.Finish(), ErrStaleOffer)
}

func TestTargetFreshEnterPreemptsSession(t *testing.T) {
	f := newTargetFixture(t)
	f.enter(5, false, f.textAtom)
	f.position(10, 20, f.atoms.ActionCopy)
	oldOffer := f.sink.lastOffer()

	f.enter(5, false, f.uriAtom)
	assert.Equal(t, []string{"enter", "leave"}, f.sink.events)
	f.position(10, 20, f.atoms.ActionCopy)
	require.Len(t, f.sink.offers, 2)

	assert.Nil(t, oldOffer.MimeTypes())
	assert.Equal(t, []string{"text/uri-list"}, f.sink.lastOffer().MimeTypes())
}

func TestTargetSurfaceUnmapLeaves(t *testing.T) {
	f := newTargetFixture(t)
	f.enter(5, false, f.textAtom)
	f.position(10, 20, f.atoms.ActionCopy)
	require.Equal(t, []string{"enter"}, f.sink.events)

	f.surface.unmap()
	assert.Equal(t, []string{"enter", "leave"}, f.sink.events)

	// The session itself stays open; the source may still move elsewhere.
	assert.True(t, f.target.Active())
}

func TestTargetReceiveConvertsSelection(t *testing.T) {
	f := newTargetFixture(t)
	f.enter(5, false, f.textAtom)
	f.position(10, 20, f.atoms.ActionCopy)
	offer := f.sink.lastOffer()
	require.NotNil(t, offer)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	offer.Receive("text/plain;charset=utf-8", w)
	require.Equal(t, []xproto.Atom{f.textAtom}, f.conn.converted)
}

func TestTargetSinkBoundPerSeat(t *testing.T) {
	f := newTargetFixture(t)
	// The client's data device lives on a different seat than the one the
	// session binds to; it must see nothing.
	f.devices.Remove("seat0", 1)
	f.devices.Add("seat1", 1, f.sink)

	f.enter(5, false, f.textAtom)
	f.position(10, 20, f.atoms.ActionCopy)

	assert.Empty(t, f.sink.events)
	status := f.lastStatus(t)
	assert.Equal(t, uint32(0), status.data[1]&1)
}

func TestTargetTeardownIdempotent(t *testing.T) {
	t.Run("idle session is a no-op", func(t *testing.T) {
		f := newTargetFixture(t)
		f.target.Teardown()
		f.target.Teardown()

		assert.False(t, f.target.Active())
		assert.Empty(t, f.sink.events)
		assert.Empty(t, f.conn.sent)
	})

	t.Run("repeated teardown after a session leaves once", func(t *testing.T) {
		f := newTargetFixture(t)
		f.enter(5, false, f.textAtom)
		f.position(10, 20, f.atoms.ActionCopy)
		require.Equal(t, []string{"enter"}, f.sink.events)

		f.target.Teardown()
		f.target.Teardown()

		assert.False(t, f.target.Active())
		assert.Equal(t, []string{"enter", "leave"}, f.sink.events)
		assert.Equal(t, 0, f.loop.liveTimers())
	})
}
