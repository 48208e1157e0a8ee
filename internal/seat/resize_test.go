package seat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waybridge/waybridge/internal/comp"
	"github.com/waybridge/waybridge/internal/x11"
)

func pressedSeat(t *testing.T, conn *fakeConn, opts Options) (*Seat, *fakeSurface) {
	t.Helper()
	surfaces := comp.NewSurfaceMap()
	surface := &fakeSurface{client: 1, window: 100, ox: 100, oy: 50, w: 640, h: 480}
	surfaces.Add(surface)

	s := testSeat(t, conn, surfaces, opts)
	s.NewPointer(1, pointerVersionFrame, &recPointer{})
	s.HandleEnter(enterEvent(100, 110, 60))
	s.HandleButtonPress(buttonPress(100, 1, 110, 60))
	require.Equal(t, 1, s.GrabHeld())
	return s, surface
}

func TestMoveRejectsStaleSerial(t *testing.T) {
	conn := newFakeConn()
	s, surface := pressedSeat(t, conn, Options{})

	assert.ErrorIs(t, s.Move(surface, s.LastButtonSerial()+7), ErrBadSerial)
	assert.ErrorIs(t, s.Move(surface, 0), ErrBadSerial)
	assert.Nil(t, s.resize)
}

func TestMoveRejectsKeySerial(t *testing.T) {
	conn := newFakeConn()
	s, surface := pressedSeat(t, conn, Options{})
	s.NewKeyboard(1, 7, &recKeyboard{})
	s.HandleFocusIn(x11.FocusIn{Crossing: x11.Crossing{Device: 3, Window: 100}})
	s.HandleKeyPress(x11.KeyPress{Key: x11.Key{Device: 3, Time: 2, Keycode: 38}})

	// A key-press serial authorizes grabs in general but cannot drive a
	// pointer-tracked operation.
	assert.ErrorIs(t, s.Move(surface, s.lastKeySerial), ErrBadSerial)
}

func TestResizeRejectsBadEdge(t *testing.T) {
	conn := newFakeConn()
	s, surface := pressedSeat(t, conn, Options{})

	assert.ErrorIs(t, s.Resize(surface, s.LastButtonSerial(), EdgeMove), ErrBadEdge)
	assert.ErrorIs(t, s.Resize(surface, s.LastButtonSerial(), Edge(3)), ErrBadEdge)
	assert.ErrorIs(t, s.Resize(surface, s.LastButtonSerial(), Edge(99)), ErrBadEdge)
}

func TestMoveDelegatesToWindowManager(t *testing.T) {
	conn := newFakeConn()
	conn.wmHints["_NET_WM_MOVERESIZE"] = true
	s, surface := pressedSeat(t, conn, Options{})

	require.NoError(t, s.Move(surface, s.LastButtonSerial()))

	// Our implicit grab is released so the WM can take its own.
	assert.Equal(t, 1, conn.ungrabs)
	assert.Equal(t, 0, conn.grabs)
	assert.Equal(t, 0, s.GrabHeld())

	require.Len(t, conn.rootMsgs, 1)
	msg := conn.rootMsgs[0]
	atom, _ := conn.Atom("_NET_WM_MOVERESIZE")
	assert.Equal(t, surface.XWindow(), msg.win)
	assert.Equal(t, atom, msg.typ)
	assert.Equal(t, uint32(110), msg.data[0])
	assert.Equal(t, uint32(60), msg.data[1])
	assert.Equal(t, uint32(8), msg.data[2]) // move direction
	assert.Equal(t, uint32(1), msg.data[3]) // button
	assert.Equal(t, uint32(1), msg.data[4]) // normal application

	// A racing second request loses quietly.
	assert.NoError(t, s.Resize(surface, s.LastButtonSerial(), EdgeBottom))
	assert.Len(t, conn.rootMsgs, 1)

	// The WM holds the grab; completion is only visible raw.
	s.HandleRawButtonRelease(x11.RawButtonRelease{Device: 2, Time: 3, Button: 2})
	assert.NotNil(t, s.resize)
	s.HandleRawButtonRelease(x11.RawButtonRelease{Device: 2, Time: 3, Button: 1})
	assert.Nil(t, s.resize)
}

func TestBuiltinResizeBottomRight(t *testing.T) {
	conn := newFakeConn()
	s, surface := pressedSeat(t, conn, Options{UseBuiltinResize: true})

	require.NoError(t, s.Resize(surface, s.LastButtonSerial(), EdgeBottomRight))
	assert.Equal(t, 1, conn.grabs)
	assert.Empty(t, conn.rootMsgs)

	s.HandleMotion(motionEvent(0, 130, 100))
	require.Len(t, surface.configures, 1)
	assert.Equal(t, [2]int32{660, 520}, surface.configures[0])
	assert.Empty(t, conn.moves)

	s.HandleButtonRelease(buttonRelease(0, 1, 130, 100))
	assert.Nil(t, s.resize)
	assert.Equal(t, 1, conn.ungrabs)
}

func TestBuiltinResizeTopLeftRepositions(t *testing.T) {
	conn := newFakeConn()
	s, surface := pressedSeat(t, conn, Options{UseBuiltinResize: true})

	require.NoError(t, s.Resize(surface, s.LastButtonSerial(), EdgeTopLeft))
	s.HandleMotion(motionEvent(0, 130, 70))

	require.Len(t, surface.configures, 1)
	assert.Equal(t, [2]int32{620, 470}, surface.configures[0])
	require.Len(t, conn.moves, 1)
	assert.Equal(t, moveRequest{win: 100, x: 120, y: 60}, conn.moves[0])
}

func TestBuiltinMoveFallsBackWhenWMUnsupported(t *testing.T) {
	conn := newFakeConn()
	s, surface := pressedSeat(t, conn, Options{})

	require.NoError(t, s.Move(surface, s.LastButtonSerial()))
	assert.Equal(t, 1, conn.grabs)
	assert.Empty(t, conn.rootMsgs)

	s.HandleMotion(motionEvent(0, 90, 80))
	require.Len(t, conn.moves, 1)
	assert.Equal(t, moveRequest{win: 100, x: 80, y: 70}, conn.moves[0])
}

func TestResizeSizeNeverBelowOne(t *testing.T) {
	conn := newFakeConn()
	s, surface := pressedSeat(t, conn, Options{UseBuiltinResize: true})

	require.NoError(t, s.Resize(surface, s.LastButtonSerial(), EdgeBottomRight))
	s.HandleMotion(motionEvent(0, 110-2000, 60-2000))

	require.Len(t, surface.configures, 1)
	assert.Equal(t, [2]int32{1, 1}, surface.configures[0])
}

func TestResizeEndsWhenSurfaceUnmaps(t *testing.T) {
	conn := newFakeConn()
	s, surface := pressedSeat(t, conn, Options{UseBuiltinResize: true})

	require.NoError(t, s.Resize(surface, s.LastButtonSerial(), EdgeBottom))
	surface.unmap()
	assert.Nil(t, s.resize)
	assert.Equal(t, 1, conn.ungrabs)
}

func TestShowWindowMenu(t *testing.T) {
	conn := newFakeConn()
	s, surface := pressedSeat(t, conn, Options{})

	require.NoError(t, s.ShowWindowMenu(surface, s.LastButtonSerial(), 10, 20))

	require.Len(t, conn.rootMsgs, 1)
	msg := conn.rootMsgs[0]
	atom, _ := conn.Atom("_GTK_SHOW_WINDOW_MENU")
	assert.Equal(t, atom, msg.typ)
	assert.Equal(t, [5]uint32{2, 110, 70, 0, 0}, msg.data)
}
