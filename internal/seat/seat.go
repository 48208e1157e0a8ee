// Package seat implements per-seat input dispatch: focus and grab state,
// translation of X Input2 events into Wayland seat events, scroll
// valuator bookkeeping, and interactive move/resize. One Seat exists per
// (master pointer, master keyboard) pair; the Registry tracks the mapping
// from X device IDs and reacts to hotplug.
package seat

import (
	"errors"

	"github.com/BurntSushi/xgb/xproto"

	"github.com/waybridge/waybridge/internal/comp"
	"github.com/waybridge/waybridge/internal/logger"
	"github.com/waybridge/waybridge/internal/x11"
)

// ErrBadSerial rejects a request whose serial does not match the seat's
// last button or key press. Stale or forged serials must not start grabs.
var ErrBadSerial = errors.New("seat: serial does not name the last press")

// ErrInert rejects requests against a seat whose devices are gone.
var ErrInert = errors.New("seat: seat is inert")

// XConn is the slice of the X connection the seat layer uses. *x11.Conn
// implements it; tests substitute a fake.
type XConn interface {
	Atom(name string) (xproto.Atom, error)
	Root() xproto.Window
	SendRootMessage(win xproto.Window, typ xproto.Atom, data [5]uint32) error
	GrabPointerDevice(dev x11.DeviceID, win xproto.Window, t xproto.Timestamp, ownerEvents bool) error
	UngrabPointerDevice(dev x11.DeviceID, t xproto.Timestamp) error
	QueryPointer(dev x11.DeviceID, win xproto.Window) (x, y float64, child xproto.Window, buttons x11.ButtonMask, err error)
	QueryDevice(dev x11.DeviceID) (x11.DeviceInfo, error)
	WMSupports(name string) (bool, error)
	MoveWindow(win xproto.Window, x, y int) error
	DefineCursor(win xproto.Window, cursor xproto.Cursor) error
}

// Drag is the active drag session attached to a seat. Both the outbound
// Xdnd source and the inbound Xdnd target implement it; while one is
// attached, entered-surface transitions and pointer motion are routed here
// instead of to wl_pointer resources.
type Drag interface {
	// Motion delivers pointer motion in root coordinates.
	Motion(time xproto.Timestamp, rootX, rootY float64)

	// ButtonReleased delivers a button release along with the server's
	// button state at the event, which still includes the released button;
	// a count of one therefore means the last button just went up.
	ButtonReleased(time xproto.Timestamp, button uint32, held x11.ButtonMask)

	// Cancel tears the session down; it must be idempotent.
	Cancel()
}

type modState struct {
	depressed, latched, locked, group uint32
}

// Options configures seat behavior from the loaded config.
type Options struct {
	// ScrollDistance is the pixel delta applied per scroll unit.
	ScrollDistance float64

	// UseBuiltinResize skips _NET_WM_MOVERESIZE delegation entirely.
	UseBuiltinResize bool

	// OnCursorRelease detaches a client's cursor role when the pointer
	// leaves its surface. Owned by the cursor-role subsystem; may be nil.
	OnCursorRelease func(client comp.ClientID)
}

// Seat owns the canonical answer to "which surface is entered and focused,
// and is it grabbed" for one master device pair.
type Seat struct {
	Name string

	pointerID  x11.DeviceID
	keyboardID x11.DeviceID

	conn     XConn
	serials  *comp.Serials
	surfaces comp.Surfaces
	opts     Options

	clients map[comp.ClientID]*ClientInfo

	entered       comp.Surface
	enteredUnhook func()
	focus         comp.Surface
	focusUnhook   func()

	pointerRootX, pointerRootY float64
	lastPointerTime            xproto.Timestamp

	// grabHeld counts nested implicit grabs: one per pressed button. The
	// dispatch target stays locked to the entered surface until it
	// returns to zero.
	grabHeld int

	// grabSurface, when set, composes X owner-events semantics over
	// per-object Wayland delivery: events naturally destined for another
	// client are redirected here with reprojected coordinates.
	grabSurface       comp.Surface
	grabSurfaceUnhook func()

	lastEnterSerial  uint32
	lastButtonSerial uint32
	lastKeySerial    uint32

	// lastButton is the X button number behind lastButtonSerial; an
	// interactive move or resize started from that serial rides on it.
	lastButton uint32

	keysDown []uint32
	mods     modState

	repeatRate, repeatDelay int32

	// crossingSerial increments on every pointer crossing; scroll
	// valuators record the value they last updated at so a stale
	// accumulator from before a crossing is never diffed.
	crossingSerial uint64
	scrolls        map[uint16]*ScrollValuator

	activePinch *gestureState
	activeSwipe *gestureState

	resize *resizeState
	drag   Drag

	inert     bool
	onDestroy []func()
}

type gestureState struct {
	surface comp.Surface
	fingers uint32
}

// New creates a seat for a master pointer/keyboard pair and loads its
// scroll valuators. Scroll class queries that fail degrade to an empty
// axis set rather than failing seat creation.
func New(conn XConn, serials *comp.Serials, surfaces comp.Surfaces, opts Options,
	name string, pointer, keyboard x11.DeviceID) *Seat {
	if opts.ScrollDistance <= 0 {
		opts.ScrollDistance = defaultScrollDistance
	}
	s := &Seat{
		Name:        name,
		pointerID:   pointer,
		keyboardID:  keyboard,
		conn:        conn,
		serials:     serials,
		surfaces:    surfaces,
		opts:        opts,
		clients:     make(map[comp.ClientID]*ClientInfo),
		scrolls:     make(map[uint16]*ScrollValuator),
		repeatRate:  25,
		repeatDelay: 600,
	}
	info, err := conn.QueryDevice(pointer)
	if err != nil {
		logger.Debug("seat created without scroll classes", "seat", name, "err", err)
		return s
	}
	s.reloadScrolls(info.Scrolls)
	return s
}

// PointerDevice returns the master pointer device ID.
func (s *Seat) PointerDevice() x11.DeviceID { return s.pointerID }

// KeyboardDevice returns the master keyboard device ID.
func (s *Seat) KeyboardDevice() x11.DeviceID { return s.keyboardID }

// Inert reports whether the seat's devices have been disabled.
func (s *Seat) Inert() bool { return s.inert }

// Entered returns the surface currently under the pointer, honoring grabs.
func (s *Seat) Entered() comp.Surface { return s.entered }

// Focus returns the surface holding keyboard focus.
func (s *Seat) Focus() comp.Surface { return s.focus }

// GrabHeld returns the implicit grab depth; exported for introspection.
func (s *Seat) GrabHeld() int { return s.grabHeld }

// LastButtonSerial returns the serial of the most recent button press.
func (s *Seat) LastButtonSerial() uint32 { return s.lastButtonSerial }

// LastPointerTime returns the X timestamp of the latest pointer event.
func (s *Seat) LastPointerTime() xproto.Timestamp { return s.lastPointerTime }

// ValidateGrabSerial checks a grab-starting request's serial against the
// seat's most recent presses.
func (s *Seat) ValidateGrabSerial(serial uint32) error {
	return s.validateSerial(serial)
}

// SetGrabSurface installs or clears the owner-events grab surface.
func (s *Seat) SetGrabSurface(surface comp.Surface) {
	if s.grabSurfaceUnhook != nil {
		s.grabSurfaceUnhook()
		s.grabSurfaceUnhook = nil
	}
	s.grabSurface = surface
	if surface != nil {
		s.grabSurfaceUnhook = surface.OnUnmap(func() {
			s.grabSurface = nil
			s.grabSurfaceUnhook = nil
		})
	}
}

// SetDrag attaches a drag session to the seat; nil detaches. Attaching
// preserves the cursor role on the surface being left, since the drag icon
// keeps using it.
func (s *Seat) SetDrag(d Drag) {
	prev := s.drag
	s.drag = d
	if d == nil && prev != nil && !s.inert && s.grabHeld == 0 {
		// Enter/leave was suppressed while the session ran; converge on
		// whatever is actually under the pointer now.
		s.reevaluateEntered()
	}
}

// ActiveDrag returns the drag session attached to the seat, if any.
func (s *Seat) ActiveDrag() Drag { return s.drag }

// OnDestroy registers a hook run when the seat is destroyed.
func (s *Seat) OnDestroy(fn func()) {
	s.onDestroy = append(s.onDestroy, fn)
}

// destroy marks the seat inert, cancels any drag or resize, and empties
// focus and entered state.
func (s *Seat) destroy() {
	if s.inert {
		return
	}
	s.inert = true
	if s.drag != nil {
		s.drag.Cancel()
		s.drag = nil
	}
	s.finishResize()
	s.setEntered(nil, 0, 0, false)
	s.setFocus(nil)
	for _, fn := range s.onDestroy {
		fn()
	}
	s.onDestroy = nil
}

// dispatchTarget applies owner-events grab composition: while grabSurface
// is set, any event whose natural destination belongs to a different client
// lands on the grab surface instead.
func (s *Seat) dispatchTarget(natural comp.Surface) comp.Surface {
	if s.grabSurface == nil {
		return natural
	}
	if natural == nil || natural.Client() != s.grabSurface.Client() {
		return s.grabSurface
	}
	return natural
}

// setEntered performs the entered-surface transition. Leaving sends leave
// (or hands the transition to the drag session), cancels in-progress
// gestures, and releases the cursor role unless preserveCursor is set;
// entering sends enter with a fresh serial, or reverts the X cursor to the
// default when the owning client never created a wl_pointer.
func (s *Seat) setEntered(surface comp.Surface, rootX, rootY float64, preserveCursor bool) {
	if s.entered == surface {
		return
	}

	if old := s.entered; old != nil {
		s.cancelGestures(old)
		if s.drag != nil {
			// The drag session owns enter/leave while attached.
		} else {
			serial := s.serials.Next()
			s.forEachPointer(old.Client(), func(p *Pointer) {
				p.handler.Leave(serial, old)
				p.frame()
			})
			if !preserveCursor && s.opts.OnCursorRelease != nil {
				s.opts.OnCursorRelease(old.Client())
			}
		}
		if s.enteredUnhook != nil {
			s.enteredUnhook()
			s.enteredUnhook = nil
		}
	}

	s.entered = surface
	if surface == nil {
		return
	}

	s.enteredUnhook = surface.OnUnmap(func() { s.enteredUnmapped() })

	if s.drag != nil {
		return
	}
	serial := s.serials.Next()
	s.lastEnterSerial = serial
	x, y := surface.FromRoot(rootX, rootY)
	sent := s.forEachPointer(surface.Client(), func(p *Pointer) {
		p.handler.Enter(serial, surface, x, y)
		p.frame()
	})
	if !sent {
		// No wl_pointer: the client cannot set a cursor, so make sure a
		// stale one from a previous role does not linger.
		if err := s.conn.DefineCursor(surface.XWindow(), xproto.CursorNone); err != nil {
			logger.Debug("cursor revert failed", "seat", s.Name, "err", err)
		}
	}
}

// enteredUnmapped handles the entered surface going away: any implicit
// grab it held unwinds completely, and the surface under the pointer is
// re-evaluated.
func (s *Seat) enteredUnmapped() {
	s.entered = nil
	s.enteredUnhook = nil
	s.grabHeld = 0
	s.reevaluateEntered()
}

// reevaluateEntered queries the real surface under the pointer after a
// grab ends or the entered surface unmaps. Query failure leaves the seat
// with no entered surface, which a later crossing event corrects.
func (s *Seat) reevaluateEntered() {
	x, y, child, _, err := s.conn.QueryPointer(s.pointerID, s.conn.Root())
	if err != nil {
		s.setEntered(nil, 0, 0, false)
		return
	}
	s.pointerRootX, s.pointerRootY = x, y
	surface := s.surfaces.SurfaceForWindow(child)
	s.setEntered(s.dispatchTarget(surface), x, y, false)
}

// setFocus moves keyboard focus, sending leave before enter. Enter carries
// the keys currently held so the client's key state converges.
func (s *Seat) setFocus(surface comp.Surface) {
	if s.focus == surface {
		return
	}
	if old := s.focus; old != nil {
		serial := s.serials.Next()
		s.forEachKeyboard(old.Client(), func(k *Keyboard) {
			k.handler.Leave(serial, old)
		})
		if s.focusUnhook != nil {
			s.focusUnhook()
			s.focusUnhook = nil
		}
	}
	s.focus = surface
	if surface == nil {
		return
	}
	s.focusUnhook = surface.OnUnmap(func() {
		s.focus = nil
		s.focusUnhook = nil
	})
	serial := s.serials.Next()
	keys := append([]uint32(nil), s.keysDown...)
	s.forEachKeyboard(surface.Client(), func(k *Keyboard) {
		k.handler.Enter(serial, surface, keys)
		k.handler.Modifiers(serial, s.mods.depressed, s.mods.latched, s.mods.locked, s.mods.group)
	})
}

// cancelGestures force-ends any in-progress pinch or swipe on the surface
// being left.
func (s *Seat) cancelGestures(surface comp.Surface) {
	if s.activePinch != nil && s.activePinch.surface == surface {
		serial := s.serials.Next()
		if info, ok := s.clients[surface.Client()]; ok {
			for _, g := range info.pinches {
				g.handler.End(serial, uint32(s.lastPointerTime), true)
			}
		}
		s.activePinch = nil
	}
	if s.activeSwipe != nil && s.activeSwipe.surface == surface {
		serial := s.serials.Next()
		if info, ok := s.clients[surface.Client()]; ok {
			for _, g := range info.swipes {
				g.handler.End(serial, uint32(s.lastPointerTime), true)
			}
		}
		s.activeSwipe = nil
	}
}

// validateSerial accepts only the seat's most recent button or key press
// serial, the rule every grab-starting request shares.
func (s *Seat) validateSerial(serial uint32) error {
	if s.inert {
		return ErrInert
	}
	if serial != 0 && (serial == s.lastButtonSerial || serial == s.lastKeySerial) {
		return nil
	}
	return ErrBadSerial
}
