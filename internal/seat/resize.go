package seat

import (
	"errors"

	"github.com/waybridge/waybridge/internal/comp"
	"github.com/waybridge/waybridge/internal/logger"
)

// Edge names which toplevel edge an interactive resize drags, using the
// xdg_toplevel resize_edge encoding (top=1, bottom=2, left=4, right=8,
// corners are the sums). EdgeMove is the interactive move pseudo-edge.
type Edge uint32

const (
	EdgeTop         Edge = 1
	EdgeBottom      Edge = 2
	EdgeLeft        Edge = 4
	EdgeTopLeft     Edge = 5
	EdgeBottomLeft  Edge = 6
	EdgeRight       Edge = 8
	EdgeTopRight    Edge = 9
	EdgeBottomRight Edge = 10

	EdgeMove Edge = 16
)

// ErrBadEdge rejects a resize request with an edge value outside the
// protocol's enumeration.
var ErrBadEdge = errors.New("seat: invalid resize edge")

// _NET_WM_MOVERESIZE direction codes, per the EWMH spec.
var moveResizeDirection = map[Edge]uint32{
	EdgeTopLeft:     0,
	EdgeTop:         1,
	EdgeTopRight:    2,
	EdgeRight:       3,
	EdgeBottomRight: 4,
	EdgeBottom:      5,
	EdgeBottomLeft:  6,
	EdgeLeft:        7,
	EdgeMove:        8,
}

const moveResizeSourceIndication = 1 // normal application

type resizeState struct {
	surface comp.Surface
	edge    Edge
	button  uint32

	// builtin is set when we run the operation ourselves instead of
	// delegating it to the window manager.
	builtin bool

	startRootX, startRootY float64
	originX, originY       float64
	startW, startH         int32

	unhook func()
}

// Move starts an interactive move of the surface, authorized by the serial
// of the button press driving it.
func (s *Seat) Move(surface comp.Surface, serial uint32) error {
	return s.startMoveResize(surface, serial, EdgeMove)
}

// Resize starts an interactive resize of the surface along the given edge.
func (s *Seat) Resize(surface comp.Surface, serial uint32, edge Edge) error {
	if edge == EdgeMove {
		return ErrBadEdge
	}
	if _, ok := moveResizeDirection[edge]; !ok {
		return ErrBadEdge
	}
	return s.startMoveResize(surface, serial, edge)
}

func (s *Seat) startMoveResize(surface comp.Surface, serial uint32, edge Edge) error {
	if err := s.validateSerial(serial); err != nil {
		return err
	}
	if serial != s.lastButtonSerial {
		// Key-press serials authorize grabs elsewhere but cannot drive a
		// pointer-tracked operation.
		return ErrBadSerial
	}
	if s.resize != nil || s.drag != nil {
		// Racing requests lose quietly; the client's grab serial was
		// legitimate, there is just already an operation in flight.
		return nil
	}

	builtin := s.opts.UseBuiltinResize
	if !builtin {
		supported, err := s.conn.WMSupports("_NET_WM_MOVERESIZE")
		if err != nil {
			logger.Debug("_NET_SUPPORTED query failed, using builtin resize",
				"seat", s.Name, "err", err)
		}
		builtin = err != nil || !supported
	}

	r := &resizeState{
		surface:    surface,
		edge:       edge,
		button:     s.lastButton,
		builtin:    builtin,
		startRootX: s.pointerRootX,
		startRootY: s.pointerRootY,
	}
	r.originX, r.originY = surface.ToRoot(0, 0)
	r.startW, r.startH = surface.ResizeDimensions()

	if builtin {
		if err := s.conn.GrabPointerDevice(s.pointerID, s.conn.Root(), s.lastPointerTime, false); err != nil {
			return err
		}
	} else {
		// The WM needs its own grab; ours (the implicit one from the
		// press) has to go first, and the WM will not forward the ending
		// release to us, so completion is detected on the raw event.
		if err := s.conn.UngrabPointerDevice(s.pointerID, s.lastPointerTime); err != nil {
			return err
		}
		atom, err := s.conn.Atom("_NET_WM_MOVERESIZE")
		if err != nil {
			return err
		}
		err = s.conn.SendRootMessage(surface.XWindow(), atom, [5]uint32{
			uint32(r.startRootX),
			uint32(r.startRootY),
			moveResizeDirection[edge],
			r.button,
			moveResizeSourceIndication,
		})
		if err != nil {
			return err
		}
	}

	s.grabHeld = 0
	s.resize = r
	r.unhook = surface.OnUnmap(func() {
		s.finishResize()
		s.reevaluateEntered()
	})
	return nil
}

// resizeMotion applies one motion delta of a builtin move or resize.
func (s *Seat) resizeMotion(rootX, rootY float64) {
	r := s.resize
	if r == nil {
		return
	}
	dx := rootX - r.startRootX
	dy := rootY - r.startRootY

	if r.edge == EdgeMove {
		if err := s.conn.MoveWindow(r.surface.XWindow(),
			int(r.originX+dx), int(r.originY+dy)); err != nil {
			logger.Debug("interactive move failed", "seat", s.Name, "err", err)
		}
		return
	}

	w, h := r.startW, r.startH
	x, y := r.originX, r.originY
	if r.edge&EdgeLeft != 0 {
		w -= int32(dx)
		x += dx
	} else if r.edge&EdgeRight != 0 {
		w += int32(dx)
	}
	if r.edge&EdgeTop != 0 {
		h -= int32(dy)
		y += dy
	} else if r.edge&EdgeBottom != 0 {
		h += int32(dy)
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	r.surface.Reconfigure(w, h)
	if r.edge&(EdgeLeft|EdgeTop) != 0 {
		if err := s.conn.MoveWindow(r.surface.XWindow(), int(x), int(y)); err != nil {
			logger.Debug("resize reposition failed", "seat", s.Name, "err", err)
		}
	}
}

// finishResize tears down the active move/resize. Idempotent.
func (s *Seat) finishResize() {
	r := s.resize
	if r == nil {
		return
	}
	s.resize = nil
	if r.unhook != nil {
		r.unhook()
	}
	if r.builtin {
		if err := s.conn.UngrabPointerDevice(s.pointerID, 0); err != nil {
			logger.Debug("resize ungrab failed", "seat", s.Name, "err", err)
		}
	}
}

// ShowWindowMenu asks the window manager to pop up its window menu for the
// surface at a surface-local position.
func (s *Seat) ShowWindowMenu(surface comp.Surface, serial uint32, x, y int32) error {
	if err := s.validateSerial(serial); err != nil {
		return err
	}
	atom, err := s.conn.Atom("_GTK_SHOW_WINDOW_MENU")
	if err != nil {
		return err
	}
	rootX, rootY := surface.ToRoot(float64(x), float64(y))
	return s.conn.SendRootMessage(surface.XWindow(), atom, [5]uint32{
		uint32(s.pointerID),
		uint32(rootX),
		uint32(rootY),
		0, 0,
	})
}
