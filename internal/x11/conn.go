// Package x11 owns the connection to the X server: extension setup, atom
// interning, event decoding into the dispatch event union, and the request
// helpers the input and drag-and-drop cores use. Queries that can race with
// window or device destruction report ErrGone instead of a raw X error so
// callers can treat "entity already gone" uniformly.
package x11

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/shape"
	"github.com/BurntSushi/xgb/xinput"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/waybridge/waybridge/internal/logger"
)

// DeviceID identifies an X Input2 device.
type DeviceID uint16

// Conn manages the X11 connection and core X resources.
type Conn struct {
	X    *xgb.Conn
	root xproto.Window

	atomMu    sync.RWMutex
	atoms     map[string]xproto.Atom
	atomNames map[xproto.Atom]string

	xiMajor, xiMinor uint16
}

// NewConn establishes a connection to the X server and initializes the
// XInput2 (>=2.3) and Shape extensions. Modifier and group state rides on
// the XI2 device events themselves, so no Xkb subscription is needed.
func NewConn() (*Conn, error) {
	x, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	c := &Conn{
		X:         x,
		root:      xproto.Setup(x).DefaultScreen(x).Root,
		atoms:     make(map[string]xproto.Atom),
		atomNames: make(map[xproto.Atom]string),
	}

	if err := xinput.Init(x); err != nil {
		x.Close()
		return nil, fmt.Errorf("XInput extension unavailable: %w", err)
	}
	xi, err := xinput.XIQueryVersion(x, 2, 3).Reply()
	if err != nil {
		x.Close()
		return nil, fmt.Errorf("XIQueryVersion failed: %w", err)
	}
	if xi.MajorVersion < 2 || (xi.MajorVersion == 2 && xi.MinorVersion < 3) {
		x.Close()
		return nil, fmt.Errorf("X server reports XInput %d.%d, need at least 2.3",
			xi.MajorVersion, xi.MinorVersion)
	}
	c.xiMajor, c.xiMinor = xi.MajorVersion, xi.MinorVersion

	if err := shape.Init(x); err != nil {
		x.Close()
		return nil, fmt.Errorf("Shape extension unavailable: %w", err)
	}

	logger.Debug("connected to X server",
		"root", c.root, "xinput", fmt.Sprintf("%d.%d", xi.MajorVersion, xi.MinorVersion))
	return c, nil
}

// Root returns the root window of the default screen.
func (c *Conn) Root() xproto.Window {
	return c.root
}

// Close disconnects from the X server.
func (c *Conn) Close() {
	c.X.Close()
}

// Atom interns the named atom, caching the result for future lookups.
func (c *Conn) Atom(name string) (xproto.Atom, error) {
	c.atomMu.RLock()
	if atom, ok := c.atoms[name]; ok {
		c.atomMu.RUnlock()
		return atom, nil
	}
	c.atomMu.RUnlock()

	reply, err := xproto.InternAtom(c.X, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	c.atomMu.Lock()
	c.atoms[name] = reply.Atom
	c.atomNames[reply.Atom] = name
	c.atomMu.Unlock()
	return reply.Atom, nil
}

// AtomName resolves an atom back to its name. Used to turn Xdnd target
// atoms into MIME type strings.
func (c *Conn) AtomName(atom xproto.Atom) (string, error) {
	c.atomMu.RLock()
	if name, ok := c.atomNames[atom]; ok {
		c.atomMu.RUnlock()
		return name, nil
	}
	c.atomMu.RUnlock()

	reply, err := xproto.GetAtomName(c.X, atom).Reply()
	if err != nil {
		return "", gone(err)
	}
	c.atomMu.Lock()
	c.atoms[reply.Name] = atom
	c.atomNames[atom] = reply.Name
	c.atomMu.Unlock()
	return reply.Name, nil
}

// CreateUtilityWindow creates an unmapped input-only window. The
// drag-and-drop bridge uses one as its selection owner and transfer
// requestor.
func (c *Conn) CreateUtilityWindow() (xproto.Window, error) {
	wid, err := xproto.NewWindowId(c.X)
	if err != nil {
		return 0, err
	}
	err = xproto.CreateWindowChecked(c.X, 0, wid, c.root,
		-1, -1, 1, 1, 0,
		xproto.WindowClassInputOnly, 0,
		xproto.CwEventMask, []uint32{xproto.EventMaskPropertyChange}).Check()
	if err != nil {
		return 0, err
	}
	return wid, nil
}

// SelectDeviceEvents asks the server to deliver XI hierarchy and
// device-changed events plus raw button releases for all master devices.
// Raw releases are how a window-manager-delegated move/resize reports
// completion back to us.
func (c *Conn) SelectDeviceEvents() error {
	masks := []xinput.EventMask{{
		Deviceid: xinput.DeviceAllMaster,
		MaskLen:  1,
		Mask: []uint32{
			xinput.XIEventMaskHierarchy |
				xinput.XIEventMaskDeviceChanged |
				xinput.XIEventMaskRawButtonRelease,
		},
	}}
	return xinput.XISelectEventsChecked(c.X, c.root, uint16(len(masks)), masks).Check()
}

// SelectWindowInputEvents asks for the full set of per-window input events
// a seat dispatches: pointer, keyboard, crossing and focus events.
func (c *Conn) SelectWindowInputEvents(win xproto.Window) error {
	masks := []xinput.EventMask{{
		Deviceid: xinput.DeviceAllMaster,
		MaskLen:  1,
		Mask: []uint32{
			xinput.XIEventMaskButtonPress |
				xinput.XIEventMaskButtonRelease |
				xinput.XIEventMaskMotion |
				xinput.XIEventMaskKeyPress |
				xinput.XIEventMaskKeyRelease |
				xinput.XIEventMaskEnter |
				xinput.XIEventMaskLeave |
				xinput.XIEventMaskFocusIn |
				xinput.XIEventMaskFocusOut,
		},
	}}
	return gone(xinput.XISelectEventsChecked(c.X, win, uint16(len(masks)), masks).Check())
}

// SelectStructureEvents subscribes to substructure and property events on a
// window, as the drag-and-drop window cache needs for its shadow tree.
func (c *Conn) SelectStructureEvents(win xproto.Window) error {
	mask := uint32(xproto.EventMaskSubstructureNotify | xproto.EventMaskPropertyChange)
	return gone(xproto.ChangeWindowAttributesChecked(c.X, win,
		xproto.CwEventMask, []uint32{mask}).Check())
}

// SelectShapeEvents subscribes to ShapeNotify on a window.
func (c *Conn) SelectShapeEvents(win xproto.Window) error {
	return gone(shape.SelectInputChecked(c.X, win, true).Check())
}
