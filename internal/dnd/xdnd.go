// Package dnd bridges the Xdnd ClientMessage protocol and the Wayland
// data-device protocol, in both directions. The inbound Target turns an
// external X drag into wl_data_device events for local surfaces; the
// outbound Source turns a Wayland client's drag into Xdnd messages toward
// whatever X window the pointer is over, hit-tested against a local shadow
// of the window tree. Xdnd carries no seat identity, so one session per
// direction exists process-wide.
package dnd

import (
	"time"

	"github.com/BurntSushi/xgb/xproto"

	"github.com/waybridge/waybridge/internal/comp"
	"github.com/waybridge/waybridge/internal/x11"
)

// xdndVersion is the highest protocol version spoken. Effective session
// versions are the minimum of this and the peer's advertised version.
const xdndVersion = 5

// finishTimeout bounds how long a stalled peer can hold a session open
// after a drop, in either direction.
const defaultFinishTimeout = 5 * time.Second

// Loop posts work and timers onto the single dispatch goroutine, so session
// state is only ever touched run-to-completion.
type Loop interface {
	// Post schedules fn to run on the dispatch goroutine.
	Post(fn func())

	// After schedules fn to run on the dispatch goroutine after d. The
	// returned cancel stops it; cancelling after it ran is a no-op.
	After(d time.Duration, fn func()) (cancel func())
}

// Atoms holds every interned atom the Xdnd bridge uses.
type Atoms struct {
	Aware      xproto.Atom
	Proxy      xproto.Atom
	Selection  xproto.Atom
	TypeList   xproto.Atom
	ActionList xproto.Atom

	Enter    xproto.Atom
	Position xproto.Atom
	Status   xproto.Atom
	Leave    xproto.Atom
	Drop     xproto.Atom
	Finished xproto.Atom

	ActionCopy    xproto.Atom
	ActionMove    xproto.Atom
	ActionLink    xproto.Atom
	ActionAsk     xproto.Atom
	ActionPrivate xproto.Atom

	WMState xproto.Atom
}

// AtomConn is the atom-interning slice of the X connection.
type AtomConn interface {
	Atom(name string) (xproto.Atom, error)
	AtomName(atom xproto.Atom) (string, error)
}

// InternAtoms interns the full Xdnd atom set up front so the hot paths
// never block on interning.
func InternAtoms(conn AtomConn) (*Atoms, error) {
	a := &Atoms{}
	for _, entry := range []struct {
		name string
		dst  *xproto.Atom
	}{
		{"XdndAware", &a.Aware},
		{"XdndProxy", &a.Proxy},
		{"XdndSelection", &a.Selection},
		{"XdndTypeList", &a.TypeList},
		{"XdndActionList", &a.ActionList},
		{"XdndEnter", &a.Enter},
		{"XdndPosition", &a.Position},
		{"XdndStatus", &a.Status},
		{"XdndLeave", &a.Leave},
		{"XdndDrop", &a.Drop},
		{"XdndFinished", &a.Finished},
		{"XdndActionCopy", &a.ActionCopy},
		{"XdndActionMove", &a.ActionMove},
		{"XdndActionLink", &a.ActionLink},
		{"XdndActionAsk", &a.ActionAsk},
		{"XdndActionPrivate", &a.ActionPrivate},
		{"WM_STATE", &a.WMState},
	} {
		atom, err := conn.Atom(entry.name)
		if err != nil {
			return nil, err
		}
		*entry.dst = atom
	}
	return a, nil
}

// actionFromAtom translates one Xdnd action atom to the wl_data_device
// action bit. Ask maps to ask; private and link have no Wayland
// counterpart and degrade to copy.
func (a *Atoms) actionFromAtom(atom xproto.Atom) uint32 {
	switch atom {
	case a.ActionCopy, a.ActionPrivate, a.ActionLink:
		return comp.ActionCopy
	case a.ActionMove:
		return comp.ActionMove
	case a.ActionAsk:
		return comp.ActionAsk
	case 0:
		return comp.ActionNone
	default:
		return comp.ActionCopy
	}
}

// atomFromAction translates a single wl action bit to its Xdnd atom.
func (a *Atoms) atomFromAction(action uint32) xproto.Atom {
	switch action {
	case comp.ActionCopy:
		return a.ActionCopy
	case comp.ActionMove:
		return a.ActionMove
	case comp.ActionAsk:
		return a.ActionAsk
	default:
		return 0
	}
}

// resolveAction picks the action for a session from the masks both sides
// advertised, by fixed preference. A preferred bit that both sides support
// wins outright.
func resolveAction(source, client, preferred uint32) uint32 {
	both := source & client
	if preferred&both != 0 {
		return preferred & both
	}
	for _, a := range []uint32{comp.ActionCopy, comp.ActionMove, comp.ActionAsk} {
		if both&a != 0 {
			return a
		}
	}
	return comp.ActionNone
}

// enterVersion extracts the protocol version from an XdndEnter, capped at
// what we speak.
func enterVersion(word1 uint32) uint32 {
	v := word1 >> 24
	if v > xdndVersion {
		v = xdndVersion
	}
	return v
}

// enterHasTypeList reports whether the source offers more than three
// targets, in which case XdndTypeList holds the real list.
func enterHasTypeList(word1 uint32) bool {
	return word1&1 != 0
}

// positionCoords unpacks the packed root coordinates of an XdndPosition.
func positionCoords(word2 uint32) (x, y int) {
	return int(int16(word2 >> 16)), int(int16(word2 & 0xffff))
}

func packCoords(x, y int) uint32 {
	return uint32(uint16(x))<<16 | uint32(uint16(y))
}

// mimeAtoms interns a MIME type list, skipping types that fail to intern.
func mimeAtoms(conn AtomConn, mimes []string) []xproto.Atom {
	out := make([]xproto.Atom, 0, len(mimes))
	for _, m := range mimes {
		atom, err := conn.Atom(m)
		if err != nil {
			continue
		}
		out = append(out, atom)
	}
	return out
}

// mimeNames resolves target atoms back to MIME type strings, dropping
// atoms that no longer resolve.
func mimeNames(conn AtomConn, atoms []xproto.Atom) []string {
	out := make([]string, 0, len(atoms))
	for _, atom := range atoms {
		if atom == 0 {
			continue
		}
		name, err := conn.AtomName(atom)
		if err != nil {
			continue
		}
		out = append(out, name)
	}
	return out
}

// actionMaskFromAtoms folds an XdndActionList property into a wl action
// mask.
func (a *Atoms) actionMaskFromAtoms(atoms []xproto.Atom) uint32 {
	var mask uint32
	for _, atom := range atoms {
		mask |= a.actionFromAtom(atom)
	}
	return mask
}

// propReader is the property-fetching slice of the connection shared by
// both session directions.
type propReader interface {
	Property(win xproto.Window, prop, typ xproto.Atom) (x11.Property, error)
}
