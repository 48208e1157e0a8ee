// Package comp defines the contracts between the input/drag-and-drop core
// and the rest of the compositor: surfaces and their roles, data devices
// and sources, and the compositor-global event serial. The rendering
// pipeline is a pixel sink as far as this core is concerned; everything it
// needs from a surface is expressed here.
package comp

import (
	"io"
	"os"

	"github.com/BurntSushi/xgb/xproto"
)

// ClientID identifies one Wayland client connection.
type ClientID uint32

// Drag-and-drop action bits, matching wl_data_device_manager.dnd_action.
const (
	ActionNone uint32 = 0
	ActionCopy uint32 = 1
	ActionMove uint32 = 2
	ActionAsk  uint32 = 4
)

// Serials allocates the compositor-global event serial. Every enter, leave,
// button and key event carries a fresh value from here.
type Serials struct {
	last uint32
}

// Next advances and returns the serial.
func (s *Serials) Next() uint32 {
	s.last++
	return s.last
}

// Last returns the most recently allocated serial.
func (s *Serials) Last() uint32 {
	return s.last
}

// Surface is the input-relevant face of a mapped Wayland surface. The
// surface/role subsystem owns the backing X window, its view tree and its
// scale factor; this core only converts coordinates, hit-tests views and
// hooks lifecycle events.
type Surface interface {
	// Client returns the owning Wayland client.
	Client() ClientID

	// XWindow returns the X window this surface's toplevel is backed by.
	XWindow() xproto.Window

	// FromRoot converts root-relative coordinates into this surface's
	// coordinate space, applying the surface scale.
	FromRoot(rootX, rootY float64) (x, y float64)

	// ToRoot converts surface-local coordinates to root coordinates.
	ToRoot(x, y float64) (rootX, rootY float64)

	// HitView returns the surface (itself or a subsurface view) under the
	// given surface-local point, or nil when the point misses every view.
	HitView(x, y float64) Surface

	// ResizeDimensions reports the current toplevel size used as the base
	// of an interactive resize.
	ResizeDimensions() (width, height int32)

	// Reconfigure asks the toplevel role to reconfigure to a new size.
	// The built-in resize fallback drives this.
	Reconfigure(width, height int32)

	// OnUnmap registers fn to run when the surface is unmapped. The
	// returned cancel detaches the hook; calling it after the hook ran is
	// a no-op.
	OnUnmap(fn func()) (cancel func())

	// OnFree registers fn to run when the surface is destroyed.
	OnFree(fn func()) (cancel func())
}

// Surfaces resolves X windows back to the local surfaces they back.
type Surfaces interface {
	// SurfaceForWindow returns the surface backed by win, or nil.
	SurfaceForWindow(win xproto.Window) Surface
}

// DataSource is the seat-facing view of a Wayland client's wl_data_source.
// The data-device subsystem owns the resource; this core negotiates with
// it during an outbound drag.
type DataSource interface {
	// MimeTypes lists the offered types in advertisement order.
	MimeTypes() []string

	// Actions returns the source's advertised dnd action mask.
	Actions() uint32

	// Send asks the client to write the named type. The reader yields the
	// client's data and must be closed by the caller.
	Send(mime string) (io.ReadCloser, error)

	// Target reports which type the destination accepted; nil means none.
	Target(mime *string)

	// Action reports the currently negotiated action.
	Action(action uint32)

	// DropPerformed tells the client the drop happened.
	DropPerformed()

	// Finished tells the client the destination completed the transfer.
	Finished()

	// Cancelled tells the client the drag ended without a drop.
	Cancelled()

	// OnDestroy registers fn to run if the client destroys the source
	// mid-drag. The returned cancel detaches the hook.
	OnDestroy(fn func()) (cancel func())
}

// Offer is the inbound-drag session as one client's wl_data_offer sees it.
// The data-device subsystem forwards the client's requests into these
// methods; requests against an offer from a dead session silently no-op,
// except Finish, which is a protocol error.
type Offer interface {
	// MimeTypes lists the types interned from the Xdnd source.
	MimeTypes() []string

	// SourceActions returns the Xdnd source's action mask and whether the
	// protocol version is new enough (>=3) to advertise it.
	SourceActions() (uint32, bool)

	// Accept records the client's accepted type; nil rejects.
	Accept(serial uint32, mime *string)

	// Receive asks the X source for the named type; the data arrives on f,
	// which the core closes when the transfer completes or fails.
	Receive(mime string, f *os.File)

	// SetActions records the client's supported and preferred actions.
	SetActions(actions, preferred uint32) error

	// Finish completes a dropped session. Calling it out of turn is a
	// client protocol violation and returns a non-nil error the resource
	// layer must post to the client.
	Finish() error
}

// DragSink is one client's wl_data_device as the drag bridges see it:
// pure event delivery, no requests flow back through it.
type DragSink interface {
	Enter(serial uint32, surface Surface, x, y float64, offer Offer)
	Motion(time uint32, x, y float64)
	Leave()
	Drop()
}

// DataDevices hands out drag sinks per seat and client. A client that never
// bound a data device on the named seat yields nil.
type DataDevices interface {
	DragSink(seat string, client ClientID) DragSink
}
