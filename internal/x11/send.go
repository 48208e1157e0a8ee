package x11

import (
	"fmt"

	"github.com/BurntSushi/xgb/xinput"
	"github.com/BurntSushi/xgb/xproto"
)

// SendClientMessage32 delivers a 32-bit format client message to dest,
// addressed to win. Xdnd messages travel this way with an empty event mask.
func (c *Conn) SendClientMessage32(dest, win xproto.Window, typ xproto.Atom, data [5]uint32) error {
	ev := xproto.ClientMessageEvent{
		Format: 32,
		Window: win,
		Type:   typ,
		Data:   xproto.ClientMessageDataUnionData32New(data[:]),
	}
	return gone(xproto.SendEventChecked(c.X, false, dest,
		xproto.EventMaskNoEvent, string(ev.Bytes())).Check())
}

// SendRootMessage delivers a client message to the root window with the
// substructure redirect mask, the addressing window managers listen on.
func (c *Conn) SendRootMessage(win xproto.Window, typ xproto.Atom, data [5]uint32) error {
	ev := xproto.ClientMessageEvent{
		Format: 32,
		Window: win,
		Type:   typ,
		Data:   xproto.ClientMessageDataUnionData32New(data[:]),
	}
	return gone(xproto.SendEventChecked(c.X, false, c.root,
		xproto.EventMaskSubstructureNotify|xproto.EventMaskSubstructureRedirect,
		string(ev.Bytes())).Check())
}

// GrabPointerDevice actively grabs a master pointer. This is the only
// synchronous round trip in the dispatch path; it is used by the built-in
// resize fallback and nowhere else.
func (c *Conn) GrabPointerDevice(dev DeviceID, win xproto.Window, time xproto.Timestamp, ownerEvents bool) error {
	owner := byte(xinput.GrabOwnerNoOwner)
	if ownerEvents {
		owner = xinput.GrabOwnerOwner
	}
	mask := []uint32{
		xinput.XIEventMaskButtonPress |
			xinput.XIEventMaskButtonRelease |
			xinput.XIEventMaskMotion,
	}
	reply, err := xinput.XIGrabDevice(c.X, win, time, xproto.Cursor(xproto.CursorNone),
		xinput.DeviceId(dev), xinput.GrabMode22Async, xinput.GrabMode22Async,
		owner, uint16(len(mask)), mask).Reply()
	if err != nil {
		return gone(err)
	}
	if reply.Status != xproto.GrabStatusSuccess {
		return fmt.Errorf("x11: device grab refused with status %d", reply.Status)
	}
	return nil
}

// UngrabPointerDevice releases an active device grab.
func (c *Conn) UngrabPointerDevice(dev DeviceID, time xproto.Timestamp) error {
	return gone(xinput.XIUngrabDeviceChecked(c.X, time, xinput.DeviceId(dev)).Check())
}

// ConfigureWindow moves and resizes a window.
func (c *Conn) ConfigureWindow(win xproto.Window, x, y int, width, height uint) error {
	return gone(xproto.ConfigureWindowChecked(c.X, win,
		xproto.ConfigWindowX|xproto.ConfigWindowY|
			xproto.ConfigWindowWidth|xproto.ConfigWindowHeight,
		[]uint32{uint32(x), uint32(y), uint32(width), uint32(height)}).Check())
}

// MoveWindow moves a window without resizing it.
func (c *Conn) MoveWindow(win xproto.Window, x, y int) error {
	return gone(xproto.ConfigureWindowChecked(c.X, win,
		xproto.ConfigWindowX|xproto.ConfigWindowY,
		[]uint32{uint32(x), uint32(y)}).Check())
}

// SetSelectionOwner claims a selection for the given window.
func (c *Conn) SetSelectionOwner(win xproto.Window, selection xproto.Atom, time xproto.Timestamp) error {
	return gone(xproto.SetSelectionOwnerChecked(c.X, win, selection, time).Check())
}

// ConvertSelection asks the selection owner to deliver the named target
// into a property on our window.
func (c *Conn) ConvertSelection(requestor xproto.Window, selection, target, property xproto.Atom, time xproto.Timestamp) error {
	return gone(xproto.ConvertSelectionChecked(c.X, requestor, selection, target, property, time).Check())
}

// SendSelectionNotify reports the outcome of a selection request back to
// the requestor. property is None when the conversion was refused.
func (c *Conn) SendSelectionNotify(req SelectionRequest, property xproto.Atom) error {
	ev := xproto.SelectionNotifyEvent{
		Time:      req.Time,
		Requestor: req.Requestor,
		Selection: req.Selection,
		Target:    req.Target,
		Property:  property,
	}
	return gone(xproto.SendEventChecked(c.X, false, req.Requestor,
		xproto.EventMaskNoEvent, string(ev.Bytes())).Check())
}

// ChangeProperty32 replaces a 32-bit format property.
func (c *Conn) ChangeProperty32(win xproto.Window, prop, typ xproto.Atom, values []uint32) error {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		data[4*i] = byte(v)
		data[4*i+1] = byte(v >> 8)
		data[4*i+2] = byte(v >> 16)
		data[4*i+3] = byte(v >> 24)
	}
	return gone(xproto.ChangePropertyChecked(c.X, xproto.PropModeReplace,
		win, prop, typ, 32, uint32(len(values)), data).Check())
}

// ChangeProperty8 replaces an 8-bit format property.
func (c *Conn) ChangeProperty8(win xproto.Window, prop, typ xproto.Atom, data []byte) error {
	return gone(xproto.ChangePropertyChecked(c.X, xproto.PropModeReplace,
		win, prop, typ, 8, uint32(len(data)), data).Check())
}

// DeleteProperty removes a property.
func (c *Conn) DeleteProperty(win xproto.Window, prop xproto.Atom) error {
	return gone(xproto.DeletePropertyChecked(c.X, win, prop).Check())
}

// DefineCursor resets a window's cursor; None reverts to the parent's.
func (c *Conn) DefineCursor(win xproto.Window, cursor xproto.Cursor) error {
	return gone(xproto.ChangeWindowAttributesChecked(c.X, win,
		xproto.CwCursor, []uint32{uint32(cursor)}).Check())
}
