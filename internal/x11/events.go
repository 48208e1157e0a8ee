package x11

import (
	"math/bits"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/shape"
	"github.com/BurntSushi/xgb/xinput"
	"github.com/BurntSushi/xgb/xproto"
)

// Event is the decoded form of every X event the dispatch core consumes.
// Raw xgb events are translated exactly once, at the edge, so the seat and
// drag-and-drop state machines switch over a closed set of Go types instead
// of a type tag embedded in a union.
type Event interface {
	isEvent()
}

// Modifiers mirrors the XI2 modifier info carried on input events.
type Modifiers struct {
	Base, Latched, Locked, Effective uint32
}

// Group mirrors the XI2 keyboard group info carried on input events.
type Group struct {
	Base, Latched, Locked, Effective uint8
}

// ButtonMask is the set of logical buttons held at the time of an event,
// as delivered by the server (bit N set = button N held; bit 0 unused).
type ButtonMask []uint32

// Held reports whether the given button is down.
func (m ButtonMask) Held(button uint32) bool {
	word := button / 32
	if int(word) >= len(m) {
		return false
	}
	return m[word]&(1<<(button%32)) != 0
}

// Count returns the number of buttons held.
func (m ButtonMask) Count() int {
	n := 0
	for _, w := range m {
		n += bits.OnesCount32(w)
	}
	return n
}

// Pointer carries the fields shared by button and motion events.
type Pointer struct {
	Device, Source DeviceID
	Time           xproto.Timestamp
	Button         uint32
	Root, Window   xproto.Window
	Child          xproto.Window
	RootX, RootY   float64
	EventX, EventY float64
	Flags          uint32
	Mods           Modifiers
	Group          Group
	Buttons        ButtonMask
	Valuators      map[uint16]float64
}

type ButtonPress struct{ Pointer }
type ButtonRelease struct{ Pointer }
type Motion struct{ Pointer }

// Key carries the fields shared by key press and release events.
type Key struct {
	Device, Source DeviceID
	Time           xproto.Timestamp
	Keycode        uint32
	Root, Window   xproto.Window
	Mods           Modifiers
	Group          Group
	Repeat         bool
}

type KeyPress struct{ Key }
type KeyRelease struct{ Key }

// Crossing carries the fields shared by enter/leave and focus events.
type Crossing struct {
	Device         DeviceID
	Time           xproto.Timestamp
	Mode, Detail   uint8
	Root, Window   xproto.Window
	Child          xproto.Window
	RootX, RootY   float64
	EventX, EventY float64
	Focus          bool
	Mods           Modifiers
	Group          Group
	Buttons        ButtonMask
}

type Enter struct{ Crossing }
type Leave struct{ Crossing }
type FocusIn struct{ Crossing }
type FocusOut struct{ Crossing }

// RawButtonRelease is delivered regardless of grabs; the resize/move
// controller uses it to detect the end of a WM-delegated operation.
type RawButtonRelease struct {
	Device DeviceID
	Time   xproto.Timestamp
	Button uint32
}

// RawMotion carries unaccelerated per-axis deltas for relative pointers.
type RawMotion struct {
	Device DeviceID
	Time   xproto.Timestamp
	Deltas map[uint16]float64
}

// HierarchyInfo describes one device in a hierarchy change.
type HierarchyInfo struct {
	Device     DeviceID
	Attachment DeviceID
	Type       uint8
	Enabled    bool
	Flags      uint32
}

// HierarchyChanged reports master/slave device hotplug.
type HierarchyChanged struct {
	Time  xproto.Timestamp
	Flags uint32
	Infos []HierarchyInfo
}

// ScrollClass describes one scroll axis of a pointer device.
type ScrollClass struct {
	Number      uint16
	Horizontal  bool
	Increment   float64
	NoEmulation bool
}

// DeviceChanged reports that a device's classes changed, typically on
// slave switch; carries the re-parsed scroll axes.
type DeviceChanged struct {
	Device  DeviceID
	Source  DeviceID
	Time    xproto.Timestamp
	Scrolls []ScrollClass
}

// Window structure events, relayed into the drag-and-drop window cache.

type WindowCreated struct {
	Parent, Window   xproto.Window
	X, Y             int16
	Width, Height    uint16
	BorderWidth      uint16
	OverrideRedirect bool
}

type WindowDestroyed struct {
	Window xproto.Window
}

type WindowConfigured struct {
	Window, AboveSibling xproto.Window
	X, Y                 int16
	Width, Height        uint16
	BorderWidth          uint16
	OverrideRedirect     bool
}

type WindowReparented struct {
	Window, Parent xproto.Window
	X, Y           int16
}

type WindowCirculated struct {
	Window xproto.Window
	OnTop  bool
}

type WindowMapped struct {
	Window xproto.Window
}

type WindowUnmapped struct {
	Window xproto.Window
}

type PropertyChanged struct {
	Window  xproto.Window
	Atom    xproto.Atom
	Time    xproto.Timestamp
	Deleted bool
}

type ShapeChanged struct {
	Window xproto.Window
	Kind   uint8
	Shaped bool
}

// ClientMessage is a 32-bit format client message, the Xdnd transport.
type ClientMessage struct {
	Window xproto.Window
	Type   xproto.Atom
	Data   [5]uint32
}

type SelectionNotify struct {
	Time      xproto.Timestamp
	Requestor xproto.Window
	Selection xproto.Atom
	Target    xproto.Atom
	Property  xproto.Atom
}

type SelectionRequest struct {
	Time      xproto.Timestamp
	Owner     xproto.Window
	Requestor xproto.Window
	Selection xproto.Atom
	Target    xproto.Atom
	Property  xproto.Atom
}

type SelectionClear struct {
	Time      xproto.Timestamp
	Owner     xproto.Window
	Selection xproto.Atom
}

func (ButtonPress) isEvent()      {}
func (ButtonRelease) isEvent()    {}
func (Motion) isEvent()           {}
func (KeyPress) isEvent()         {}
func (KeyRelease) isEvent()       {}
func (Enter) isEvent()            {}
func (Leave) isEvent()            {}
func (FocusIn) isEvent()          {}
func (FocusOut) isEvent()         {}
func (RawButtonRelease) isEvent() {}
func (RawMotion) isEvent()        {}
func (HierarchyChanged) isEvent() {}
func (DeviceChanged) isEvent()    {}
func (WindowCreated) isEvent()    {}
func (WindowDestroyed) isEvent()  {}
func (WindowConfigured) isEvent() {}
func (WindowReparented) isEvent() {}
func (WindowCirculated) isEvent() {}
func (WindowMapped) isEvent()     {}
func (WindowUnmapped) isEvent()   {}
func (PropertyChanged) isEvent()  {}
func (ShapeChanged) isEvent()     {}
func (ClientMessage) isEvent()    {}
func (SelectionNotify) isEvent()  {}
func (SelectionRequest) isEvent() {}
func (SelectionClear) isEvent()   {}

// fp1616 converts an XI2 16.16 fixed-point value to float64.
func fp1616(v xinput.Fp1616) float64 {
	return float64(v) / 65536
}

// fp3232 converts an XI2 32.32 fixed-point value to float64.
func fp3232(v xinput.Fp3232) float64 {
	return float64(v.Integral) + float64(v.Frac)/4294967296
}

// valuatorValues expands a valuator mask plus packed axis values into an
// axis-number keyed map.
func valuatorValues(mask []uint32, values []xinput.Fp3232) map[uint16]float64 {
	if len(mask) == 0 {
		return nil
	}
	out := make(map[uint16]float64)
	i := 0
	for word, bitsWord := range mask {
		for bit := 0; bit < 32; bit++ {
			if bitsWord&(1<<bit) == 0 {
				continue
			}
			if i >= len(values) {
				return out
			}
			out[uint16(word*32+bit)] = fp3232(values[i])
			i++
		}
	}
	return out
}

func modifiers(m xinput.ModifierInfo) Modifiers {
	return Modifiers{Base: m.Base, Latched: m.Latched, Locked: m.Locked, Effective: m.Effective}
}

func group(g xinput.GroupInfo) Group {
	return Group{Base: g.Base, Latched: g.Latched, Locked: g.Locked, Effective: g.Effective}
}

// Decode translates a raw xgb event into the dispatch event union. Events
// the core does not consume decode to nil.
func Decode(raw xgb.Event) Event {
	switch e := raw.(type) {
	case xinput.ButtonPressEvent:
		return ButtonPress{decodePointer(xinput.MotionEvent(e))}
	case xinput.ButtonReleaseEvent:
		return ButtonRelease{decodePointer(xinput.MotionEvent(e))}
	case xinput.MotionEvent:
		return Motion{decodePointer(e)}
	case xinput.KeyPressEvent:
		return KeyPress{decodeKey(e.Deviceid, e.Sourceid, e.Time, e.Detail, e.Root, e.Event, e.Mods, e.Group, e.Flags)}
	case xinput.KeyReleaseEvent:
		return KeyRelease{decodeKey(e.Deviceid, e.Sourceid, e.Time, e.Detail, e.Root, e.Event, e.Mods, e.Group, e.Flags)}
	case xinput.EnterEvent:
		return Enter{decodeCrossing(e)}
	case xinput.LeaveEvent:
		return Leave{decodeCrossing(xinput.EnterEvent(e))}
	case xinput.FocusInEvent:
		return FocusIn{decodeCrossing(xinput.EnterEvent(e))}
	case xinput.FocusOutEvent:
		return FocusOut{decodeCrossing(xinput.EnterEvent(e))}
	case xinput.RawButtonReleaseEvent:
		return RawButtonRelease{
			Device: DeviceID(e.Deviceid),
			Time:   e.Time,
			Button: e.Detail,
		}
	case xinput.RawMotionEvent:
		return RawMotion{
			Device: DeviceID(e.Deviceid),
			Time:   e.Time,
			Deltas: valuatorValues(e.ValuatorMask, e.Axisvalues),
		}
	case xinput.HierarchyEvent:
		infos := make([]HierarchyInfo, 0, len(e.Infos))
		for _, info := range e.Infos {
			infos = append(infos, HierarchyInfo{
				Device:     DeviceID(info.Deviceid),
				Attachment: DeviceID(info.Attachment),
				Type:       info.Type,
				Enabled:    info.Enabled,
				Flags:      info.Flags,
			})
		}
		return HierarchyChanged{Time: e.Time, Flags: e.Flags, Infos: infos}
	case xinput.DeviceChangedEvent:
		return DeviceChanged{
			Device:  DeviceID(e.Deviceid),
			Source:  DeviceID(e.Sourceid),
			Time:    e.Time,
			Scrolls: scrollClasses(e.Classes),
		}
	case xproto.CreateNotifyEvent:
		return WindowCreated{
			Parent: e.Parent, Window: e.Window,
			X: e.X, Y: e.Y, Width: e.Width, Height: e.Height,
			BorderWidth:      e.BorderWidth,
			OverrideRedirect: e.OverrideRedirect,
		}
	case xproto.DestroyNotifyEvent:
		return WindowDestroyed{Window: e.Window}
	case xproto.ConfigureNotifyEvent:
		return WindowConfigured{
			Window: e.Window, AboveSibling: e.AboveSibling,
			X: e.X, Y: e.Y, Width: e.Width, Height: e.Height,
			BorderWidth:      e.BorderWidth,
			OverrideRedirect: e.OverrideRedirect,
		}
	case xproto.ReparentNotifyEvent:
		return WindowReparented{Window: e.Window, Parent: e.Parent, X: e.X, Y: e.Y}
	case xproto.CirculateNotifyEvent:
		return WindowCirculated{Window: e.Window, OnTop: e.Place == xproto.PlaceOnTop}
	case xproto.MapNotifyEvent:
		return WindowMapped{Window: e.Window}
	case xproto.UnmapNotifyEvent:
		return WindowUnmapped{Window: e.Window}
	case xproto.PropertyNotifyEvent:
		return PropertyChanged{
			Window: e.Window, Atom: e.Atom, Time: e.Time,
			Deleted: e.State == xproto.PropertyDelete,
		}
	case shape.NotifyEvent:
		return ShapeChanged{
			Window: e.AffectedWindow,
			Kind:   uint8(e.ShapeKind),
			Shaped: e.Shaped,
		}
	case xproto.ClientMessageEvent:
		if e.Format != 32 {
			return nil
		}
		var data [5]uint32
		copy(data[:], e.Data.Data32)
		return ClientMessage{Window: e.Window, Type: e.Type, Data: data}
	case xproto.SelectionNotifyEvent:
		return SelectionNotify{
			Time: e.Time, Requestor: e.Requestor,
			Selection: e.Selection, Target: e.Target, Property: e.Property,
		}
	case xproto.SelectionRequestEvent:
		return SelectionRequest{
			Time: e.Time, Owner: e.Owner, Requestor: e.Requestor,
			Selection: e.Selection, Target: e.Target, Property: e.Property,
		}
	case xproto.SelectionClearEvent:
		return SelectionClear{Time: e.Time, Owner: e.Owner, Selection: e.Selection}
	}
	return nil
}

func decodePointer(e xinput.MotionEvent) Pointer {
	return Pointer{
		Device: DeviceID(e.Deviceid),
		Source: DeviceID(e.Sourceid),
		Time:   e.Time,
		Button: e.Detail,
		Root:   e.Root, Window: e.Event, Child: e.Child,
		RootX: fp1616(e.RootX), RootY: fp1616(e.RootY),
		EventX: fp1616(e.EventX), EventY: fp1616(e.EventY),
		Flags:     e.Flags,
		Mods:      modifiers(e.Mods),
		Group:     group(e.Group),
		Buttons:   ButtonMask(e.ButtonMask),
		Valuators: valuatorValues(e.ValuatorMask, e.Axisvalues),
	}
}

func decodeKey(dev, src xinput.DeviceId, t xproto.Timestamp, detail uint32,
	root, event xproto.Window, mods xinput.ModifierInfo, grp xinput.GroupInfo, flags uint32) Key {
	return Key{
		Device:  DeviceID(dev),
		Source:  DeviceID(src),
		Time:    t,
		Keycode: detail,
		Root:    root, Window: event,
		Mods:   modifiers(mods),
		Group:  group(grp),
		Repeat: flags&xinput.KeyEventFlagsKeyRepeat != 0,
	}
}

func decodeCrossing(e xinput.EnterEvent) Crossing {
	return Crossing{
		Device: DeviceID(e.Deviceid),
		Time:   e.Time,
		Mode:   e.Mode, Detail: e.Detail,
		Root: e.Root, Window: e.Event, Child: e.Child,
		RootX: fp1616(e.RootX), RootY: fp1616(e.RootY),
		EventX: fp1616(e.EventX), EventY: fp1616(e.EventY),
		Focus:   e.Focus,
		Mods:    modifiers(e.Mods),
		Group:   group(e.Group),
		Buttons: ButtonMask(e.Buttons),
	}
}
