package seat

import (
	"github.com/waybridge/waybridge/internal/comp"
)

// Protocol versions at which wl_pointer semantics change.
const (
	pointerVersionFrame    = 5 // frame, axis_discrete
	pointerVersionValue120 = 8 // axis_value120 replaces axis_discrete
)

// PointerHandler receives the wl_pointer events for one client resource.
// The resource layer marshals these onto the wire; tests record them.
type PointerHandler interface {
	Enter(serial uint32, surface comp.Surface, x, y float64)
	Leave(serial uint32, surface comp.Surface)
	Motion(time uint32, x, y float64)
	Button(serial, time, button uint32, pressed bool)
	Axis(time uint32, horizontal bool, value float64)
	AxisDiscrete(horizontal bool, steps int32)
	AxisValue120(horizontal bool, value int32)
	Frame()
}

// KeyboardHandler receives the wl_keyboard events for one client resource.
type KeyboardHandler interface {
	Enter(serial uint32, surface comp.Surface, keys []uint32)
	Leave(serial uint32, surface comp.Surface)
	Key(serial, time, key uint32, pressed bool)
	Modifiers(serial, depressed, latched, locked, group uint32)
	RepeatInfo(rate, delay int32)
}

// RelativePointerHandler receives zwp_relative_pointer_v1 events.
type RelativePointerHandler interface {
	RelativeMotion(utime uint64, dx, dy, dxUnaccel, dyUnaccel float64)
}

// PinchHandler receives zwp_pointer_gesture_pinch_v1 events.
type PinchHandler interface {
	Begin(serial, time uint32, surface comp.Surface, fingers uint32)
	Update(time uint32, dx, dy, scale, rotation float64)
	End(serial, time uint32, cancelled bool)
}

// SwipeHandler receives zwp_pointer_gesture_swipe_v1 events.
type SwipeHandler interface {
	Begin(serial, time uint32, surface comp.Surface, fingers uint32)
	Update(time uint32, dx, dy float64)
	End(serial, time uint32, cancelled bool)
}

// Pointer links one client's wl_pointer resource to its seat.
type Pointer struct {
	info    *ClientInfo
	handler PointerHandler
	version uint32
}

// Keyboard links one client's wl_keyboard resource to its seat.
type Keyboard struct {
	info    *ClientInfo
	handler KeyboardHandler
	version uint32
}

// RelativePointer links a zwp_relative_pointer_v1 resource to its seat.
type RelativePointer struct {
	info    *ClientInfo
	handler RelativePointerHandler
}

// PinchGesture links a zwp_pointer_gesture_pinch_v1 resource to its seat.
type PinchGesture struct {
	info    *ClientInfo
	handler PinchHandler
}

// SwipeGesture links a zwp_pointer_gesture_swipe_v1 resource to its seat.
type SwipeGesture struct {
	info    *ClientInfo
	handler SwipeHandler
}

// ClientInfo bundles every resource one client holds on one seat. It lives
// exactly as long as at least one resource references it.
type ClientInfo struct {
	seat   *Seat
	client comp.ClientID
	refs   int

	pointers  []*Pointer
	keyboards []*Keyboard
	relatives []*RelativePointer
	pinches   []*PinchGesture
	swipes    []*SwipeGesture
}

// clientInfo returns the bundle for a client, creating it on first use.
func (s *Seat) clientInfo(client comp.ClientID) *ClientInfo {
	if info, ok := s.clients[client]; ok {
		return info
	}
	info := &ClientInfo{seat: s, client: client}
	s.clients[client] = info
	return info
}

func (info *ClientInfo) ref() {
	info.refs++
}

func (info *ClientInfo) unref() {
	info.refs--
	if info.refs == 0 {
		delete(info.seat.clients, info.client)
	}
}

// NewPointer attaches a wl_pointer resource for the given client.
func (s *Seat) NewPointer(client comp.ClientID, version uint32, handler PointerHandler) *Pointer {
	info := s.clientInfo(client)
	p := &Pointer{info: info, handler: handler, version: version}
	info.pointers = append(info.pointers, p)
	info.ref()
	// A client that binds its first pointer while already entered gets an
	// immediate enter so its view of the seat is consistent.
	if s.entered != nil && s.entered.Client() == client && s.drag == nil {
		serial := s.serials.Next()
		s.lastEnterSerial = serial
		x, y := s.entered.FromRoot(s.pointerRootX, s.pointerRootY)
		p.handler.Enter(serial, s.entered, x, y)
		p.frame()
	}
	return p
}

// Destroy detaches the resource from the seat.
func (p *Pointer) Destroy() {
	p.info.pointers = removeResource(p.info.pointers, p)
	p.info.unref()
}

func (p *Pointer) frame() {
	if p.version >= pointerVersionFrame {
		p.handler.Frame()
	}
}

// NewKeyboard attaches a wl_keyboard resource for the given client.
func (s *Seat) NewKeyboard(client comp.ClientID, version uint32, handler KeyboardHandler) *Keyboard {
	info := s.clientInfo(client)
	k := &Keyboard{info: info, handler: handler, version: version}
	info.keyboards = append(info.keyboards, k)
	info.ref()
	k.handler.RepeatInfo(s.repeatRate, s.repeatDelay)
	if s.focus != nil && s.focus.Client() == client {
		serial := s.serials.Next()
		k.handler.Enter(serial, s.focus, append([]uint32(nil), s.keysDown...))
		k.handler.Modifiers(serial, s.mods.depressed, s.mods.latched, s.mods.locked, s.mods.group)
	}
	return k
}

// Destroy detaches the resource from the seat.
func (k *Keyboard) Destroy() {
	k.info.keyboards = removeResource(k.info.keyboards, k)
	k.info.unref()
}

// NewRelativePointer attaches a relative pointer resource.
func (s *Seat) NewRelativePointer(client comp.ClientID, handler RelativePointerHandler) *RelativePointer {
	info := s.clientInfo(client)
	r := &RelativePointer{info: info, handler: handler}
	info.relatives = append(info.relatives, r)
	info.ref()
	return r
}

// Destroy detaches the resource from the seat.
func (r *RelativePointer) Destroy() {
	r.info.relatives = removeResource(r.info.relatives, r)
	r.info.unref()
}

// NewPinchGesture attaches a pinch gesture resource.
func (s *Seat) NewPinchGesture(client comp.ClientID, handler PinchHandler) *PinchGesture {
	info := s.clientInfo(client)
	g := &PinchGesture{info: info, handler: handler}
	info.pinches = append(info.pinches, g)
	info.ref()
	return g
}

// Destroy detaches the resource from the seat.
func (g *PinchGesture) Destroy() {
	g.info.pinches = removeResource(g.info.pinches, g)
	g.info.unref()
}

// NewSwipeGesture attaches a swipe gesture resource.
func (s *Seat) NewSwipeGesture(client comp.ClientID, handler SwipeHandler) *SwipeGesture {
	info := s.clientInfo(client)
	g := &SwipeGesture{info: info, handler: handler}
	info.swipes = append(info.swipes, g)
	info.ref()
	return g
}

// Destroy detaches the resource from the seat.
func (g *SwipeGesture) Destroy() {
	g.info.swipes = removeResource(g.info.swipes, g)
	g.info.unref()
}

// removeResource removes the first occurrence of v from list, preserving
// order, without invalidating other live references.
func removeResource[T comparable](list []T, v T) []T {
	for i, x := range list {
		if x == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// forEachPointer runs fn over every pointer resource a client holds.
func (s *Seat) forEachPointer(client comp.ClientID, fn func(*Pointer)) bool {
	info, ok := s.clients[client]
	if !ok || len(info.pointers) == 0 {
		return false
	}
	for _, p := range append([]*Pointer(nil), info.pointers...) {
		fn(p)
	}
	return true
}

// forEachKeyboard runs fn over every keyboard resource a client holds.
func (s *Seat) forEachKeyboard(client comp.ClientID, fn func(*Keyboard)) bool {
	info, ok := s.clients[client]
	if !ok || len(info.keyboards) == 0 {
		return false
	}
	for _, k := range append([]*Keyboard(nil), info.keyboards...) {
		fn(k)
	}
	return true
}
