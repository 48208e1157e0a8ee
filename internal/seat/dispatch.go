package seat

import (
	"github.com/BurntSushi/xgb/xproto"

	"github.com/waybridge/waybridge/internal/comp"
	"github.com/waybridge/waybridge/internal/x11"
)

// X core button numbers map to the evdev codes wl_pointer speaks.
const (
	btnLeft   = 0x110
	btnRight  = 0x111
	btnMiddle = 0x112
	btnSide   = 0x113
	btnExtra  = 0x114
)

// pointerEmulated is the XI2 flag marking button/motion events synthesized
// from smooth scrolling; those must never reach clients as buttons.
const pointerEmulated = 1 << 16

// evdev keycodes sit 8 below X keycodes.
const keycodeOffset = 8

func buttonCode(xbutton uint32) (uint32, bool) {
	switch xbutton {
	case 1:
		return btnLeft, true
	case 2:
		return btnMiddle, true
	case 3:
		return btnRight, true
	case 4, 5, 6, 7:
		// Legacy wheel buttons; scrolling arrives through valuators.
		return 0, false
	case 8:
		return btnSide, true
	case 9:
		return btnExtra, true
	default:
		if xbutton > 9 {
			return btnSide + (xbutton - 8), true
		}
		return 0, false
	}
}

// surfaceAt resolves the event window plus root coordinates to the view
// that should receive input.
func (s *Seat) surfaceAt(win xproto.Window, rootX, rootY float64) comp.Surface {
	base := s.surfaces.SurfaceForWindow(win)
	if base == nil {
		return nil
	}
	x, y := base.FromRoot(rootX, rootY)
	if v := base.HitView(x, y); v != nil {
		return v
	}
	return base
}

// HandleMotion dispatches a pointer motion event: entered-surface upkeep,
// motion delivery, and valuator-to-scroll translation, all inside a single
// frame per resource.
func (s *Seat) HandleMotion(ev x11.Motion) {
	s.notePointer(ev.Pointer)

	if s.resize != nil && s.resize.builtin {
		s.resizeMotion(ev.RootX, ev.RootY)
		return
	}
	if s.drag != nil {
		s.drag.Motion(ev.Time, ev.RootX, ev.RootY)
		return
	}

	if s.grabHeld == 0 {
		s.setEntered(s.dispatchTarget(s.surfaceAt(ev.Window, ev.RootX, ev.RootY)),
			ev.RootX, ev.RootY, false)
	}
	target := s.entered
	if target == nil {
		return
	}

	deltas := s.scrollDeltas(ev.Valuators)
	x, y := target.FromRoot(ev.RootX, ev.RootY)
	s.forEachPointer(target.Client(), func(p *Pointer) {
		p.handler.Motion(uint32(ev.Time), x, y)
		for _, d := range deltas {
			sendScroll(p, uint32(ev.Time), d)
		}
		p.frame()
	})
}

// HandleButtonPress dispatches a press: it allocates the serial later
// validated by move/resize/drag requests and deepens the implicit grab.
func (s *Seat) HandleButtonPress(ev x11.ButtonPress) {
	s.notePointer(ev.Pointer)
	if ev.Flags&pointerEmulated != 0 {
		return
	}
	if s.resize != nil && s.resize.builtin {
		return
	}
	if s.drag != nil {
		return
	}

	if s.grabHeld == 0 {
		s.setEntered(s.dispatchTarget(s.surfaceAt(ev.Window, ev.RootX, ev.RootY)),
			ev.RootX, ev.RootY, false)
	}
	// The press locks dispatch to the entered surface until the matching
	// outermost release.
	s.grabHeld++

	target := s.entered
	if target == nil {
		return
	}
	code, ok := buttonCode(ev.Button)
	if !ok {
		return
	}
	serial := s.serials.Next()
	s.lastButtonSerial = serial
	s.lastButton = ev.Button
	s.forEachPointer(target.Client(), func(p *Pointer) {
		p.handler.Button(serial, uint32(ev.Time), code, true)
		p.frame()
	})
}

// HandleButtonRelease dispatches a release, unwinding the implicit grab
// and re-evaluating the surface under the pointer when the outermost
// release lands.
func (s *Seat) HandleButtonRelease(ev x11.ButtonRelease) {
	s.notePointer(ev.Pointer)
	if ev.Flags&pointerEmulated != 0 {
		return
	}

	if s.resize != nil && s.resize.builtin && ev.Button == s.resize.button {
		s.finishResize()
		s.reevaluateEntered()
		return
	}
	if s.drag != nil {
		// The session decides what the release means (drop or not); the
		// implicit grab still unwinds, but re-evaluation waits until the
		// session detaches.
		s.drag.ButtonReleased(ev.Time, ev.Button, ev.Buttons)
		if s.grabHeld > 0 {
			s.grabHeld--
		}
		if s.drag == nil && s.grabHeld == 0 {
			// The release ended the session inside the callback, while
			// SetDrag still saw the grab held; converge here instead.
			s.reevaluateEntered()
		}
		return
	}

	target := s.entered
	if target != nil {
		if code, ok := buttonCode(ev.Button); ok {
			serial := s.serials.Next()
			s.forEachPointer(target.Client(), func(p *Pointer) {
				p.handler.Button(serial, uint32(ev.Time), code, false)
				p.frame()
			})
		}
	}

	if s.grabHeld > 0 {
		s.grabHeld--
		if s.grabHeld == 0 {
			s.reevaluateEntered()
		}
	}
}

// HandleEnter processes a pointer crossing into one of our windows.
func (s *Seat) HandleEnter(ev x11.Enter) {
	s.crossingSerial++
	s.notePointerCrossing(ev.Crossing)
	if s.drag != nil {
		s.drag.Motion(ev.Time, ev.RootX, ev.RootY)
		return
	}
	if s.grabHeld > 0 {
		return
	}
	s.setEntered(s.dispatchTarget(s.surfaceAt(ev.Window, ev.RootX, ev.RootY)),
		ev.RootX, ev.RootY, false)
}

// HandleLeave processes a pointer crossing out of one of our windows.
func (s *Seat) HandleLeave(ev x11.Leave) {
	s.notePointerCrossing(ev.Crossing)
	if s.drag != nil {
		return
	}
	if s.grabHeld > 0 {
		return
	}
	if s.entered != nil && s.entered.XWindow() != ev.Window {
		return
	}
	s.setEntered(s.dispatchTarget(nil), ev.RootX, ev.RootY, false)
}

// HandleKeyPress dispatches a key press to the focused client.
func (s *Seat) HandleKeyPress(ev x11.KeyPress) {
	s.noteModifiers(ev.Mods, ev.Group)
	if ev.Repeat {
		// Clients repeat locally from repeat_info.
		return
	}
	s.pressKey(ev.Keycode)
	serial := s.serials.Next()
	s.lastKeySerial = serial
	if s.focus == nil {
		return
	}
	s.forEachKeyboard(s.focus.Client(), func(k *Keyboard) {
		k.handler.Key(serial, uint32(ev.Time), ev.Keycode-keycodeOffset, true)
	})
}

// HandleKeyRelease dispatches a key release to the focused client.
func (s *Seat) HandleKeyRelease(ev x11.KeyRelease) {
	s.noteModifiers(ev.Mods, ev.Group)
	if !s.releaseKey(ev.Keycode) {
		// Release without a matching press (e.g. focus moved in while
		// the key was held); the enter already reported it.
		return
	}
	serial := s.serials.Next()
	if s.focus == nil {
		return
	}
	s.forEachKeyboard(s.focus.Client(), func(k *Keyboard) {
		k.handler.Key(serial, uint32(ev.Time), ev.Keycode-keycodeOffset, false)
	})
}

// HandleFocusIn moves keyboard focus to the surface backing the window.
func (s *Seat) HandleFocusIn(ev x11.FocusIn) {
	s.setFocus(s.surfaces.SurfaceForWindow(ev.Window))
}

// HandleFocusOut clears focus if the window losing it still holds it.
func (s *Seat) HandleFocusOut(ev x11.FocusOut) {
	if s.focus != nil && s.focus.XWindow() == ev.Window {
		s.setFocus(nil)
	}
}

// noteModifiers folds the modifier and group state an XI2 event carries
// into the seat, reporting transitions to the focused client. Every device
// event repeats the full state, so no separate Xkb subscription is needed.
func (s *Seat) noteModifiers(mods x11.Modifiers, grp x11.Group) {
	next := modState{
		depressed: mods.Base,
		latched:   mods.Latched,
		locked:    mods.Locked,
		group:     uint32(grp.Effective),
	}
	if next == s.mods {
		return
	}
	s.mods = next
	if s.focus == nil {
		return
	}
	serial := s.serials.Next()
	s.forEachKeyboard(s.focus.Client(), func(k *Keyboard) {
		k.handler.Modifiers(serial, s.mods.depressed, s.mods.latched, s.mods.locked, s.mods.group)
	})
}

// HandleDeviceChanged refreshes scroll valuators when the active slave
// behind the master pointer switches.
func (s *Seat) HandleDeviceChanged(ev x11.DeviceChanged) {
	if ev.Device != s.pointerID {
		return
	}
	s.reloadScrolls(ev.Scrolls)
}

// HandleRawButtonRelease finishes a window-manager-delegated move/resize;
// the WM holds the grab during those, so the matching release is only
// observable raw.
func (s *Seat) HandleRawButtonRelease(ev x11.RawButtonRelease) {
	if s.resize == nil || s.resize.builtin || ev.Button != s.resize.button {
		return
	}
	s.finishResize()
	s.reevaluateEntered()
}

// HandleRawMotion feeds relative pointer deltas to the entered client.
func (s *Seat) HandleRawMotion(ev x11.RawMotion) {
	if s.entered == nil {
		return
	}
	dx := ev.Deltas[0]
	dy := ev.Deltas[1]
	if dx == 0 && dy == 0 {
		return
	}
	info, ok := s.clients[s.entered.Client()]
	if !ok {
		return
	}
	utime := uint64(ev.Time) * 1000
	for _, r := range info.relatives {
		r.handler.RelativeMotion(utime, dx, dy, dx, dy)
	}
}

// Pinch and swipe gesture entry points. The XI 2.3 bindings carry no
// gesture events, so these are driven by the dispatch loop only when the
// server and bindings grow XI 2.4 support; the cancel-on-leave semantics
// above are live regardless.

func (s *Seat) PinchBegin(time xproto.Timestamp, fingers uint32) {
	if s.entered == nil {
		return
	}
	s.activePinch = &gestureState{surface: s.entered, fingers: fingers}
	serial := s.serials.Next()
	if info, ok := s.clients[s.entered.Client()]; ok {
		for _, g := range info.pinches {
			g.handler.Begin(serial, uint32(time), s.entered, fingers)
		}
	}
}

func (s *Seat) PinchUpdate(time xproto.Timestamp, dx, dy, scale, rotation float64) {
	if s.activePinch == nil {
		return
	}
	if info, ok := s.clients[s.activePinch.surface.Client()]; ok {
		for _, g := range info.pinches {
			g.handler.Update(uint32(time), dx, dy, scale, rotation)
		}
	}
}

func (s *Seat) PinchEnd(time xproto.Timestamp, cancelled bool) {
	if s.activePinch == nil {
		return
	}
	serial := s.serials.Next()
	if info, ok := s.clients[s.activePinch.surface.Client()]; ok {
		for _, g := range info.pinches {
			g.handler.End(serial, uint32(time), cancelled)
		}
	}
	s.activePinch = nil
}

func (s *Seat) SwipeBegin(time xproto.Timestamp, fingers uint32) {
	if s.entered == nil {
		return
	}
	s.activeSwipe = &gestureState{surface: s.entered, fingers: fingers}
	serial := s.serials.Next()
	if info, ok := s.clients[s.entered.Client()]; ok {
		for _, g := range info.swipes {
			g.handler.Begin(serial, uint32(time), s.entered, fingers)
		}
	}
}

func (s *Seat) SwipeUpdate(time xproto.Timestamp, dx, dy float64) {
	if s.activeSwipe == nil {
		return
	}
	if info, ok := s.clients[s.activeSwipe.surface.Client()]; ok {
		for _, g := range info.swipes {
			g.handler.Update(uint32(time), dx, dy)
		}
	}
}

func (s *Seat) SwipeEnd(time xproto.Timestamp, cancelled bool) {
	if s.activeSwipe == nil {
		return
	}
	serial := s.serials.Next()
	if info, ok := s.clients[s.activeSwipe.surface.Client()]; ok {
		for _, g := range info.swipes {
			g.handler.End(serial, uint32(time), cancelled)
		}
	}
	s.activeSwipe = nil
}

// notePointer records the latest pointer position, event time and modifier
// state.
func (s *Seat) notePointer(p x11.Pointer) {
	s.lastPointerTime = p.Time
	s.pointerRootX, s.pointerRootY = p.RootX, p.RootY
	s.noteModifiers(p.Mods, p.Group)
}

func (s *Seat) notePointerCrossing(c x11.Crossing) {
	s.lastPointerTime = c.Time
	s.pointerRootX, s.pointerRootY = c.RootX, c.RootY
	s.noteModifiers(c.Mods, c.Group)
}

// pressKey adds a keycode to the held set; duplicates are X server echoes
// and are ignored.
func (s *Seat) pressKey(keycode uint32) {
	for _, k := range s.keysDown {
		if k == keycode-keycodeOffset {
			return
		}
	}
	s.keysDown = append(s.keysDown, keycode-keycodeOffset)
}

// releaseKey removes a keycode from the held set, reporting whether it was
// present.
func (s *Seat) releaseKey(keycode uint32) bool {
	for i, k := range s.keysDown {
		if k == keycode-keycodeOffset {
			s.keysDown = append(s.keysDown[:i], s.keysDown[i+1:]...)
			return true
		}
	}
	return false
}
