package dnd

import (
	"io"
	"time"

	"github.com/BurntSushi/xgb/xproto"

	"github.com/waybridge/waybridge/internal/comp"
	"github.com/waybridge/waybridge/internal/logger"
	"github.com/waybridge/waybridge/internal/seat"
	"github.com/waybridge/waybridge/internal/x11"
)

// SourceConn is the slice of the X connection the outbound sender uses.
type SourceConn interface {
	CacheConn
	AtomConn
	SendClientMessage32(dest, win xproto.Window, typ xproto.Atom, data [5]uint32) error
	SetSelectionOwner(win xproto.Window, selection xproto.Atom, time xproto.Timestamp) error
	ChangeProperty32(win xproto.Window, prop, typ xproto.Atom, values []uint32) error
	ChangeProperty8(win xproto.Window, prop, typ xproto.Atom, data []byte) error
	SendSelectionNotify(req x11.SelectionRequest, property xproto.Atom) error
}

// Source is the single outbound-drag state machine: it owns XdndSelection
// for the session, hit-tests pointer motion against the window cache, and
// drives the Xdnd message exchange with whatever window is under the
// pointer. It attaches to a seat as its drag session, so ordinary pointer
// delivery is suspended while it runs.
type Source struct {
	conn    SourceConn
	atoms   *Atoms
	loop    Loop
	timeout time.Duration

	// window is the compositor-owned X window that owns XdndSelection and
	// receives status, finished, and selection-request traffic.
	window xproto.Window

	seat         *seat.Seat
	data         comp.DataSource
	cache        *WindowCache
	unhookSource func()

	active   bool
	toplevel xproto.Window
	dest     xproto.Window
	version  uint32

	statusPending bool
	havePending   bool
	pendingX      int
	pendingY      int
	pendingTime   xproto.Timestamp

	willAccept bool
	action     uint32

	dropped      bool
	dropPending  bool
	finishCancel func()
	lastTime     xproto.Timestamp
}

// NewSource wires the outbound sender. window is the compositor-owned
// utility window that owns XdndSelection during sessions.
func NewSource(conn SourceConn, atoms *Atoms, loop Loop, window xproto.Window, timeout time.Duration) *Source {
	if timeout <= 0 {
		timeout = defaultFinishTimeout
	}
	return &Source{
		conn:    conn,
		atoms:   atoms,
		loop:    loop,
		window:  window,
		timeout: timeout,
	}
}

// Active reports whether an outbound session is open.
func (s *Source) Active() bool { return s.active }

// Begin starts a drag of the given data source on the given seat. The data
// source's destruction mid-drag cancels the session.
func (s *Source) Begin(st *seat.Seat, data comp.DataSource, startTime xproto.Timestamp) error {
	if s.active {
		return x11.ErrGone
	}
	if err := s.conn.SetSelectionOwner(s.window, s.atoms.Selection, startTime); err != nil {
		return err
	}

	mimes := data.MimeTypes()
	if len(mimes) > 3 {
		atoms := mimeAtoms(s.conn, mimes)
		values := make([]uint32, len(atoms))
		for i, a := range atoms {
			values[i] = uint32(a)
		}
		if err := s.conn.ChangeProperty32(s.window, s.atoms.TypeList, xproto.AtomAtom, values); err != nil {
			return err
		}
	}
	s.writeActionList(data.Actions())

	s.active = true
	s.seat = st
	s.data = data
	s.lastTime = startTime
	s.unhookSource = data.OnDestroy(func() { s.Cancel() })
	st.SetDrag(s)
	return nil
}

func (s *Source) writeActionList(mask uint32) {
	var atoms []uint32
	for _, a := range []uint32{comp.ActionCopy, comp.ActionMove, comp.ActionAsk} {
		if mask&a != 0 {
			atoms = append(atoms, uint32(s.atoms.atomFromAction(a)))
		}
	}
	if len(atoms) == 0 {
		return
	}
	if err := s.conn.ChangeProperty32(s.window, s.atoms.ActionList, xproto.AtomAtom, atoms); err != nil {
		logger.Debug("XdndActionList write failed", "err", err)
	}
}

// Motion implements seat.Drag: hit-test the pointer against the shadow
// tree and keep the current target informed.
func (s *Source) Motion(time xproto.Timestamp, rootX, rootY float64) {
	if !s.active || s.dropped {
		return
	}
	s.lastTime = time

	if s.cache == nil {
		cache, err := NewWindowCache(s.conn, s.atoms)
		if err != nil {
			logger.Error("window cache build failed, cancelling drag", "err", err)
			s.Cancel()
			return
		}
		s.cache = cache
	}

	toplevel := s.cache.ToplevelAt(int(rootX), int(rootY))
	if toplevel != s.toplevel {
		s.leaveTarget()
		s.enterTarget(toplevel)
	}
	if s.version == 0 {
		return
	}
	s.sendPosition(int(rootX), int(rootY), time)
}

func (s *Source) enterTarget(toplevel xproto.Window) {
	s.toplevel = toplevel
	if toplevel == 0 {
		return
	}
	dest, version := s.cache.XdndTarget(toplevel)
	s.dest = dest
	s.version = version
	if version == 0 {
		return
	}

	mimes := s.data.MimeTypes()
	word1 := version << 24
	if len(mimes) > 3 {
		word1 |= 1
	}
	var typeWords [3]uint32
	atoms := mimeAtoms(s.conn, mimes)
	for i := 0; i < 3 && i < len(atoms); i++ {
		typeWords[i] = uint32(atoms[i])
	}
	err := s.conn.SendClientMessage32(s.dest, s.toplevel, s.atoms.Enter, [5]uint32{
		uint32(s.window),
		word1,
		typeWords[0], typeWords[1], typeWords[2],
	})
	if err != nil {
		logger.Debug("XdndEnter send failed", "target", s.toplevel, "err", err)
		s.toplevel = 0
		s.dest = 0
		s.version = 0
	}
}

// leaveTarget abandons the current target. The target's acceptance state
// dies with it.
func (s *Source) leaveTarget() {
	if s.toplevel != 0 && s.version > 0 && !s.dropped {
		err := s.conn.SendClientMessage32(s.dest, s.toplevel, s.atoms.Leave, [5]uint32{
			uint32(s.window),
		})
		if err != nil {
			logger.Debug("XdndLeave send failed", "target", s.toplevel, "err", err)
		}
	}
	s.toplevel = 0
	s.dest = 0
	s.version = 0
	s.statusPending = false
	s.havePending = false
	if s.willAccept || s.action != comp.ActionNone {
		s.willAccept = false
		s.action = comp.ActionNone
		s.data.Target(nil)
		s.data.Action(comp.ActionNone)
	}
}

// sendPosition sends XdndPosition, or coalesces it while a status reply is
// outstanding; only the newest coalesced position survives.
func (s *Source) sendPosition(x, y int, time xproto.Timestamp) {
	if s.statusPending {
		s.havePending = true
		s.pendingX, s.pendingY = x, y
		s.pendingTime = time
		return
	}
	data := [5]uint32{
		uint32(s.window),
		0,
		packCoords(x, y),
	}
	if s.version >= 1 {
		data[3] = uint32(time)
	}
	if s.version >= 2 {
		data[4] = uint32(s.preferredActionAtom())
	}
	if err := s.conn.SendClientMessage32(s.dest, s.toplevel, s.atoms.Position, data); err != nil {
		logger.Debug("XdndPosition send failed", "target", s.toplevel, "err", err)
		return
	}
	s.statusPending = true
}

// preferredActionAtom picks the action suggested to the target, by the
// same copy-first preference used when receiving.
func (s *Source) preferredActionAtom() xproto.Atom {
	mask := s.data.Actions()
	for _, a := range []uint32{comp.ActionCopy, comp.ActionMove, comp.ActionAsk} {
		if mask&a != 0 {
			return s.atoms.atomFromAction(a)
		}
	}
	return s.atoms.ActionCopy
}

// HandleClientMessage consumes XdndStatus and XdndFinished replies.
func (s *Source) HandleClientMessage(ev x11.ClientMessage) bool {
	switch ev.Type {
	case s.atoms.Status:
		s.handleStatus(ev)
	case s.atoms.Finished:
		s.handleFinished(ev)
	default:
		return false
	}
	return true
}

func (s *Source) handleStatus(ev x11.ClientMessage) {
	if !s.active || xproto.Window(ev.Data[0]) != s.toplevel {
		return
	}
	s.statusPending = false

	accepted := ev.Data[1]&1 != 0
	action := comp.ActionNone
	if accepted {
		if s.version >= 2 {
			action = s.atoms.actionFromAtom(xproto.Atom(ev.Data[4]))
		} else {
			action = comp.ActionCopy
		}
	}
	if accepted != s.willAccept || action != s.action {
		s.willAccept = accepted
		s.action = action
		if accepted {
			mimes := s.data.MimeTypes()
			if len(mimes) > 0 {
				s.data.Target(&mimes[0])
			}
		} else {
			s.data.Target(nil)
		}
		s.data.Action(action)
	}

	if s.havePending {
		s.havePending = false
		s.sendPosition(s.pendingX, s.pendingY, s.pendingTime)
		return
	}
	if s.dropPending {
		s.dropPending = false
		s.performDrop()
	}
}

func (s *Source) handleFinished(ev x11.ClientMessage) {
	if !s.active || !s.dropped || xproto.Window(ev.Data[0]) != s.toplevel {
		return
	}
	success := true
	if s.version >= 5 {
		success = ev.Data[1]&1 != 0
	}
	if success {
		s.data.Finished()
	} else {
		s.data.Cancelled()
	}
	s.teardown()
}

// ButtonReleased implements seat.Drag: the release of the last held button
// is the drop.
func (s *Source) ButtonReleased(time xproto.Timestamp, button uint32, held x11.ButtonMask) {
	if !s.active || s.dropped || held.Count() > 1 {
		return
	}
	s.lastTime = time

	if s.toplevel == 0 || s.version == 0 || (!s.statusPending && (!s.willAccept || s.action == comp.ActionNone)) {
		// Nothing under the pointer will take the drop; never send a real
		// Drop that the target did not ask for.
		s.Cancel()
		return
	}
	if s.statusPending {
		// The verdict on the final position is still in flight.
		s.dropPending = true
		return
	}
	s.performDrop()
}

func (s *Source) performDrop() {
	if !s.willAccept || s.action == comp.ActionNone {
		s.Cancel()
		return
	}
	data := [5]uint32{uint32(s.window)}
	if s.version >= 1 {
		data[2] = uint32(s.lastTime)
	}
	if err := s.conn.SendClientMessage32(s.dest, s.toplevel, s.atoms.Drop, data); err != nil {
		s.Cancel()
		return
	}
	s.dropped = true
	s.data.DropPerformed()
	s.finishCancel = s.loop.After(s.timeout, func() {
		s.finishCancel = nil
		logger.Warn("XdndFinished timed out, cancelling session", "target", s.toplevel)
		s.data.Cancelled()
		s.teardown()
	})
}

// Cancel implements seat.Drag: abort the session without a drop.
func (s *Source) Cancel() {
	if !s.active {
		return
	}
	s.leaveTarget()
	s.data.Cancelled()
	s.teardown()
}

// teardown resets the session to idle; the window cache dies with it.
// Idempotent.
func (s *Source) teardown() {
	if !s.active {
		return
	}
	s.active = false
	if s.finishCancel != nil {
		s.finishCancel()
		s.finishCancel = nil
	}
	if s.unhookSource != nil {
		s.unhookSource()
		s.unhookSource = nil
	}
	if s.seat != nil {
		s.seat.SetDrag(nil)
		s.seat = nil
	}
	s.cache = nil
	s.data = nil
	s.toplevel = 0
	s.dest = 0
	s.version = 0
	s.statusPending = false
	s.havePending = false
	s.willAccept = false
	s.action = comp.ActionNone
	s.dropped = false
	s.dropPending = false
}

// HandleStructure relays window structure events into the live cache.
func (s *Source) HandleStructure(ev x11.Event) {
	if s.cache != nil {
		s.cache.Handle(ev)
	}
}

// HandleSelectionRequest services a target's conversion of XdndSelection,
// reporting whether the request was ours. The client's data is read off
// the dispatch goroutine; the property write and notify are posted back.
func (s *Source) HandleSelectionRequest(ev x11.SelectionRequest) bool {
	if ev.Selection != s.atoms.Selection || ev.Owner != s.window {
		return false
	}
	if s.data == nil {
		s.refuse(ev)
		return true
	}
	mime, err := s.conn.AtomName(ev.Target)
	if err != nil || !s.offersMime(mime) {
		s.refuse(ev)
		return true
	}
	rc, err := s.data.Send(mime)
	if err != nil {
		s.refuse(ev)
		return true
	}
	prop := ev.Property
	if prop == 0 {
		prop = ev.Target
	}
	go func() {
		payload, readErr := io.ReadAll(rc)
		rc.Close()
		s.loop.Post(func() {
			if readErr != nil {
				s.refuse(ev)
				return
			}
			if err := s.conn.ChangeProperty8(ev.Requestor, prop, ev.Target, payload); err != nil {
				s.refuse(ev)
				return
			}
			if err := s.conn.SendSelectionNotify(ev, prop); err != nil {
				logger.Debug("selection notify send failed", "err", err)
			}
		})
	}()
	return true
}

func (s *Source) offersMime(mime string) bool {
	for _, m := range s.data.MimeTypes() {
		if m == mime {
			return true
		}
	}
	return false
}

func (s *Source) refuse(ev x11.SelectionRequest) {
	if err := s.conn.SendSelectionNotify(ev, 0); err != nil {
		logger.Debug("selection refusal send failed", "err", err)
	}
}
