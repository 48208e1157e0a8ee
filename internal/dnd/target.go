package dnd

import (
	"errors"
	"os"
	"time"

	"github.com/BurntSushi/xgb/xproto"

	"github.com/waybridge/waybridge/internal/comp"
	"github.com/waybridge/waybridge/internal/logger"
	"github.com/waybridge/waybridge/internal/seat"
	"github.com/waybridge/waybridge/internal/x11"
)

// ErrStaleOffer is returned by Finish on an offer whose session is over or
// never reached a drop; the resource layer posts it as a protocol error.
var ErrStaleOffer = errors.New("dnd: finish on an inactive or undropped offer")

// TargetConn is the slice of the X connection the inbound receiver uses.
type TargetConn interface {
	AtomConn
	SendClientMessage32(dest, win xproto.Window, typ xproto.Atom, data [5]uint32) error
	Property(win xproto.Window, prop, typ xproto.Atom) (x11.Property, error)
	ConvertSelection(requestor xproto.Window, selection, target, property xproto.Atom, time xproto.Timestamp) error
}

// SeatList is how the bridge hands the receiver its seat tie-break: Xdnd
// messages carry no seat identity, so every inbound session binds to the
// first live seat and delivers into the data devices bound on it.
type SeatList interface {
	First() *seat.Seat
}

// Target is the single inbound-drag state machine. External XdndEnter
// messages open a session; position messages are hit-tested against local
// surfaces and answered with XdndStatus; a drop is answered with exactly
// one XdndFinished, synthesized after a timeout if the client never calls
// finish.
type Target struct {
	conn      TargetConn
	atoms     *Atoms
	loop      Loop
	seats     SeatList
	surfaces  comp.Surfaces
	devices   comp.DataDevices
	serials   *comp.Serials
	window    xproto.Window
	transfers *Transfers
	timeout   time.Duration

	active  bool
	session uint32

	source   xproto.Window
	toplevel xproto.Window
	version  uint32
	mimes    []string

	sourceActions  uint32
	actionsFetched bool
	seat           *seat.Seat

	surface     comp.Surface
	sink        comp.DragSink
	unhookUnmap func()

	acceptedMime     *string
	clientActions    uint32
	clientPreferred  uint32
	clientActionsSet bool
	chosenAction     uint32

	dropped      bool
	dropTime     xproto.Timestamp
	finishCancel func()
}

// NewTarget wires the inbound receiver. window is a compositor-owned
// utility window used as the requestor for selection transfers.
func NewTarget(conn TargetConn, atoms *Atoms, loop Loop, seats SeatList,
	surfaces comp.Surfaces, devices comp.DataDevices, serials *comp.Serials,
	window xproto.Window, transfers *Transfers, timeout time.Duration) *Target {
	if timeout <= 0 {
		timeout = defaultFinishTimeout
	}
	return &Target{
		conn:      conn,
		atoms:     atoms,
		loop:      loop,
		seats:     seats,
		surfaces:  surfaces,
		devices:   devices,
		serials:   serials,
		window:    window,
		transfers: transfers,
		timeout:   timeout,
	}
}

// Active reports whether an inbound session is open.
func (t *Target) Active() bool { return t.active }

// HandleClientMessage consumes Xdnd messages addressed to local windows,
// reporting whether the message belonged to this protocol.
func (t *Target) HandleClientMessage(ev x11.ClientMessage) bool {
	switch ev.Type {
	case t.atoms.Enter:
		t.handleEnter(ev)
	case t.atoms.Position:
		t.handlePosition(ev)
	case t.atoms.Leave:
		t.handleLeave(ev)
	case t.atoms.Drop:
		t.handleDrop(ev)
	default:
		return false
	}
	return true
}

func (t *Target) handleEnter(ev x11.ClientMessage) {
	// A fresh enter preempts whatever session is in progress.
	t.Teardown()

	t.source = xproto.Window(ev.Data[0])
	t.toplevel = ev.Window
	t.version = enterVersion(ev.Data[1])
	if t.version == 0 {
		return
	}

	if enterHasTypeList(ev.Data[1]) {
		prop, err := t.conn.Property(t.source, t.atoms.TypeList, xproto.AtomAtom)
		if err != nil {
			logger.Debug("XdndTypeList read failed", "source", t.source, "err", err)
			return
		}
		t.mimes = mimeNames(t.conn, prop.Atoms())
	} else {
		atoms := []xproto.Atom{
			xproto.Atom(ev.Data[2]),
			xproto.Atom(ev.Data[3]),
			xproto.Atom(ev.Data[4]),
		}
		t.mimes = mimeNames(t.conn, atoms)
	}

	t.sourceActions = comp.ActionCopy
	t.actionsFetched = false
	t.seat = t.seats.First()
	if t.seat == nil {
		// No live seat means no data devices to deliver into; the session
		// stays open and every position is answered unaccepted.
		logger.Debug("inbound drag with no live seat", "source", t.source)
	}
	t.session++
	t.active = true
}

func (t *Target) handlePosition(ev x11.ClientMessage) {
	if !t.active || xproto.Window(ev.Data[0]) != t.source {
		return
	}
	x, y := positionCoords(ev.Data[2])
	var msgTime xproto.Timestamp
	if t.version >= 1 {
		msgTime = xproto.Timestamp(ev.Data[3])
	}
	suggested := t.atoms.ActionCopy
	if t.version >= 2 {
		suggested = xproto.Atom(ev.Data[4])
	}

	// The action list is fetched once, lazily, the first time the source
	// suggests ask.
	if suggested == t.atoms.ActionAsk && !t.actionsFetched {
		t.actionsFetched = true
		prop, err := t.conn.Property(t.source, t.atoms.ActionList, xproto.AtomAtom)
		if err == nil && !prop.Empty() {
			t.sourceActions = t.atoms.actionMaskFromAtoms(prop.Atoms()) | comp.ActionAsk
		}
	}
	if !t.actionsFetched {
		t.sourceActions = t.atoms.actionFromAtom(suggested)
	}

	t.track(ev.Window, x, y, msgTime)

	accepted, action := t.negotiate()
	t.sendStatus(accepted, action)
}

// track moves the session onto the surface under the position, sending
// leave before enter on surface changes.
func (t *Target) track(win xproto.Window, rootX, rootY int, msgTime xproto.Timestamp) {
	var target comp.Surface
	if base := t.surfaces.SurfaceForWindow(win); base != nil {
		x, y := base.FromRoot(float64(rootX), float64(rootY))
		if v := base.HitView(x, y); v != nil {
			target = v
		} else {
			target = base
		}
	}

	if target != t.surface {
		t.leaveSurface()
		t.surface = target
		if target == nil {
			return
		}
		t.unhookUnmap = target.OnUnmap(func() { t.leaveSurface() })
		if t.seat == nil {
			return
		}
		t.sink = t.devices.DragSink(t.seat.Name, target.Client())
		if t.sink == nil {
			return
		}
		x, y := target.FromRoot(float64(rootX), float64(rootY))
		serial := t.serials.Next()
		t.acceptedMime = nil
		t.clientActionsSet = false
		t.sink.Enter(serial, target, x, y, &offer{t: t, session: t.session})
		return
	}

	if t.surface != nil && t.sink != nil {
		x, y := t.surface.FromRoot(float64(rootX), float64(rootY))
		t.sink.Motion(uint32(msgTime), x, y)
	}
}

// leaveSurface detaches the session from the current surface, if any.
func (t *Target) leaveSurface() {
	if t.unhookUnmap != nil {
		t.unhookUnmap()
		t.unhookUnmap = nil
	}
	if t.sink != nil && !t.dropped {
		t.sink.Leave()
	}
	t.sink = nil
	t.surface = nil
	t.acceptedMime = nil
	t.clientActionsSet = false
}

// negotiate resolves the session's accepted flag and action. Version <=2
// peers have no accept round trip; those sessions are always accepted and
// always answered with XdndActionPrivate.
func (t *Target) negotiate() (bool, xproto.Atom) {
	if t.version <= 2 {
		t.chosenAction = comp.ActionCopy
		return true, t.atoms.ActionPrivate
	}
	if t.surface == nil || t.sink == nil || t.acceptedMime == nil {
		t.chosenAction = comp.ActionNone
		return false, 0
	}
	client := t.clientActions
	if !t.clientActionsSet {
		client = comp.ActionCopy
	}
	t.chosenAction = resolveAction(t.sourceActions, client, t.clientPreferred)
	if t.chosenAction == comp.ActionNone {
		return false, 0
	}
	return true, t.atoms.atomFromAction(t.chosenAction)
}

func (t *Target) sendStatus(accepted bool, action xproto.Atom) {
	var flags uint32
	if accepted {
		flags |= 1
	}
	// Bit 1 asks for position messages on every motion, not only on
	// rectangle exit; we always hit-test.
	flags |= 2
	err := t.conn.SendClientMessage32(t.source, t.toplevel, t.atoms.Status, [5]uint32{
		uint32(t.toplevel),
		flags,
		0, 0,
		uint32(action),
	})
	if err != nil {
		logger.Debug("XdndStatus send failed", "source", t.source, "err", err)
	}
}

func (t *Target) handleLeave(ev x11.ClientMessage) {
	if !t.active || xproto.Window(ev.Data[0]) != t.source || t.dropped {
		return
	}
	t.Teardown()
}

func (t *Target) handleDrop(ev x11.ClientMessage) {
	if !t.active || xproto.Window(ev.Data[0]) != t.source || t.dropped {
		return
	}
	if t.version >= 1 {
		t.dropTime = xproto.Timestamp(ev.Data[2])
	}

	accepted, _ := t.negotiate()
	if !accepted || t.sink == nil {
		t.sendFinished(false)
		t.Teardown()
		return
	}

	t.dropped = true
	t.sink.Drop()

	if t.version <= 2 {
		// No finish round trip exists; answer immediately.
		t.sendFinished(true)
		t.Teardown()
		return
	}
	t.finishCancel = t.loop.After(t.timeout, func() {
		t.finishCancel = nil
		logger.Warn("drop finish timed out, cancelling session", "source", t.source)
		t.sendFinished(false)
		t.Teardown()
	})
}

// sendFinished answers the drop; exactly one of these goes out per dropped
// session.
func (t *Target) sendFinished(success bool) {
	data := [5]uint32{uint32(t.toplevel)}
	if t.version >= 5 {
		if success {
			data[1] = 1
			data[2] = uint32(t.atoms.atomFromAction(t.chosenAction))
		}
	}
	if err := t.conn.SendClientMessage32(t.source, t.toplevel, t.atoms.Finished, data); err != nil {
		logger.Debug("XdndFinished send failed", "source", t.source, "err", err)
	}
}

// Teardown resets the session to idle. Safe to call at any time, any number
// of times; stale offers are invalidated by the session counter.
func (t *Target) Teardown() {
	if !t.active {
		return
	}
	t.active = false
	if t.finishCancel != nil {
		t.finishCancel()
		t.finishCancel = nil
	}
	t.leaveSurface()
	t.source = 0
	t.toplevel = 0
	t.version = 0
	t.mimes = nil
	t.sourceActions = 0
	t.actionsFetched = false
	t.seat = nil
	t.chosenAction = comp.ActionNone
	t.dropped = false
	t.dropTime = 0
	t.session++
}

// offer is the comp.Offer handed to clients for one (session, surface)
// pairing. Requests against a stale offer no-op, except Finish.
type offer struct {
	t       *Target
	session uint32
}

func (o *offer) valid() bool {
	return o.t.active && o.session == o.t.session
}

func (o *offer) MimeTypes() []string {
	if !o.valid() {
		return nil
	}
	return append([]string(nil), o.t.mimes...)
}

func (o *offer) SourceActions() (uint32, bool) {
	if !o.valid() {
		return 0, false
	}
	return o.t.sourceActions, o.t.version >= 3
}

func (o *offer) Accept(serial uint32, mime *string) {
	if !o.valid() {
		return
	}
	o.t.acceptedMime = mime
}

func (o *offer) SetActions(actions, preferred uint32) error {
	const all = comp.ActionCopy | comp.ActionMove | comp.ActionAsk
	if actions&^all != 0 || (preferred != comp.ActionNone && preferred&actions == 0) {
		return errors.New("dnd: invalid action mask")
	}
	if !o.valid() {
		return nil
	}
	o.t.clientActions = actions
	o.t.clientPreferred = preferred
	o.t.clientActionsSet = true
	return nil
}

func (o *offer) Receive(mime string, f *os.File) {
	if !o.valid() {
		f.Close()
		return
	}
	t := o.t
	target, err := t.conn.Atom(mime)
	if err != nil {
		f.Close()
		return
	}
	prop, err := t.transfers.nextProperty()
	if err != nil {
		f.Close()
		return
	}
	ts := t.dropTime
	if ts == 0 {
		ts = xproto.TimeCurrentTime
	}
	if err := t.conn.ConvertSelection(t.window, t.atoms.Selection, target, prop, ts); err != nil {
		f.Close()
		return
	}
	t.transfers.expect(target, prop, f)
}

func (o *offer) Finish() error {
	if !o.valid() || !o.t.dropped {
		return ErrStaleOffer
	}
	o.t.sendFinished(o.t.chosenAction != comp.ActionNone)
	o.t.Teardown()
	return nil
}
