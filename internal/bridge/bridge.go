// Package bridge assembles the X11 side of the compositor: the connection,
// the seat registry, the drag-and-drop bridges and the IPC endpoint, all
// driven by a single dispatch loop.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BurntSushi/xgb/xproto"

	"github.com/waybridge/waybridge/internal/comp"
	"github.com/waybridge/waybridge/internal/config"
	"github.com/waybridge/waybridge/internal/dnd"
	"github.com/waybridge/waybridge/internal/ipc"
	"github.com/waybridge/waybridge/internal/logger"
	"github.com/waybridge/waybridge/internal/seat"
	"github.com/waybridge/waybridge/internal/x11"
)

// Version is stamped by the build; the status endpoint reports it.
var Version = "dev"

// Bridge owns the X connection and every subsystem dispatching on it.
type Bridge struct {
	cfg *config.Config

	conn     *x11.Conn
	serials  *comp.Serials
	surfaces *comp.SurfaceMap
	registry *seat.Registry

	atoms     *dnd.Atoms
	transfers *dnd.Transfers
	target    *dnd.Target
	source    *dnd.Source

	loop      *dispatchLoop
	events    chan x11.Event
	ipcServer *ipc.SocketServer
	started   time.Time
}

// New connects to the X server and wires every subsystem. devices is the
// data-device subsystem the inbound drag bridge delivers into.
func New(cfg *config.Config, devices comp.DataDevices) (*Bridge, error) {
	conn, err := x11.NewConn()
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:      cfg,
		conn:     conn,
		serials:  &comp.Serials{},
		surfaces: comp.NewSurfaceMap(),
		loop:     newDispatchLoop(),
		events:   make(chan x11.Event, 256),
	}

	if err := conn.SelectDeviceEvents(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to select device events: %w", err)
	}

	b.registry = seat.NewRegistry(conn, b.serials, b.surfaces, seat.Options{
		ScrollDistance:   cfg.Input.ScrollDistance,
		UseBuiltinResize: cfg.Input.UseBuiltinResize,
	})
	if err := b.registry.Bootstrap(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enumerate input devices: %w", err)
	}

	atoms, err := dnd.InternAtoms(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to intern Xdnd atoms: %w", err)
	}
	b.atoms = atoms

	utility, err := conn.CreateUtilityWindow()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create utility window: %w", err)
	}

	b.transfers = dnd.NewTransfers(conn, utility)
	b.target = dnd.NewTarget(conn, atoms, b.loop, b.registry, b.surfaces, devices,
		b.serials, utility, b.transfers, cfg.Dnd.FinishTimeout)
	b.source = dnd.NewSource(conn, atoms, b.loop, utility, cfg.Dnd.FinishTimeout)

	ipcServer, err := ipc.NewSocketServer(b)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create IPC server: %w", err)
	}
	b.ipcServer = ipcServer

	return b, nil
}

// Surfaces returns the window-to-surface registry the surface subsystem
// populates.
func (b *Bridge) Surfaces() *comp.SurfaceMap { return b.surfaces }

// Serials returns the compositor-global serial allocator.
func (b *Bridge) Serials() *comp.Serials { return b.serials }

// Registry returns the seat registry.
func (b *Bridge) Registry() *seat.Registry { return b.registry }

// Conn returns the X connection.
func (b *Bridge) Conn() *x11.Conn { return b.conn }

// AdoptSurfaceWindow subscribes the per-window input events and advertises
// Xdnd awareness on a newly mapped surface's backing window, then registers
// the surface. Local drags over our own windows ride the same loopback.
func (b *Bridge) AdoptSurfaceWindow(s comp.Surface) error {
	win := s.XWindow()
	if err := b.conn.SelectWindowInputEvents(win); err != nil {
		return err
	}
	if err := b.conn.ChangeProperty32(win, b.atoms.Aware, xproto.AtomAtom, []uint32{5}); err != nil && !errors.Is(err, x11.ErrGone) {
		return err
	}
	b.surfaces.Add(s)
	return nil
}

// BeginDrag starts an outbound drag of data on st; must run on the
// dispatch goroutine (call it from a request handler).
func (b *Bridge) BeginDrag(st *seat.Seat, data comp.DataSource, serial uint32) error {
	if err := st.ValidateGrabSerial(serial); err != nil {
		return err
	}
	return b.source.Begin(st, data, st.LastPointerTime())
}

// Post schedules fn onto the dispatch goroutine; the Wayland protocol
// layer funnels its requests through here.
func (b *Bridge) Post(fn func()) {
	b.loop.Post(fn)
}

// Run drives the bridge until ctx is cancelled or the X connection dies.
func (b *Bridge) Run(ctx context.Context) error {
	b.started = time.Now()
	if err := b.ipcServer.Start(); err != nil {
		return err
	}
	defer b.ipcServer.Stop()
	defer b.conn.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.readEvents(ctx) })
	g.Go(func() error { return b.dispatch(ctx) })

	return g.Wait()
}

// readEvents blocks on the X connection and feeds decoded events to the
// dispatch goroutine.
func (b *Bridge) readEvents(ctx context.Context) error {
	for {
		raw, xerr := b.conn.X.WaitForEvent()
		if raw == nil && xerr == nil {
			return errors.New("bridge: X connection closed")
		}
		if xerr != nil {
			// Asynchronous errors come from requests that raced entity
			// destruction; the request paths already tolerate that.
			logger.Debug("async X error", "err", xerr)
			continue
		}
		ev := x11.Decode(raw)
		if ev == nil {
			continue
		}
		select {
		case b.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch is the single goroutine every state machine runs on.
func (b *Bridge) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-b.loop.posts:
			fn()
		case ev := <-b.events:
			b.route(ev)
		}
	}
}

// route hands one decoded event to its consumer. The drag bridges get
// first refusal on the message types they own; everything else is seat
// input or window structure.
func (b *Bridge) route(ev x11.Event) {
	switch e := ev.(type) {
	case x11.ClientMessage:
		if b.target.HandleClientMessage(e) {
			return
		}
		b.source.HandleClientMessage(e)
	case x11.SelectionRequest:
		b.source.HandleSelectionRequest(e)
	case x11.SelectionNotify:
		b.transfers.HandleSelectionNotify(e)
	case x11.SelectionClear:
		if e.Selection == b.atoms.Selection {
			b.source.Cancel()
		}
	case x11.WindowCreated, x11.WindowDestroyed, x11.WindowConfigured,
		x11.WindowReparented, x11.WindowCirculated, x11.WindowMapped,
		x11.WindowUnmapped, x11.PropertyChanged, x11.ShapeChanged:
		b.source.HandleStructure(ev)
	default:
		b.registry.Dispatch(ev)
	}
}

// HandleStatusQuery implements ipc.MessageHandler. It runs on an IPC
// goroutine, so the snapshot is taken on the dispatch goroutine and handed
// back.
func (b *Bridge) HandleStatusQuery() (ipc.StatusResponse, error) {
	result := make(chan ipc.StatusResponse, 1)
	b.loop.Post(func() {
		var seats []ipc.SeatStatus
		for _, s := range b.registry.Seats() {
			seats = append(seats, ipc.SeatStatus{
				Name:           s.Name,
				PointerDevice:  uint16(s.PointerDevice()),
				KeyboardDevice: uint16(s.KeyboardDevice()),
				GrabHeld:       s.GrabHeld(),
				Entered:        s.Entered() != nil,
				Focused:        s.Focus() != nil,
				Dragging:       s.ActiveDrag() != nil,
			})
		}
		result <- ipc.StatusResponse{
			Version:       Version,
			Seats:         seats,
			InboundDrag:   b.target.Active(),
			OutboundDrag:  b.source.Active(),
			SurfaceCount:  b.surfaces.Len(),
			UptimeSeconds: int64(time.Since(b.started).Seconds()),
		}
	})
	select {
	case status := <-result:
		return status, nil
	case <-time.After(3 * time.Second):
		return ipc.StatusResponse{}, errors.New("bridge: dispatch loop unresponsive")
	}
}
