package seat

import (
	"github.com/waybridge/waybridge/internal/comp"
	"github.com/waybridge/waybridge/internal/logger"
	"github.com/waybridge/waybridge/internal/x11"
)

// RegistryConn extends the seat connection surface with device enumeration.
type RegistryConn interface {
	XConn
	QueryDevices() ([]x11.DeviceInfo, error)
}

// Registry tracks the live seats, one per enabled master pointer, and
// routes decoded input events to them by device ID. It owns seat lifetime
// across XI2 hierarchy changes.
type Registry struct {
	conn     RegistryConn
	serials  *comp.Serials
	surfaces comp.Surfaces
	opts     Options

	// byDevice indexes each seat under both its pointer and keyboard ID.
	byDevice map[x11.DeviceID]*Seat
	order    []*Seat

	// OnSeatAdded and OnSeatRemoved let the protocol layer announce and
	// retract wl_seat globals. Either may be nil.
	OnSeatAdded   func(*Seat)
	OnSeatRemoved func(*Seat)
}

// NewRegistry creates an empty registry; call Bootstrap to populate it.
func NewRegistry(conn RegistryConn, serials *comp.Serials, surfaces comp.Surfaces, opts Options) *Registry {
	return &Registry{
		conn:     conn,
		serials:  serials,
		surfaces: surfaces,
		opts:     opts,
		byDevice: make(map[x11.DeviceID]*Seat),
	}
}

// Bootstrap creates a seat for every enabled master pointer present at
// startup.
func (r *Registry) Bootstrap() error {
	devices, err := r.conn.QueryDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.Type == x11.MasterPointer && d.Enabled {
			r.add(d)
		}
	}
	return nil
}

// Seats returns the live seats in creation order.
func (r *Registry) Seats() []*Seat {
	return append([]*Seat(nil), r.order...)
}

// First returns the earliest-created live seat, the tie-break used when a
// request carries no seat (legacy clients).
func (r *Registry) First() *Seat {
	if len(r.order) == 0 {
		return nil
	}
	return r.order[0]
}

// SeatForDevice returns the seat owning the given master device.
func (r *Registry) SeatForDevice(dev x11.DeviceID) *Seat {
	return r.byDevice[dev]
}

func (r *Registry) add(d x11.DeviceInfo) {
	if _, ok := r.byDevice[d.ID]; ok {
		return
	}
	s := New(r.conn, r.serials, r.surfaces, r.opts, d.Name, d.ID, d.Attachment)
	r.byDevice[d.ID] = s
	r.byDevice[d.Attachment] = s
	r.order = append(r.order, s)
	logger.Info("seat added", "seat", s.Name, "pointer", d.ID, "keyboard", d.Attachment)
	if r.OnSeatAdded != nil {
		r.OnSeatAdded(s)
	}
}

func (r *Registry) remove(s *Seat) {
	delete(r.byDevice, s.pointerID)
	delete(r.byDevice, s.keyboardID)
	for i, other := range r.order {
		if other == s {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	s.destroy()
	logger.Info("seat removed", "seat", s.Name)
	if r.OnSeatRemoved != nil {
		r.OnSeatRemoved(s)
	}
}

// HandleHierarchy reacts to master device hotplug: disabled or removed
// devices tear their seat down, newly enabled master pointers get one.
// Removals run first so a replace cycle never sees a stale index entry.
func (r *Registry) HandleHierarchy(ev x11.HierarchyChanged) {
	for _, info := range ev.Infos {
		if info.Flags&(x11.HierarchyMasterRemoved|x11.HierarchyDeviceDisabled) == 0 {
			continue
		}
		if s, ok := r.byDevice[info.Device]; ok {
			r.remove(s)
		}
	}
	for _, info := range ev.Infos {
		if info.Flags&(x11.HierarchyMasterAdded|x11.HierarchyDeviceEnabled) == 0 {
			continue
		}
		if _, ok := r.byDevice[info.Device]; ok {
			continue
		}
		d, err := r.conn.QueryDevice(info.Device)
		if err != nil {
			// Device raced away between the event and the query.
			logger.Debug("hierarchy query failed", "device", info.Device, "err", err)
			continue
		}
		if d.Type != x11.MasterPointer || !d.Enabled {
			continue
		}
		r.add(d)
	}
}

// Dispatch routes a decoded event to the owning seat. Events carrying no
// device, and events for devices with no seat, are dropped.
func (r *Registry) Dispatch(ev x11.Event) {
	switch e := ev.(type) {
	case x11.HierarchyChanged:
		r.HandleHierarchy(e)
	case x11.Motion:
		if s := r.byDevice[e.Device]; s != nil {
			s.HandleMotion(e)
		}
	case x11.ButtonPress:
		if s := r.byDevice[e.Device]; s != nil {
			s.HandleButtonPress(e)
		}
	case x11.ButtonRelease:
		if s := r.byDevice[e.Device]; s != nil {
			s.HandleButtonRelease(e)
		}
	case x11.Enter:
		if s := r.byDevice[e.Device]; s != nil {
			s.HandleEnter(e)
		}
	case x11.Leave:
		if s := r.byDevice[e.Device]; s != nil {
			s.HandleLeave(e)
		}
	case x11.KeyPress:
		if s := r.byDevice[e.Device]; s != nil {
			s.HandleKeyPress(e)
		}
	case x11.KeyRelease:
		if s := r.byDevice[e.Device]; s != nil {
			s.HandleKeyRelease(e)
		}
	case x11.FocusIn:
		if s := r.byDevice[e.Device]; s != nil {
			s.HandleFocusIn(e)
		}
	case x11.FocusOut:
		if s := r.byDevice[e.Device]; s != nil {
			s.HandleFocusOut(e)
		}
	case x11.DeviceChanged:
		if s := r.byDevice[e.Device]; s != nil {
			s.HandleDeviceChanged(e)
		}
	case x11.RawButtonRelease:
		if s := r.byDevice[e.Device]; s != nil {
			s.HandleRawButtonRelease(e)
		}
	case x11.RawMotion:
		if s := r.byDevice[e.Device]; s != nil {
			s.HandleRawMotion(e)
		}
	}
}
