package dnd

import (
	"fmt"
	"os"

	"github.com/BurntSushi/xgb/xproto"

	"github.com/waybridge/waybridge/internal/logger"
	"github.com/waybridge/waybridge/internal/x11"
)

// TransferConn is the slice of the X connection selection transfers use.
type TransferConn interface {
	Atom(name string) (xproto.Atom, error)
	Property(win xproto.Window, prop, typ xproto.Atom) (x11.Property, error)
	DeleteProperty(win xproto.Window, prop xproto.Atom) error
}

// Transfers tracks in-flight XdndSelection conversions: one pending file
// per requested target. The X side writes the converted data into a
// property on our utility window; the matching SelectionNotify drains it
// into the client's pipe. INCR transfers are not spoken; a source using
// them delivers its first chunk only.
type Transfers struct {
	conn    TransferConn
	window  xproto.Window
	pending map[xproto.Atom]pendingTransfer
	counter int
}

type pendingTransfer struct {
	prop xproto.Atom
	f    *os.File
}

// NewTransfers creates the transfer table for the given requestor window.
func NewTransfers(conn TransferConn, window xproto.Window) *Transfers {
	return &Transfers{
		conn:    conn,
		window:  window,
		pending: make(map[xproto.Atom]pendingTransfer),
	}
}

// nextProperty allocates a distinct property atom for one conversion so
// concurrent receives never clobber each other.
func (tr *Transfers) nextProperty() (xproto.Atom, error) {
	tr.counter++
	return tr.conn.Atom(fmt.Sprintf("_WAYBRIDGE_DND_%d", tr.counter%8))
}

// expect registers a pending conversion keyed by its target atom. A second
// receive for the same target supersedes the first.
func (tr *Transfers) expect(target, prop xproto.Atom, f *os.File) {
	if old, ok := tr.pending[target]; ok {
		old.f.Close()
	}
	tr.pending[target] = pendingTransfer{prop: prop, f: f}
}

// HandleSelectionNotify completes one conversion, reporting whether the
// event belonged to this table. The pipe write happens off the dispatch
// goroutine; a blocked client cannot stall event dispatch.
func (tr *Transfers) HandleSelectionNotify(ev x11.SelectionNotify) bool {
	if ev.Requestor != tr.window {
		return false
	}
	pending, ok := tr.pending[ev.Target]
	if !ok {
		return false
	}
	delete(tr.pending, ev.Target)

	if ev.Property == 0 {
		// The source refused the conversion.
		pending.f.Close()
		return true
	}
	prop, err := tr.conn.Property(tr.window, ev.Property, xproto.AtomAny)
	if delErr := tr.conn.DeleteProperty(tr.window, ev.Property); delErr != nil {
		logger.Debug("transfer property delete failed", "err", delErr)
	}
	if err != nil {
		pending.f.Close()
		return true
	}
	go func(f *os.File, data []byte) {
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			logger.Debug("drag data write failed", "err", err)
		}
	}(pending.f, prop.Value)
	return true
}

// Cancel drops every pending conversion, closing the files.
func (tr *Transfers) Cancel() {
	for target, pending := range tr.pending {
		pending.f.Close()
		delete(tr.pending, target)
	}
}
