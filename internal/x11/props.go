package x11

import (
	"errors"

	"github.com/BurntSushi/xgb/shape"
	"github.com/BurntSushi/xgb/xinput"
	"github.com/BurntSushi/xgb/xproto"
)

// ErrGone reports that the window or device a request referred to no longer
// exists. Destruction races with our requests constantly; callers treat this
// as "entity already gone" and degrade, never abort.
var ErrGone = errors.New("x11: entity is gone")

// gone folds the X error classes produced by racing destruction into
// ErrGone and passes everything else through.
func gone(err error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case xproto.WindowError, xproto.DrawableError, xproto.MatchError:
		return ErrGone
	case xinput.DeviceError:
		return ErrGone
	}
	return err
}

// Property is the decoded value of a window property.
type Property struct {
	Type   xproto.Atom
	Format byte
	Value  []byte
}

// Empty reports whether the property was unset.
func (p Property) Empty() bool {
	return p.Format == 0 || len(p.Value) == 0
}

// Atoms interprets a 32-bit property as an atom list.
func (p Property) Atoms() []xproto.Atom {
	if p.Format != 32 {
		return nil
	}
	out := make([]xproto.Atom, 0, len(p.Value)/4)
	for i := 0; i+4 <= len(p.Value); i += 4 {
		out = append(out, xproto.Atom(uint32(p.Value[i])|
			uint32(p.Value[i+1])<<8|
			uint32(p.Value[i+2])<<16|
			uint32(p.Value[i+3])<<24))
	}
	return out
}

// Card32 interprets the first 32-bit word of the property.
func (p Property) Card32() (uint32, bool) {
	if p.Format != 32 || len(p.Value) < 4 {
		return 0, false
	}
	return uint32(p.Value[0]) | uint32(p.Value[1])<<8 |
		uint32(p.Value[2])<<16 | uint32(p.Value[3])<<24, true
}

// Property reads up to 64KiB of a window property. A missing property
// returns an empty Property and nil error; a destroyed window returns
// ErrGone.
func (c *Conn) Property(win xproto.Window, prop xproto.Atom, typ xproto.Atom) (Property, error) {
	reply, err := xproto.GetProperty(c.X, false, win, prop, typ, 0, 0x4000).Reply()
	if err != nil {
		return Property{}, gone(err)
	}
	return Property{Type: reply.Type, Format: reply.Format, Value: reply.Value}, nil
}

// NamedProperty is Property with the atom interned by name.
func (c *Conn) NamedProperty(win xproto.Window, name string, typ xproto.Atom) (Property, error) {
	atom, err := c.Atom(name)
	if err != nil {
		return Property{}, err
	}
	return c.Property(win, atom, typ)
}

// Geometry is a window's position and size relative to its parent.
type Geometry struct {
	X, Y          int16
	Width, Height uint16
	BorderWidth   uint16
}

// Geometry queries a window's geometry.
func (c *Conn) Geometry(win xproto.Window) (Geometry, error) {
	reply, err := xproto.GetGeometry(c.X, xproto.Drawable(win)).Reply()
	if err != nil {
		return Geometry{}, gone(err)
	}
	return Geometry{
		X: reply.X, Y: reply.Y,
		Width: reply.Width, Height: reply.Height,
		BorderWidth: reply.BorderWidth,
	}, nil
}

// QueryTree returns a window's parent and children, bottom-to-top.
func (c *Conn) QueryTree(win xproto.Window) (parent xproto.Window, children []xproto.Window, err error) {
	reply, err := xproto.QueryTree(c.X, win).Reply()
	if err != nil {
		return 0, nil, gone(err)
	}
	return reply.Parent, reply.Children, nil
}

// Viewable reports whether the window is currently mapped and viewable.
func (c *Conn) Viewable(win xproto.Window) (bool, error) {
	reply, err := xproto.GetWindowAttributes(c.X, win).Reply()
	if err != nil {
		return false, gone(err)
	}
	return reply.MapState == xproto.MapStateViewable, nil
}

// Rect is a rectangle in a window's coordinate space.
type Rect struct {
	X, Y          int16
	Width, Height uint16
}

func (r Rect) contains(x, y int) bool {
	return x >= int(r.X) && y >= int(r.Y) &&
		x < int(r.X)+int(r.Width) && y < int(r.Y)+int(r.Height)
}

// RectsContain reports whether any rectangle in the list contains the point.
// An empty list means "unshaped", which contains everything inside the
// window's geometry, so callers must special-case it.
func RectsContain(rects []Rect, x, y int) bool {
	for _, r := range rects {
		if r.contains(x, y) {
			return true
		}
	}
	return false
}

// ShapeRects returns a window's effective input region: the intersection of
// its bounding and input shapes. nil means the window is unshaped.
func (c *Conn) ShapeRects(win xproto.Window) ([]Rect, error) {
	bounding, bshaped, err := c.shapeKindRects(win, shape.SkBounding)
	if err != nil {
		return nil, err
	}
	input, ishaped, err := c.shapeKindRects(win, shape.SkInput)
	if err != nil {
		return nil, err
	}
	switch {
	case !bshaped && !ishaped:
		return nil, nil
	case !bshaped:
		return input, nil
	case !ishaped:
		return bounding, nil
	}
	return intersectRects(bounding, input), nil
}

func (c *Conn) shapeKindRects(win xproto.Window, kind shape.Kind) ([]Rect, bool, error) {
	reply, err := shape.GetRectangles(c.X, win, kind).Reply()
	if err != nil {
		return nil, false, gone(err)
	}
	// A single rectangle covering the whole window is how the server
	// reports "not shaped" for this kind; treating it as shaped is still
	// correct, just slower, so no attempt is made to detect it.
	rects := make([]Rect, 0, len(reply.Rectangles))
	for _, r := range reply.Rectangles {
		rects = append(rects, Rect{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height})
	}
	return rects, true, nil
}

// intersectRects computes the pairwise intersection of two rectangle lists.
func intersectRects(a, b []Rect) []Rect {
	var out []Rect
	for _, ra := range a {
		for _, rb := range b {
			x1 := max16(ra.X, rb.X)
			y1 := max16(ra.Y, rb.Y)
			x2 := min32(int32(ra.X)+int32(ra.Width), int32(rb.X)+int32(rb.Width))
			y2 := min32(int32(ra.Y)+int32(ra.Height), int32(rb.Y)+int32(rb.Height))
			if int32(x1) < x2 && int32(y1) < y2 {
				out = append(out, Rect{
					X: x1, Y: y1,
					Width:  uint16(x2 - int32(x1)),
					Height: uint16(y2 - int32(y1)),
				})
			}
		}
	}
	return out
}

func max16(a, b int16) int16 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

// TranslateCoordinates converts a point from one window's space to another's.
func (c *Conn) TranslateCoordinates(src, dst xproto.Window, x, y int16) (int16, int16, error) {
	reply, err := xproto.TranslateCoordinates(c.X, src, dst, x, y).Reply()
	if err != nil {
		return 0, 0, gone(err)
	}
	return reply.DstX, reply.DstY, nil
}

// WMSupports reports whether the window manager advertises the named hint
// in _NET_SUPPORTED on the root window.
func (c *Conn) WMSupports(name string) (bool, error) {
	atom, err := c.Atom(name)
	if err != nil {
		return false, err
	}
	prop, err := c.NamedProperty(c.root, "_NET_SUPPORTED", xproto.AtomAtom)
	if err != nil {
		return false, err
	}
	for _, a := range prop.Atoms() {
		if a == atom {
			return true, nil
		}
	}
	return false, nil
}
