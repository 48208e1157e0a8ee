package comp

import "github.com/BurntSushi/xgb/xproto"

// SurfaceMap is the canonical window-to-surface index. The surface/role
// subsystem registers every mapped surface here; the input core resolves X
// windows through it during dispatch and drag hit-testing.
type SurfaceMap struct {
	byWindow map[xproto.Window]Surface
}

func NewSurfaceMap() *SurfaceMap {
	return &SurfaceMap{byWindow: make(map[xproto.Window]Surface)}
}

// Add registers a surface under its backing window.
func (m *SurfaceMap) Add(s Surface) {
	m.byWindow[s.XWindow()] = s
}

// Remove drops a surface; safe to call for a surface never added.
func (m *SurfaceMap) Remove(s Surface) {
	if m.byWindow[s.XWindow()] == s {
		delete(m.byWindow, s.XWindow())
	}
}

// Len reports how many surfaces are registered.
func (m *SurfaceMap) Len() int {
	return len(m.byWindow)
}

// SurfaceForWindow implements Surfaces.
func (m *SurfaceMap) SurfaceForWindow(win xproto.Window) Surface {
	return m.byWindow[win]
}
