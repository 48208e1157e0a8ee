package seat

import (
	"math"

	"github.com/waybridge/waybridge/internal/x11"
)

// defaultScrollDistance is the pixel delta per scroll unit when the device
// reports no usable increment and no distance is configured.
const defaultScrollDistance = 15

// ScrollValuator tracks one scroll axis of the seat's pointer: the last
// absolute accumulator value, the per-detent increment, and the crossing
// serial at which the value was recorded. Valuator accumulators persist
// across crossings while deltas must not, so a value recorded under an
// older crossing serial only re-arms the axis.
type ScrollValuator struct {
	horizontal bool
	increment  float64
	value      float64
	serial     uint64
	valid      bool
}

// reloadScrolls rebuilds the scroll axis table after a device change. All
// recorded values are dropped; the next event re-arms each axis.
func (s *Seat) reloadScrolls(classes []x11.ScrollClass) {
	s.scrolls = make(map[uint16]*ScrollValuator, len(classes))
	for _, c := range classes {
		increment := c.Increment
		if increment == 0 {
			increment = 1
		}
		s.scrolls[c.Number] = &ScrollValuator{
			horizontal: c.Horizontal,
			increment:  increment,
		}
	}
}

// scrollDelta is one axis worth of decoded scrolling.
type scrollDelta struct {
	horizontal bool
	pixels     float64
	steps      float64
	smooth     bool
}

// scrollDeltas turns the valuator state carried on a motion event into
// per-axis deltas, honoring the stale-valuator guard.
func (s *Seat) scrollDeltas(valuators map[uint16]float64) []scrollDelta {
	var out []scrollDelta
	for axis, value := range valuators {
		sv, ok := s.scrolls[axis]
		if !ok {
			continue
		}
		if !sv.valid || sv.serial != s.crossingSerial {
			// First sighting since a crossing: record, do not diff.
			sv.value = value
			sv.serial = s.crossingSerial
			sv.valid = true
			continue
		}
		delta := value - sv.value
		sv.value = value
		if delta == 0 {
			continue
		}
		steps := delta / sv.increment
		out = append(out, scrollDelta{
			horizontal: sv.horizontal,
			pixels:     steps * s.opts.ScrollDistance,
			steps:      steps,
			// An increment of one means the device reports smooth,
			// pixel-like motion (touchpads); anything coarser is a
			// detented wheel.
			smooth: sv.increment == 1,
		})
	}
	return out
}

// sendScroll delivers one axis delta to a pointer resource, picking the
// representation its protocol version supports.
func sendScroll(p *Pointer, time uint32, d scrollDelta) {
	p.handler.Axis(time, d.horizontal, d.pixels)
	if d.smooth {
		return
	}
	switch {
	case p.version >= pointerVersionValue120:
		p.handler.AxisValue120(d.horizontal, int32(math.Round(d.steps*120)))
	case p.version >= pointerVersionFrame:
		p.handler.AxisDiscrete(d.horizontal, int32(math.Round(d.steps)))
	}
}
