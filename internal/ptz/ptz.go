// SPDX-License-Identifier: MIT

// Package ptz defines the pan-tilt-zoom command passthrough a camera worker
// forwards ptz_move commands through. No concrete camera protocol is
// implemented; Controller is an opaque seam a real driver would later
// satisfy.
package ptz

import "fmt"

// Move is one pan/tilt/zoom command, decoded from a command's params map.
type Move struct {
	Pan  float64
	Tilt float64
	Zoom float64
}

// Controller accepts PTZ move requests for a single camera.
type Controller interface {
	Move(cameraID string, m Move) error
}

// NoopController accepts every move and does nothing, the default when no
// camera in the fleet has PTZ hardware wired behind it.
type NoopController struct{}

func (NoopController) Move(string, Move) error { return nil }

// ParseMove extracts a Move from a command's raw params map, defaulting any
// missing axis to zero.
func ParseMove(params map[string]interface{}) (Move, error) {
	var m Move
	for key, dst := range map[string]*float64{"pan": &m.Pan, "tilt": &m.Tilt, "zoom": &m.Zoom} {
		v, ok := params[key]
		if !ok {
			continue
		}
		f, ok := v.(float64)
		if !ok {
			return Move{}, fmt.Errorf("ptz: param %q has non-numeric value %v", key, v)
		}
		*dst = f
	}
	return m, nil
}
