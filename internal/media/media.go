// Package media captures local camera and microphone tracks for calls.
package media

import (
	"errors"

	"github.com/petervdpas/goopcall/internal/call"
)

// ErrNoDevices is returned when no capture device could be opened.
var ErrNoDevices = errors.New("no media capture devices available")

// Options tunes local capture.
type Options struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

// Source is a call.MediaSource backed by the local devices.
type Source struct {
	opts Options
}

var _ call.MediaSource = (*Source)(nil)

// NewSource returns a Source. Zero options cap video at 640x480, 1.5 Mbps.
func NewSource(opts Options) *Source {
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = 640
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = 480
	}
	if opts.VideoBitRate <= 0 {
		opts.VideoBitRate = 1_500_000
	}
	return &Source{opts: opts}
}
