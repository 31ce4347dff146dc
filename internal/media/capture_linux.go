//go:build linux

package media

import (
	"context"
	"errors"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/proto"
)

type attempt struct {
	video bool
	audio bool
	label string
}

// attempts lists capture combinations in preference order. GetUserMedia fails
// as a unit, so a busy microphone must not take the camera down with it.
func attempts(m proto.Media) []attempt {
	if !m.Video() {
		return []attempt{{false, true, "audio-only"}}
	}
	return []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
}

// Acquire opens the camera and microphone through pion/mediadevices
// (V4L2 + malgo).
func (s *Source) Acquire(ctx context.Context, m proto.Media) (call.LocalMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = s.opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	for _, d := range devices {
		log.Printf("MEDIA: device kind=%v label=%q", d.Kind, d.Label)
	}

	var errs []error
	for _, a := range attempts(m) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// MJPEG nodes on some cameras emit malformed frames that poison
				// the VP8 encoder; raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: s.opts.MaxWidth}
				c.Height = prop.IntRanged{Max: s.opts.MaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			errs = append(errs, err)
			continue
		}

		tracks := stream.GetTracks()
		local := &capture{}
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Printf("MEDIA: local %s track ended: %v", t.Kind(), err)
				}
			})
			local.tracks = append(local.tracks, t)
		}
		log.Printf("MEDIA: captured %s, %d tracks", a.label, len(tracks))
		return local, nil
	}
	return nil, errors.Join(append([]error{ErrNoDevices}, errs...)...)
}

type capture struct {
	tracks []mediadevices.Track
}

func (c *capture) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(c.tracks))
	for _, t := range c.tracks {
		out = append(out, t)
	}
	return out
}

func (c *capture) Close() error {
	var errs []error
	for _, t := range c.tracks {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
