package stream

import (
	"errors"
	"fmt"

	"github.com/nearwire/nearwire/pkg/protocol"
)

var (
	// ErrInvalidKind means the stream kind is not camera, screen, or audio.
	ErrInvalidKind = errors.New("invalid stream kind")

	// ErrInvalidQuality means the requested quality is outside 0-100.
	ErrInvalidQuality = errors.New("quality must be between 0 and 100")
)

// Params are the encode parameters a quality level maps to. Video kinds
// use resolution and frame rate; audio uses sample rate. The frame
// source receives them and is expected to honor the target bitrate.
type Params struct {
	Bitrate    int // bits per second
	Width      int
	Height     int
	FrameRate  int
	SampleRate int // Hz, audio only
}

// level is one tier of the quality ladder. Qualities at or above Min
// select the tier.
type level struct {
	Min   int
	Video Params
	Audio Params
}

// Tiers from lowest to highest; ParamsFor walks them backwards.
var levels = []level{
	{
		Min:   0,
		Video: Params{Bitrate: 500_000, Width: 640, Height: 360, FrameRate: 15},
		Audio: Params{Bitrate: 32_000, SampleRate: 16_000},
	},
	{
		Min:   25,
		Video: Params{Bitrate: 1_500_000, Width: 1280, Height: 720, FrameRate: 30},
		Audio: Params{Bitrate: 64_000, SampleRate: 24_000},
	},
	{
		Min:   50,
		Video: Params{Bitrate: 4_000_000, Width: 1920, Height: 1080, FrameRate: 30},
		Audio: Params{Bitrate: 128_000, SampleRate: 48_000},
	},
	{
		Min:   75,
		Video: Params{Bitrate: 8_000_000, Width: 1920, Height: 1080, FrameRate: 60},
		Audio: Params{Bitrate: 256_000, SampleRate: 48_000},
	},
}

// degradeStep is how far quality falls on each congestion downgrade,
// one tier of the ladder.
const degradeStep = 25

// ParamsFor maps a stream kind and quality 0-100 to encode parameters.
func ParamsFor(kind protocol.StreamKind, quality int) (Params, error) {
	if !protocol.ValidStreamKind(kind) {
		return Params{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if quality < 0 || quality > 100 {
		return Params{}, fmt.Errorf("%w: %d", ErrInvalidQuality, quality)
	}
	for i := len(levels) - 1; i >= 0; i-- {
		if quality >= levels[i].Min {
			if kind == protocol.StreamKindAudio {
				return levels[i].Audio, nil
			}
			return levels[i].Video, nil
		}
	}
	return levels[0].Video, nil
}

// degrade returns the next lower quality, clamped at zero.
func degrade(quality int) int {
	quality -= degradeStep
	if quality < 0 {
		quality = 0
	}
	return quality
}
