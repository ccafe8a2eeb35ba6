package recorder

import (
	"time"

	"github.com/bryanchriswhite/ScreenRecorder/internal/audio"
)

// frameTiming tracks the presentation time of written frames. When audio
// is recorded, a frame lasts as long as the audio grabbed with it, and the
// difference to the wall clock duration accumulates in totalDiff so later
// frames stay aligned with the audio track.
type frameTiming struct {
	lastStart time.Duration
	totalDiff time.Duration
}

// advance returns the duration and start position of a frame shown for
// dur with pcm recorded alongside it
func (t *frameTiming) advance(dur time.Duration, pcm []byte, format *audio.Format) (duration, start time.Duration) {
	duration = dur
	start = t.lastStart + t.totalDiff
	if format != nil && len(pcm) > 0 {
		diff := format.Duration(len(pcm)) - dur
		duration = dur + diff
		t.totalDiff += diff
	}
	t.lastStart += dur
	return duration, start
}

// untilNext returns how long to wait for the next frame deadline at media
// time now
func (t *frameTiming) untilNext(now, frameDur time.Duration) time.Duration {
	return max(0, frameDur-(now-t.lastStart))
}
