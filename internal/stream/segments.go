package stream

import (
	"strings"
	"time"

	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// AppendSegment merges delta into the trailing segment when it has the same
// type, otherwise starts a new one. A whitespace-only delta never starts a
// segment but is kept when it continues one, so spacing between words
// survives chunking.
func AppendSegment(segments []models.Segment, delta string, typ models.SegmentType, now time.Time) []models.Segment {
	if delta == "" {
		return segments
	}
	if n := len(segments); n > 0 && segments[n-1].Type == typ {
		out := append([]models.Segment(nil), segments...)
		out[n-1].Content += delta
		return out
	}
	if strings.TrimSpace(delta) == "" {
		return segments
	}
	return append(segments, models.Segment{
		Type:      typ,
		Content:   delta,
		Timestamp: now.UnixMilli(),
	})
}
