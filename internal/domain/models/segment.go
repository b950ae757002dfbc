package models

import (
	"fmt"
	"time"
)

// Segment is one chunk of requested recording time, at most an hour long,
// downloaded as a single file.
type Segment struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s Segment) StartMs() int64 {
	return s.Start.UnixMilli()
}

func (s Segment) EndMs() int64 {
	return s.End.UnixMilli()
}

func (s Segment) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// FileName is deterministic per (date, start epoch, camera) so re-running the
// same window overwrites rather than duplicates.
func (s Segment) FileName(camera string) string {
	return fmt.Sprintf("%s_%d_%s.mp4", s.Start.Format("20060102"), s.StartMs(), camera)
}
