package models

import "path/filepath"

// Job is one working directory for a download/build run. Segment files land
// directly in Dir, extracted frames in the TempFrames subdirectory.
type Job struct {
	ID  string `json:"id"`
	Dir string `json:"dir"`
}

func (j Job) FramesDir() string {
	return filepath.Join(j.Dir, "TempFrames")
}

func (j Job) ManifestPath() string {
	return filepath.Join(j.FramesDir(), "ffmpeg_input.txt")
}
