package timelapseservice

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// writeManifest lists every extracted frame in lexical order with a fixed
// per-frame display duration of 1/fps, in the format the concat demuxer
// consumes. Frame filenames are fixed width, so lexical order is
// chronological order. Returns the number of frames listed.
func writeManifest(framesDir, manifestPath string, fps float64) (int, error) {
	const op = "service.timelapse.writeManifest"

	frames, err := filepath.Glob(filepath.Join(framesDir, "*.png"))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	sort.Strings(frames)

	var b strings.Builder

	frameDuration := 1 / fps
	for _, frame := range frames {
		fmt.Fprintf(&b, "file '%s'\n", filepath.ToSlash(frame))
		fmt.Fprintf(&b, "duration %g\n", frameDuration)
	}

	if err := os.WriteFile(manifestPath, []byte(b.String()), 0644); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return len(frames), nil
}
