package ffmpeg

import (
	"math"
	"testing"
)

func TestParseProgress(t *testing.T) {
	cases := []struct {
		name     string
		line     string
		duration float64
		wantPct  float64
		wantOK   bool
	}{
		{
			name:     "halfway",
			line:     "frame=  750 fps= 25 q=28.0 size=    1024kB time=00:00:30.00 bitrate= 279.6kbits/s speed=1.0x",
			duration: 60,
			wantPct:  50,
			wantOK:   true,
		},
		{
			name:     "fractional seconds",
			line:     "size=  2048kB time=00:01:30.50 bitrate= 186.2kbits/s",
			duration: 181,
			wantPct:  50,
			wantOK:   true,
		},
		{
			name:     "hours component",
			line:     "time=01:00:00.00 bitrate=N/A",
			duration: 7200,
			wantPct:  50,
			wantOK:   true,
		},
		{
			name:     "capped at 100",
			line:     "time=00:02:00.00",
			duration: 60,
			wantPct:  100,
			wantOK:   true,
		},
		{
			name:     "no time marker",
			line:     "Press [q] to stop, [?] for help",
			duration: 60,
			wantOK:   false,
		},
		{
			name:     "zero duration",
			line:     "time=00:00:30.00",
			duration: 0,
			wantOK:   false,
		},
		{
			name:     "negative duration",
			line:     "time=00:00:30.00",
			duration: -1,
			wantOK:   false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pct, ok := parseProgress(tc.line, tc.duration)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if math.Abs(pct-tc.wantPct) > 0.01 {
				t.Errorf("pct = %v, want %v", pct, tc.wantPct)
			}
		})
	}
}

func TestToolErrorMessage(t *testing.T) {
	err := &ToolError{ExitCode: 1, Output: "No such file or directory"}

	want := "tool exited with code 1: No such file or directory"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
