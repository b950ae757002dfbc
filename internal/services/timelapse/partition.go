package timelapseservice

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/protect-tools/timelapse_exporter/internal/domain/models"
)

const maxSegment = time.Hour

// Partition splits the requested [startDate, endDate] x [startTime, endTime)
// window into contiguous segments of at most an hour, one per download. When
// endTime is earlier than startTime the day's window extends past midnight
// into the next calendar day.
func Partition(startDate, endDate time.Time, startTime, endTime string) ([]models.Segment, error) {
	const op = "service.timelapse.Partition"

	startHour, startMin, err := parseClock(startTime)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	endHour, endMin, err := parseClock(endTime)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var segments []models.Segment

	for date := startDate; !date.After(endDate); date = date.AddDate(0, 0, 1) {
		cur := time.Date(date.Year(), date.Month(), date.Day(), startHour, startMin, 0, 0, date.Location())
		end := time.Date(date.Year(), date.Month(), date.Day(), endHour, endMin, 0, 0, date.Location())

		if end.Before(cur) {
			end = end.Add(24 * time.Hour)
		}

		for cur.Before(end) {
			segEnd := cur.Add(maxSegment)
			if segEnd.After(end) {
				segEnd = end
			}

			segments = append(segments, models.Segment{Start: cur, End: segEnd})
			cur = segEnd
		}
	}

	return segments, nil
}

func parseClock(s string) (hour, min int, err error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, use HH:mm", s)
	}

	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid time %q, use HH:mm", s)
	}

	min, err = strconv.Atoi(mm)
	if err != nil || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("invalid time %q, use HH:mm", s)
	}

	return hour, min, nil
}
