// Package timeline turns heterogeneous recording timestamps into a session
// timeline and derives the canonical session duration from it.
package timeline

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// unixMillisThreshold separates unix seconds from unix milliseconds.
// 1e11 seconds is in the year 5138.
const unixMillisThreshold = 1e11

// Parse converts a recording timestamp to an instant. It accepts RFC 3339,
// "YYYY-MM-DD HH:MM:SS[.fff]" and "YYYY-MM-DDTHH:MM:SS[.fff]" (local time
// when no zone is given), and unix seconds or milliseconds. It never
// panics; unparseable input reports false.
func Parse(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(n) || math.IsInf(n, 0) || n < 0 {
			return time.Time{}, false
		}
		if n >= unixMillisThreshold {
			return time.UnixMilli(int64(n)).UTC(), true
		}
		sec, frac := math.Modf(n)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}

	for _, layout := range layouts {
		var (
			t   time.Time
			err error
		)
		if strings.Contains(layout, "Z07") {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, time.Local)
		}
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Entry is one recording placed on the timeline.
type Entry struct {
	// Index is the position of the timestamp in the input slice.
	Index int
	// Offset is whole seconds since the earliest parsed timestamp, or the
	// entry's timeline position when its timestamp did not parse.
	Offset  int64
	Parsed  bool
	Instant time.Time
}

// Build orders timestamps into a timeline. Parsed timestamps come first in
// chronological order (ties keep input order); unparseable ones follow in
// input order and use their timeline position as their offset. When nothing
// parses, every offset is its position.
func Build(timestamps []string) []Entry {
	entries := make([]Entry, len(timestamps))
	for i, ts := range timestamps {
		t, ok := Parse(ts)
		entries[i] = Entry{Index: i, Parsed: ok, Instant: t}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Parsed != b.Parsed {
			return a.Parsed
		}
		if !a.Parsed {
			return false
		}
		return a.Instant.Before(b.Instant)
	})

	var base time.Time
	hasBase := len(entries) > 0 && entries[0].Parsed
	if hasBase {
		base = entries[0].Instant
	}

	for pos := range entries {
		e := &entries[pos]
		if e.Parsed && hasBase {
			e.Offset = int64(e.Instant.Sub(base) / time.Second)
		} else {
			e.Offset = int64(pos)
		}
	}
	return entries
}

// Duration returns the canonical session duration in whole seconds: the
// largest offset on the timeline. An empty input yields 0.
//
// This is intentionally not the offset of the last entry. Unparsed
// timestamps sort last and their offset is their position on the sorted
// timeline rather than their input index, so the last entry of a mixed
// timeline can carry a small positional offset that must not shorten the
// session.
func Duration(timestamps []string) int64 {
	var d int64
	for _, e := range Build(timestamps) {
		if e.Offset > d {
			d = e.Offset
		}
	}
	return d
}

// Offsets returns each input timestamp's offset, indexed like the input.
func Offsets(timestamps []string) []int64 {
	out := make([]int64, len(timestamps))
	for _, e := range Build(timestamps) {
		out[e.Index] = e.Offset
	}
	return out
}
