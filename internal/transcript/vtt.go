// Package transcript parses WebVTT subtitle files and groups their cues into
// fixed-duration windows, the unit of work handed to the extraction engine.
package transcript

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

// Cue is one timed caption from a VTT file.
type Cue struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Segment is a contiguous window of transcript text within an episode.
type Segment struct {
	ID        string
	EpisodeID string
	Start     time.Duration
	End       time.Duration
	Text      string
}

// ParseVTT reads a WebVTT stream into cues. NOTE and STYLE blocks are
// skipped; cue identifiers are ignored.
func ParseVTT(r io.Reader) ([]Cue, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		return nil, fmt.Errorf("empty file")
	}
	header := strings.TrimPrefix(strings.TrimSpace(scanner.Text()), "\uFEFF")
	if !strings.HasPrefix(header, "WEBVTT") {
		return nil, fmt.Errorf("not a WebVTT file: first line %q", header)
	}

	var (
		cues    []Cue
		current *Cue
		skip    bool
	)
	flush := func() {
		if current != nil {
			current.Text = strings.TrimSpace(current.Text)
			if current.Text != "" {
				cues = append(cues, *current)
			}
			current = nil
		}
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" {
			flush()
			skip = false
			continue
		}
		if skip {
			continue
		}
		if strings.HasPrefix(line, "NOTE") || strings.HasPrefix(line, "STYLE") || strings.HasPrefix(line, "REGION") {
			flush()
			skip = true
			continue
		}

		if strings.Contains(line, "-->") {
			start, end, err := parseTiming(line)
			if err != nil {
				return nil, err
			}
			current = &Cue{Start: start, End: end}
			continue
		}

		if current != nil {
			if current.Text != "" {
				current.Text += " "
			}
			current.Text += line
		}
		// Anything before a timing line is a cue identifier; ignored.
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read cues: %w", err)
	}
	return cues, nil
}

func parseTiming(line string) (time.Duration, time.Duration, error) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed cue timing %q", line)
	}
	start, err := parseTimestamp(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cue timing %q: %w", line, err)
	}
	// Cue settings may follow the end timestamp.
	endField := strings.Fields(strings.TrimSpace(parts[1]))
	if len(endField) == 0 {
		return 0, 0, fmt.Errorf("malformed cue timing %q", line)
	}
	end, err := parseTimestamp(endField[0])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cue timing %q: %w", line, err)
	}
	return start, end, nil
}

// parseTimestamp accepts hh:mm:ss.mmm and mm:ss.mmm forms.
func parseTimestamp(ts string) (time.Duration, error) {
	var h, m, s, ms int
	switch strings.Count(ts, ":") {
	case 2:
		if _, err := fmt.Sscanf(ts, "%d:%d:%d.%d", &h, &m, &s, &ms); err != nil {
			return 0, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
	case 1:
		if _, err := fmt.Sscanf(ts, "%d:%d.%d", &m, &s, &ms); err != nil {
			return 0, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
	default:
		return 0, fmt.Errorf("parse timestamp %q: unexpected format", ts)
	}
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(ms)*time.Millisecond, nil
}

// Window groups cues into consecutive fixed-duration segments. Segment IDs
// are stable across runs so checkpoints survive a restart.
func Window(episodeID string, cues []Cue, window time.Duration) []Segment {
	if len(cues) == 0 || window <= 0 {
		return nil
	}

	var segments []Segment
	var current *Segment
	index := 0
	boundary := window

	for _, cue := range cues {
		if current != nil && cue.Start >= boundary {
			segments = append(segments, *current)
			current = nil
		}
		if cue.Start >= boundary {
			boundary = (cue.Start/window + 1) * window
		}
		if current == nil {
			current = &Segment{
				ID:        fmt.Sprintf("%s-seg-%03d", episodeID, index),
				EpisodeID: episodeID,
				Start:     cue.Start,
			}
			index++
		}
		if current.Text != "" {
			current.Text += " "
		}
		current.Text += cue.Text
		current.End = cue.End
	}
	if current != nil {
		segments = append(segments, *current)
	}
	return segments
}
