package tracker

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reading is one decoded reader line.
type Reading struct {
	Antenna   string
	TagID     string
	Timestamp time.Time
	RSSI      int // dBm
}

// Reason classifies a rejected line.
type Reason string

const (
	ReasonEmpty        Reason = "empty"
	ReasonFieldCount   Reason = "field_count"
	ReasonEmptyTag     Reason = "empty_tag"
	ReasonBadTimestamp Reason = "bad_timestamp"
	ReasonBadRSSI      Reason = "bad_rssi"
	ReasonBadInstant   Reason = "bad_instant"
)

// RejectError is returned by Parse for malformed lines.
type RejectError struct {
	Reason Reason
	Line   string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("reject %s: %q", e.Reason, e.Line)
}

// maxEpochMillis is the largest representable instant, ±100,000,000 days.
const maxEpochMillis = 8_640_000_000_000_000

// Parse decodes "<antenna>,<tagId>,<epochMillis>,<rssi>".
func Parse(line string) (Reading, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Reading{}, &RejectError{Reason: ReasonEmpty, Line: line}
	}

	parts := strings.Split(trimmed, ",")
	if len(parts) != 4 {
		return Reading{}, &RejectError{Reason: ReasonFieldCount, Line: line}
	}

	antenna := strings.TrimSpace(parts[0])
	tagID := strings.TrimSpace(parts[1])
	if tagID == "" {
		return Reading{}, &RejectError{Reason: ReasonEmptyTag, Line: line}
	}

	ms, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
	if err != nil {
		return Reading{}, &RejectError{Reason: ReasonBadTimestamp, Line: line}
	}

	rssi, err := strconv.Atoi(strings.TrimSpace(parts[3]))
	if err != nil {
		return Reading{}, &RejectError{Reason: ReasonBadRSSI, Line: line}
	}

	if ms > maxEpochMillis || ms < -maxEpochMillis {
		return Reading{}, &RejectError{Reason: ReasonBadInstant, Line: line}
	}

	return Reading{
		Antenna:   antenna,
		TagID:     tagID,
		Timestamp: time.UnixMilli(ms).UTC(),
		RSSI:      rssi,
	}, nil
}
