package metrics

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/splax/pulse/internal/apperr"
	"github.com/splax/pulse/internal/repository"
)

// Cursor is the opaque resume point handed to clients between pages.
type Cursor string

// EncodeCursor renders the position of the last returned sample.
func EncodeCursor(pos repository.SampleCursor) Cursor {
	if pos.IsZero() {
		return ""
	}
	raw := strconv.FormatInt(pos.Timestamp.UnixNano(), 10) + ":" + strconv.FormatInt(pos.ID, 10)
	return Cursor(base64.RawURLEncoding.EncodeToString([]byte(raw)))
}

// DecodeCursor parses a cursor produced by EncodeCursor. An empty cursor is the
// start of the range.
func DecodeCursor(c Cursor) (repository.SampleCursor, error) {
	value := strings.TrimSpace(string(c))
	if value == "" {
		return repository.SampleCursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return repository.SampleCursor{}, apperr.Validation("invalid cursor")
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return repository.SampleCursor{}, apperr.Validation("invalid cursor")
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return repository.SampleCursor{}, apperr.Validation("invalid cursor")
	}
	sampleID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || sampleID <= 0 {
		return repository.SampleCursor{}, apperr.Validation("invalid cursor")
	}
	return repository.SampleCursor{Timestamp: time.Unix(0, nanos).UTC(), ID: sampleID}, nil
}
