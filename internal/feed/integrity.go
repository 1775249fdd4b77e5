package feed

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maypok86/otter"
)

var (
	ErrMissingType      = errors.New("feed: frame missing type")
	ErrMissingTimestamp = errors.New("feed: frame missing timestamp")
	ErrDuplicateFrame   = errors.New("feed: duplicate frame")
	ErrChecksumMismatch = errors.New("feed: checksum mismatch")
)

const dedupCacheSize = 65536

// Integrity validates incoming frames before they enter the pipeline:
// required fields, duplicate suppression within a sliding window, and an
// optional MD5 checksum over the value bytes. Rejections are counted by the
// caller and never affect endpoint health.
type Integrity struct {
	seen otter.Cache[string, time.Time]
}

func NewIntegrity(window time.Duration) (*Integrity, error) {
	if window <= 0 {
		window = 30 * time.Second
	}
	seen, err := otter.MustBuilder[string, time.Time](dedupCacheSize).
		WithTTL(window).
		Build()
	if err != nil {
		return nil, fmt.Errorf("feed: build dedup cache: %w", err)
	}
	return &Integrity{seen: seen}, nil
}

// Validate returns nil and marks the frame seen when it passes all checks.
// A frame that fails the checksum is not marked seen, so a clean retransmit
// of the same id still gets through.
func (i *Integrity) Validate(f *RawFrame) error {
	if f.Type == "" {
		return ErrMissingType
	}
	if f.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	key := f.ID
	if key == "" {
		key = f.Type + "|" + strconv.FormatInt(f.Timestamp.UnixNano(), 10)
	}
	if _, dup := i.seen.Get(key); dup {
		return ErrDuplicateFrame
	}
	if f.Checksum != "" {
		sum := md5.Sum(f.Value)
		if hex.EncodeToString(sum[:]) != strings.ToLower(f.Checksum) {
			return ErrChecksumMismatch
		}
	}
	i.seen.Set(key, time.Now())
	return nil
}

func (i *Integrity) Close() {
	i.seen.Close()
}

// rejectReason maps a validation error to its metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingType):
		return "missing_type"
	case errors.Is(err, ErrMissingTimestamp):
		return "missing_timestamp"
	case errors.Is(err, ErrDuplicateFrame):
		return "duplicate"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum"
	default:
		return "invalid"
	}
}
