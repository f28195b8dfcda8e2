package record

import "errors"

// ErrTruncated is returned when a buffer is too short to hold a
// complete record — the caller's scan has hit a torn tail record.
var ErrTruncated = errors.New("record: truncated")

// ErrCorrupt is returned when a record's CRC does not match its bytes.
var ErrCorrupt = errors.New("record: corrupt (crc mismatch)")
