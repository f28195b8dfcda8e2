// Package record implements the on-disk encoding for bytecask data and
// hint records: pure encode/decode functions over byte buffers, plus the
// CRC32 check that guards every data record.
//
// Data record layout (big-endian, contiguous):
//
//	offset  size  field
//	0       4     CRC32 (over everything from offset 4 to the end)
//	4       4     timestamp (seconds since epoch)
//	8       2     key size
//	10      4     value size (0 => tombstone)
//	14      ks    key bytes
//	14+ks   vs    value bytes
//
// Hint record layout (sidecar to a merged data file, no CRC, no value):
//
//	offset  size  field
//	0       4     timestamp
//	4       2     key size
//	6       4     value size
//	10      4     pos (offset of the data record in its file)
//	14      ks    key bytes
package record

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/valyala/bytebufferpool"
)

// HeaderSize is the fixed portion of a data record, before the key.
const HeaderSize = 14

// HintHeaderSize is the fixed portion of a hint record, before the key.
const HintHeaderSize = 14

// MaxKeySize and MaxValueSize bound the sizes spec.md §3 allows on disk.
const (
	MaxKeySize   = 1<<16 - 1
	MaxValueSize = 1<<31 - 1
)

// Header is the decoded fixed portion of a data record.
type Header struct {
	CRC       uint32
	Timestamp uint32
	KeySize   uint16
	ValueSize uint32
}

// Entry is a fully decoded data record.
type Entry struct {
	Header
	Key   []byte
	Value []byte
}

// IsTombstone reports whether this entry represents a deletion.
func (e Entry) IsTombstone() bool { return e.ValueSize == 0 }

// HintEntry is a fully decoded hint record.
type HintEntry struct {
	Timestamp uint32
	KeySize   uint16
	ValueSize uint32
	Pos       uint32
	Key       []byte
}

// EncodeData serializes a single data record. ts is seconds-since-epoch,
// truncated to 32 bits by the caller (see datafiles.now32).
func EncodeData(key, value []byte, ts uint32) []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	total := HeaderSize + len(key) + len(value)
	buf.B = append(buf.B, make([]byte, total)...)

	b := buf.B
	binary.BigEndian.PutUint32(b[4:8], ts)
	binary.BigEndian.PutUint16(b[8:10], uint16(len(key)))
	binary.BigEndian.PutUint32(b[10:14], uint32(len(value)))
	copy(b[HeaderSize:], key)
	copy(b[HeaderSize+len(key):], value)

	crc := crc32.ChecksumIEEE(b[4:])
	binary.BigEndian.PutUint32(b[0:4], crc)

	out := make([]byte, total)
	copy(out, b)
	return out
}

// EncodeHint serializes a single hint record for the given data entry
// location.
func EncodeHint(key []byte, valueSize uint32, ts uint32, pos uint32) []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	total := HintHeaderSize + len(key)
	buf.B = append(buf.B, make([]byte, total)...)

	b := buf.B
	binary.BigEndian.PutUint32(b[0:4], ts)
	binary.BigEndian.PutUint16(b[4:6], uint16(len(key)))
	binary.BigEndian.PutUint32(b[6:10], valueSize)
	binary.BigEndian.PutUint32(b[10:14], pos)
	copy(b[HintHeaderSize:], key)

	out := make([]byte, total)
	copy(out, b)
	return out
}

// DecodeHeader decodes the fixed 14-byte header from the front of buf.
// It does not validate the CRC.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrTruncated
	}
	return Header{
		CRC:       binary.BigEndian.Uint32(buf[0:4]),
		Timestamp: binary.BigEndian.Uint32(buf[4:8]),
		KeySize:   binary.BigEndian.Uint16(buf[8:10]),
		ValueSize: binary.BigEndian.Uint32(buf[10:14]),
	}, nil
}

// VerifyAndDecode decodes a complete data record and validates its CRC.
// buf must contain exactly one record (header + key + value), as
// returned by a pooled reader's indexed read.
func VerifyAndDecode(buf []byte) (Entry, error) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return Entry{}, err
	}

	want := HeaderSize + int(hdr.KeySize) + int(hdr.ValueSize)
	if len(buf) < want {
		return Entry{}, ErrTruncated
	}

	if crc32.ChecksumIEEE(buf[4:want]) != hdr.CRC {
		return Entry{}, ErrCorrupt
	}

	key := make([]byte, hdr.KeySize)
	copy(key, buf[HeaderSize:HeaderSize+int(hdr.KeySize)])

	value := make([]byte, hdr.ValueSize)
	copy(value, buf[HeaderSize+int(hdr.KeySize):want])

	return Entry{Header: hdr, Key: key, Value: value}, nil
}

// DecodeAt decodes one data record starting at offset 0 of buf, without
// requiring buf to contain exactly one record — for buffers where the
// next record's bytes may follow immediately after. It returns the
// entry and the number of bytes consumed.
func DecodeAt(buf []byte) (Entry, int, error) {
	if len(buf) < HeaderSize {
		return Entry{}, 0, ErrTruncated
	}
	hdr, _ := DecodeHeader(buf)
	total := HeaderSize + int(hdr.KeySize) + int(hdr.ValueSize)
	if len(buf) < total {
		return Entry{}, 0, ErrTruncated
	}
	if crc32.ChecksumIEEE(buf[4:total]) != hdr.CRC {
		return Entry{}, 0, ErrCorrupt
	}

	key := make([]byte, hdr.KeySize)
	copy(key, buf[HeaderSize:HeaderSize+int(hdr.KeySize)])
	value := make([]byte, hdr.ValueSize)
	copy(value, buf[HeaderSize+int(hdr.KeySize):total])

	return Entry{Header: hdr, Key: key, Value: value}, total, nil
}

// DecodeHintAt decodes one hint record starting at offset 0 of buf. It
// returns the entry and the number of bytes consumed.
func DecodeHintAt(buf []byte) (HintEntry, int, error) {
	if len(buf) < HintHeaderSize {
		return HintEntry{}, 0, ErrTruncated
	}
	ks := binary.BigEndian.Uint16(buf[4:6])
	total := HintHeaderSize + int(ks)
	if len(buf) < total {
		return HintEntry{}, 0, ErrTruncated
	}

	key := make([]byte, ks)
	copy(key, buf[HintHeaderSize:total])

	return HintEntry{
		Timestamp: binary.BigEndian.Uint32(buf[0:4]),
		KeySize:   ks,
		ValueSize: binary.BigEndian.Uint32(buf[6:10]),
		Pos:       binary.BigEndian.Uint32(buf[10:14]),
		Key:       key,
	}, total, nil
}
