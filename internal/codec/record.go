// Package codec implements the on-disk record format: a fixed header, the
// raw payload, and a footer carrying a CRC32 over header+payload.
//
//	HEADER (24 bytes): magic uint32 | flags uint32 | size uint64 | ts uint64
//	FOOTER ( 8 bytes): crc32 uint32 | magic uint32
//
// All integers are little-endian. The layout is a sealed constant of the
// format and is not configurable.
package codec

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

const (
	// HeaderSize and FooterSize are exposed for offset arithmetic: a record
	// occupies HeaderSize + payload + FooterSize bytes on disk.
	HeaderSize = 24
	FooterSize = 8

	headerMagic uint32 = 0x5A474D31 // "ZGM1"
	footerMagic uint32 = 0x5A474D46 // "ZGMF"

	flagCorrupted uint32 = 1 << 0
)

var (
	// ErrMalformedRecord reports a header or footer that does not parse:
	// wrong magic or too few bytes. The reader cannot step past it.
	ErrMalformedRecord = errors.New("codec: malformed record header")

	// ErrChecksumMismatch reports a record whose footer CRC does not match
	// header+payload.
	ErrChecksumMismatch = errors.New("codec: record checksum mismatch")
)

var enc = binary.LittleEndian

// Header is the decoded fixed-size record header.
type Header struct {
	Size      uint64 // payload bytes
	Timestamp uint64 // record timestamp, seconds
	Corrupted bool
}

// RecordSize returns the total on-disk size of a record with the given
// payload length.
func RecordSize(payloadSize uint64) uint64 {
	return HeaderSize + payloadSize + FooterSize
}

// Encode frames payload buffers into a single record. The buffers are
// concatenated; passing them unjoined avoids a copy in the caller.
func Encode(buffers [][]byte, timestamp uint64, corrupted bool) []byte {
	var payloadSize uint64
	for _, b := range buffers {
		payloadSize += uint64(len(b))
	}

	out := make([]byte, RecordSize(payloadSize))
	encodeHeader(out[:HeaderSize], payloadSize, timestamp, corrupted)

	off := HeaderSize
	for _, b := range buffers {
		off += copy(out[off:], b)
	}

	crc := crc32.ChecksumIEEE(out[:off])
	enc.PutUint32(out[off:], crc)
	enc.PutUint32(out[off+4:], footerMagic)
	return out
}

func encodeHeader(dst []byte, payloadSize, timestamp uint64, corrupted bool) {
	var flags uint32
	if corrupted {
		flags |= flagCorrupted
	}
	enc.PutUint32(dst[0:4], headerMagic)
	enc.PutUint32(dst[4:8], flags)
	enc.PutUint64(dst[8:16], payloadSize)
	enc.PutUint64(dst[16:24], timestamp)
}

// DecodeHeader parses a record header. Returns ErrMalformedRecord if the
// bytes cannot be a record boundary.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrMalformedRecord
	}
	if enc.Uint32(b[0:4]) != headerMagic {
		return Header{}, ErrMalformedRecord
	}
	flags := enc.Uint32(b[4:8])
	return Header{
		Size:      enc.Uint64(b[8:16]),
		Timestamp: enc.Uint64(b[16:24]),
		Corrupted: flags&flagCorrupted != 0,
	}, nil
}

// VerifyFooter checks the footer magic and the CRC over header+payload.
func VerifyFooter(header, payload, footer []byte) error {
	if len(footer) < FooterSize || enc.Uint32(footer[4:8]) != footerMagic {
		return ErrMalformedRecord
	}
	crc := crc32.ChecksumIEEE(header)
	crc = crc32.Update(crc, crc32.IEEETable, payload)
	if enc.Uint32(footer[0:4]) != crc {
		return ErrChecksumMismatch
	}
	return nil
}
