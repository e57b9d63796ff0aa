// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pargzip

import (
	"encoding/binary"
	"errors"
	"io"
	"runtime"
	"strings"
)

// Fixed gzip member framing, RFC 1952 section 2.3.
const (
	gzipID1     = 0x1f
	gzipID2     = 0x8b
	gzipDeflate = 8

	flagFText    = 0x01
	flagFHCRC    = 0x02
	flagFExtra   = 0x04
	flagFName    = 0x08
	flagFComment = 0x10
)

// finalEmptyBlock is a minimal, byte-aligned DEFLATE stream: a BFINAL=1,
// BTYPE=01 (fixed Huffman, zero-length) block. Appending it after a
// SYNC-flushed last block repairs a stream that ended on an empty stored
// block rather than a true end-of-stream marker (see dispatch.go).
var finalEmptyBlock = []byte{0x03, 0x00}

// osByte maps the host platform to the gzip header's OS byte.
func osByte() byte {
	switch runtime.GOOS {
	case "windows":
		return 0
	case "linux", "darwin", "freebsd", "netbsd", "openbsd", "dragonfly", "aix", "solaris":
		return 3
	default:
		return 255
	}
}

// xflByte derives XFL from the compression level: the fastest and
// slowest levels each get a dedicated value, every other level is 0.
func xflByte(level int) byte {
	switch level {
	case 9:
		return 2
	case 1:
		return 4
	default:
		return 0
	}
}

// latin1NulTerminated encodes s as NUL-terminated ISO 8859-1, per RFC
// 1952's constraint on header strings. ok is false if s contains a rune
// outside Latin-1 or an embedded NUL, in which case the caller omits the
// field and clears the corresponding flag bit rather than failing.
func latin1NulTerminated(s string) (encoded []byte, ok bool) {
	b := make([]byte, 0, len(s)+1)
	for _, r := range s {
		if r == 0 || r > 0xff {
			return nil, false
		}
		b = append(b, byte(r))
	}
	return append(b, 0), true
}

// gzipName strips a trailing ".gz" from name (matching gzip(1)'s
// convention that the stored name is that of the decompressed content)
// and Latin-1 encodes it.
func gzipName(name string) (encoded []byte, ok bool) {
	return latin1NulTerminated(strings.TrimSuffix(name, ".gz"))
}

// writeHeader writes the fixed 10-byte gzip header followed by any
// optional FEXTRA/FNAME/FCOMMENT fields. It returns the number of bytes
// written so the Writer stage can track CompressedSize from the very
// first byte.
func writeHeader(w io.Writer, opt *Options) (int, error) {
	var buf [10]byte
	buf[0] = gzipID1
	buf[1] = gzipID2
	buf[2] = gzipDeflate

	var flg byte
	var nameField, commentField []byte

	if len(opt.Extra) > 0 {
		flg |= flagFExtra
	}
	if opt.Name != "" {
		if enc, ok := gzipName(opt.Name); ok {
			nameField = enc
			flg |= flagFName
		}
	}
	if opt.Comment != "" {
		if enc, ok := latin1NulTerminated(opt.Comment); ok {
			commentField = enc
			flg |= flagFComment
		}
	}
	buf[3] = flg

	if !opt.ModTime.IsZero() {
		binary.LittleEndian.PutUint32(buf[4:8], uint32(opt.ModTime.Unix()))
	}
	buf[8] = xflByte(opt.Level)
	buf[9] = osByte()

	n, err := w.Write(buf[:])
	if err != nil {
		return n, err
	}
	total := n

	if len(opt.Extra) > 0 {
		if len(opt.Extra) > 0xffff {
			return total, errors.New("pargzip: extra field too large")
		}
		var xlen [2]byte
		binary.LittleEndian.PutUint16(xlen[:], uint16(len(opt.Extra)))
		n, err = w.Write(xlen[:])
		total += n
		if err != nil {
			return total, err
		}
		n, err = w.Write(opt.Extra)
		total += n
		if err != nil {
			return total, err
		}
	}

	if nameField != nil {
		n, err = w.Write(nameField)
		total += n
		if err != nil {
			return total, err
		}
	}

	if commentField != nil {
		n, err = w.Write(commentField)
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// writeTrailer writes the 8-byte CRC-32/ISIZE trailer, both fields
// little-endian.
func writeTrailer(w io.Writer, crc32sum uint32, inputSize uint64) (int, error) {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], crc32sum)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(inputSize))
	return w.Write(buf[:])
}
