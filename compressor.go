// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pargzip

import (
	"bytes"
	stdflate "compress/flate"
	"io"

	"github.com/klauspost/compress/flate"
)

// flateWriter is the subset of compress/flate.Writer and
// klauspost/compress/flate.Writer that the Block Compressor needs. Both
// packages implement it identically, which is what makes FlateImpl a
// safe, drop-in choice.
type flateWriter interface {
	Write(p []byte) (int, error)
	Flush() error
	Close() error
}

func newFlateWriter(impl FlateImpl, dst io.Writer, level int) (flateWriter, error) {
	switch impl {
	case FlateStdlib:
		return stdflate.NewWriter(dst, level)
	default:
		return flate.NewWriter(dst, level)
	}
}

// compressBlock compresses one block's raw bytes into a raw DEFLATE
// stream (no zlib/gzip wrapper). A fresh encoder is created per block:
// there is no dictionary carried over between blocks, which is precisely
// what makes compressing blocks in parallel safe.
//
// A non-last block is SYNC-flushed, which byte-aligns the output and
// terminates it with an empty stored block, making it safe to
// concatenate with the next block's output. The last block is
// FINISH-flushed (Close), which sets BFINAL and terminates the DEFLATE
// stream.
func compressBlock(seq uint64, data []byte, isLast bool, opt *Options) ([]byte, error) {
	var dst bytes.Buffer
	// Headroom for incompressible input plus DEFLATE's own overhead.
	dst.Grow(len(data) + len(data)>>3 + 64)

	fw, err := newFlateWriter(opt.flateImpl, &dst, opt.Level)
	if err != nil {
		return nil, &Error{Kind: CompressionFailure, Seq: seq, Err: err}
	}
	if len(data) > 0 {
		if _, err := fw.Write(data); err != nil {
			return nil, &Error{Kind: CompressionFailure, Seq: seq, Err: err}
		}
	}
	if isLast {
		if err := fw.Close(); err != nil {
			return nil, &Error{Kind: CompressionFailure, Seq: seq, Err: err}
		}
	} else {
		if err := fw.Flush(); err != nil {
			return nil, &Error{Kind: CompressionFailure, Seq: seq, Err: err}
		}
	}
	return dst.Bytes(), nil
}
