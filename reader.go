// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pargzip

import (
	"context"
	"io"
)

// readerLoop is the sole Reader stage goroutine. It reads src in
// opt.BlockSize chunks, assigns monotonically increasing sequence
// numbers starting at 1, and submits each non-empty chunk to eng.
//
// On reaching end of input it publishes the final sequence number via
// eng.setLastSequence, which is the sole write to that value; Workers
// and the Writer only ever read it. Publication happens strictly after
// the corresponding block has been submitted, so a Worker may dequeue
// and start compressing the true last block before last_sequence is
// visible to it -- this is the race the Writer's last-block correction
// (see dispatch.go) exists to repair.
func readerLoop(ctx context.Context, src io.Reader, opt *Options, eng *engine, errs *errSlot) {
	seq := uint64(0)
	buf := make([]byte, opt.BlockSize)
	for {
		if errs.get() != nil {
			return
		}
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			seq++
			data := make([]byte, n)
			copy(data, buf[:n])
			if serr := eng.submit(ctx, rawBlock{seq: seq, data: data}); serr != nil {
				errs.push(&Error{Kind: InputRead, Seq: seq, Err: serr})
				return
			}
		}
		switch err {
		case nil:
			continue
		case io.EOF, io.ErrUnexpectedEOF:
			if seq == 0 {
				// Zero-length input: submit a single synthetic empty
				// last block rather than special-casing the Writer.
				if serr := eng.submit(ctx, rawBlock{seq: 1, data: nil}); serr != nil {
					errs.push(&Error{Kind: InputRead, Seq: 1, Err: serr})
					return
				}
				seq = 1
			}
			eng.setLastSequence(seq)
			return
		default:
			errs.push(&Error{Kind: InputRead, Seq: seq, Err: err})
			return
		}
	}
}
