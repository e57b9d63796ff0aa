// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package pargzip implements a parallel gzip (RFC 1952) encoder. It
// splits an input byte source into fixed-size blocks, compresses them
// independently across a pool of worker goroutines, and reassembles the
// resulting DEFLATE streams in input order into a single gzip member
// that any standard gzip decoder can read.
//
// Throughput scales with available CPUs because blocks are compressed
// with no shared state between them: each block gets its own DEFLATE
// encoder and no compression dictionary carries over from one block to
// the next. That independence is what makes parallel compression safe,
// and it is also the reason the compressed output differs, byte for
// byte, from what a single-threaded gzip encoder given the same input
// would produce. Decompressing either one yields identical bytes.
package pargzip

import (
	"context"
	"io"
)

// Compress reads all of src, compresses it in parallel according to
// opts, and writes a single gzip member to dst. It returns once the
// trailer has been written to dst, or once a fatal error has been
// recorded -- the first such error, regardless of which stage recorded
// it. Compress does not close src or dst; that is the caller's
// responsibility.
//
// With no options, Compress compresses at level 9 with 128 000 byte
// blocks and GOMAXPROCS workers.
func Compress(ctx context.Context, dst io.Writer, src io.Reader, opts ...Option) error {
	opt, err := newOptions(opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := newErrSlot(cancel)

	headerLen, err := writeHeader(dst, opt)
	if err != nil {
		return &Error{Kind: OutputWrite, Err: err}
	}

	eng := newEngine(ctx, opt, errs)

	readerDone := make(chan struct{})
	go func() {
		readerLoop(ctx, src, opt, eng, errs)
		eng.closeWork()
		close(readerDone)
	}()

	w := newWriter(dst, opt, headerLen)
	runErr := w.run(ctx, eng)
	errs.push(runErr)
	<-readerDone

	if err := errs.get(); err != nil {
		return err
	}
	return runErr
}
