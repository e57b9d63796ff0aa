// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pargzip

import (
	"container/heap"
	"context"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"sync"
	"sync/atomic"
)

var numWorkerGoRoutines int64

// ActiveWorkers returns the number of Block Compressor worker goroutines
// currently running across all in-flight Compress calls in this process.
// It exists for tests that want to assert the pool is actually used, and
// that it is fully torn down afterwards.
func ActiveWorkers() int64 {
	return atomic.LoadInt64(&numWorkerGoRoutines)
}

// rawBlock is a Block: an immutable (sequence#, raw bytes) pair handed
// from the Reader stage to the Dispatcher.
type rawBlock struct {
	seq  uint64
	data []byte
}

// compressedBlock is a CompressedBlock: the Worker's output. raw is
// retained so the Writer can compute CRC-32 over uncompressed data in
// sequence order, deferred from the Worker that did the compressing.
type compressedBlock struct {
	seq    uint64
	data   []byte
	raw    []byte
	isLast bool
}

// engine owns the Dispatcher/Worker Pool: a fixed-size pool of workers
// draining a shared, bounded work queue, plus the single publication
// point for last_sequence that lets a Worker decide its own flush mode.
type engine struct {
	opt  *Options
	errs *errSlot

	lastMu    sync.RWMutex
	lastSeq   uint64
	lastKnown bool

	workCh chan rawBlock
	doneCh chan *compressedBlock
	workWg sync.WaitGroup
}

func newEngine(ctx context.Context, opt *Options, errs *errSlot) *engine {
	e := &engine{
		opt:    opt,
		errs:   errs,
		workCh: make(chan rawBlock, opt.Workers*2),
		doneCh: make(chan *compressedBlock, opt.Workers*2),
	}
	e.workWg.Add(opt.Workers)
	for i := 0; i < opt.Workers; i++ {
		go func() {
			atomic.AddInt64(&numWorkerGoRoutines, 1)
			e.worker(ctx)
			atomic.AddInt64(&numWorkerGoRoutines, -1)
			e.workWg.Done()
		}()
	}
	go func() {
		e.workWg.Wait()
		close(e.doneCh)
	}()
	return e
}

// setLastSequence publishes the final sequence number. It is called
// exactly once, by the Reader, after end-of-input is observed.
func (e *engine) setLastSequence(seq uint64) {
	e.lastMu.Lock()
	e.lastSeq = seq
	e.lastKnown = true
	e.lastMu.Unlock()
}

// lastSequence returns the published final sequence number, and whether
// it has been published yet.
func (e *engine) lastSequence() (seq uint64, known bool) {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	return e.lastSeq, e.lastKnown
}

// isLast reports whether seq is known to be the final block, as observed
// at the time of the call. A false result does not mean seq isn't last,
// only that last_sequence had not yet been published -- see the Writer's
// last-block correction in finish() below.
func (e *engine) isLast(seq uint64) bool {
	last, known := e.lastSequence()
	return known && last == seq
}

// submit hands a block to the work queue, blocking for backpressure if
// all opt.Workers*2 slots are occupied, or returning early if ctx is
// done.
func (e *engine) submit(ctx context.Context, b rawBlock) error {
	select {
	case e.workCh <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeWork signals that no further blocks will be submitted. It must be
// called exactly once, by the Reader, after it returns (whether normally
// or due to an error).
func (e *engine) closeWork() {
	close(e.workCh)
}

func (e *engine) worker(ctx context.Context) {
	for {
		select {
		case b, ok := <-e.workCh:
			if !ok {
				return
			}
			isLast := e.isLast(b.seq)
			data, err := compressBlock(b.seq, b.data, isLast, e.opt)
			if err != nil {
				e.errs.push(err)
				return
			}
			select {
			case e.doneCh <- &compressedBlock{seq: b.seq, data: data, raw: b.data, isLast: isLast}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// compressedHeap orders compressedBlocks by sequence number, giving the
// Writer a cheap way to find "the next block I need" regardless of the
// order workers finish in.
type compressedHeap []*compressedBlock

func (h compressedHeap) Len() int            { return len(h) }
func (h compressedHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h compressedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *compressedHeap) Push(x interface{}) { *h = append(*h, x.(*compressedBlock)) }
func (h *compressedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// writer is the Reorder & Writer Stage. It owns running_crc32,
// input_size and next_expected exclusively: nothing else touches them,
// so no synchronization is needed around them.
type writer struct {
	sink           io.Writer
	opt            *Options
	digest         hash.Hash32
	size           uint64
	compressedSize uint64
}

func newWriter(sink io.Writer, opt *Options, headerLen int) *writer {
	return &writer{
		sink:           sink,
		opt:            opt,
		digest:         crc32.NewIEEE(),
		compressedSize: uint64(headerLen),
	}
}

// run drains eng.doneCh, reassembling blocks in strict sequence order.
// It only finishes once doneCh is closed, which the engine guarantees
// happens only after every worker has exited -- in particular, only
// after the Reader has published last_sequence and closed the work
// queue. This is deliberate: a block's own is_last flag, captured by the
// Worker that compressed it, can lag the true last_sequence value (see
// readerLoop), so the Writer cannot safely treat "this block's sequence
// equals the last_sequence I can see right now" as its stopping
// condition. Waiting for the channel close instead means the Writer
// always has the final, fully-published value of last_sequence once it
// decides the stream is done.
func (w *writer) run(ctx context.Context, eng *engine) error {
	h := &compressedHeap{}
	heap.Init(h)
	next := uint64(1)
	var lastCommitted *compressedBlock
	for {
		select {
		case blk, ok := <-eng.doneCh:
			if !ok {
				if h.Len() != 0 {
					return fmt.Errorf("pargzip: stream ended with %d block(s) still unordered", h.Len())
				}
				if lastCommitted == nil {
					return fmt.Errorf("pargzip: stream ended without compressing any blocks")
				}
				return w.finish(lastCommitted)
			}
			heap.Push(h, blk)
			for h.Len() > 0 && (*h)[0].seq == next {
				min := heap.Pop(h).(*compressedBlock)
				if err := w.commit(min); err != nil {
					return err
				}
				lastCommitted = min
				next++
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *writer) commit(blk *compressedBlock) error {
	if len(blk.raw) > 0 {
		w.digest.Write(blk.raw)
	}
	w.size += uint64(len(blk.raw))
	n, err := w.sink.Write(blk.data)
	w.compressedSize += uint64(n)
	if err != nil {
		return &Error{Kind: OutputWrite, Seq: blk.seq, Err: err}
	}
	if w.opt.Progress != nil {
		w.opt.Progress <- Progress{
			Sequence:       blk.seq,
			CRC32:          w.digest.Sum32(),
			InputSize:      w.size,
			CompressedSize: w.compressedSize,
		}
	}
	return nil
}

// finish terminates the stream. If blk was compressed before
// last_sequence was published it was SYNC, not FINISH, flushed, so the
// stream is missing its final marker: append a minimal final DEFLATE
// block (BFINAL=1, empty) rather than recompressing.
func (w *writer) finish(blk *compressedBlock) error {
	if !blk.isLast {
		w.opt.Logger.Printf("pargzip: block %d was the last block but raced last_sequence publication; appending final block marker", blk.seq)
		n, err := w.sink.Write(finalEmptyBlock)
		w.compressedSize += uint64(n)
		if err != nil {
			return &Error{Kind: OutputWrite, Seq: blk.seq, Err: err}
		}
	}
	n, err := writeTrailer(w.sink, w.digest.Sum32(), w.size)
	w.compressedSize += uint64(n)
	if err != nil {
		return &Error{Kind: OutputWrite, Seq: blk.seq, Err: err}
	}
	return nil
}
