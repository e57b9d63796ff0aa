// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pargzip

import (
	"io"
	"log"
	"runtime"
	"time"
)

// FlateImpl selects the DEFLATE implementation used by the Block
// Compressor. Both implementations expose the same raw, dictionary-less
// Write/Flush/Close surface; pargzip defaults to the klauspost fork
// because it is a faster drop-in replacement for the same API.
type FlateImpl int

const (
	// FlateKlauspost uses github.com/klauspost/compress/flate.
	FlateKlauspost FlateImpl = iota
	// FlateStdlib uses the standard library's compress/flate.
	FlateStdlib
)

const (
	// DefaultBlockSize is the default block size in bytes.
	DefaultBlockSize = 128 * 1000
	// DefaultLevel is the default compression level.
	DefaultLevel = 9
)

// Progress reports the state of the running CRC-32/size accumulation
// immediately after the Writer stage commits a block in sequence order.
// It is purely observational: no invariant in the core depends on it,
// and nothing changes about the output if no Progress channel is
// supplied.
type Progress struct {
	// Sequence is the sequence number of the block just committed.
	Sequence uint64
	// CRC32 is the running CRC-32 of all input committed so far.
	CRC32 uint32
	// InputSize is the number of uncompressed bytes committed so far.
	InputSize uint64
	// CompressedSize is the number of bytes written to the sink so far,
	// including the gzip header.
	CompressedSize uint64
}

// Options carries PipelineState: the configuration that is fixed for the
// lifetime of a single Compress call, plus the metadata that ends up in
// the gzip header.
type Options struct {
	Level     int
	BlockSize int
	Workers   int

	Name    string
	Comment string
	Extra   []byte
	ModTime time.Time

	Progress  chan<- Progress
	Logger    *log.Logger
	flateImpl FlateImpl
}

// Option configures a Compress call.
type Option func(*Options)

// Level sets the compression level, 1 (fastest) to 9 (smallest). The
// default is 9.
func Level(level int) Option {
	return func(o *Options) { o.Level = level }
}

// BlockSize sets the size, in bytes, of the chunks the input is split
// into before being handed to workers. The default is 128 000 bytes, as
// recommended by the format for parallel gzip encoders.
func BlockSize(n int) Option {
	return func(o *Options) { o.BlockSize = n }
}

// Workers sets the number of worker goroutines used to compress blocks
// in parallel. The default is the host's GOMAXPROCS.
func Workers(n int) Option {
	return func(o *Options) { o.Workers = n }
}

// Name sets the gzip header's original filename field. Per RFC 1952 the
// name is stored as NUL-terminated Latin-1; a name that cannot be
// represented in Latin-1 is silently omitted from the header rather than
// failing the whole operation. A trailing ".gz" suffix is stripped before
// encoding, matching gzip(1)'s convention of naming the decompressed
// output, not the archive itself.
func Name(name string) Option {
	return func(o *Options) { o.Name = name }
}

// Comment sets the gzip header's comment field, subject to the same
// Latin-1 constraint as Name.
func Comment(comment string) Option {
	return func(o *Options) { o.Comment = comment }
}

// Extra sets the gzip header's FEXTRA subfield payload.
func Extra(b []byte) Option {
	return func(o *Options) { o.Extra = b }
}

// ModTime sets the gzip header's modification time. If never set, or set
// to the zero Time, MTIME is written as 0 ("unavailable").
func ModTime(t time.Time) Option {
	return func(o *Options) { o.ModTime = t }
}

// WithProgress supplies a channel on which the Writer stage reports
// Progress after committing each block in sequence order. The caller
// must keep draining it until Compress returns, or the pipeline will
// stall; buffering the channel avoids the stall entirely.
func WithProgress(ch chan<- Progress) Option {
	return func(o *Options) { o.Progress = ch }
}

// WithLogger sets the logger used for low-volume internal tracing (eg.
// last-block correction taking effect). The default discards everything.
func WithLogger(l *log.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithFlateImpl selects the DEFLATE implementation used to compress
// blocks. The default is FlateKlauspost.
func WithFlateImpl(impl FlateImpl) Option {
	return func(o *Options) { o.flateImpl = impl }
}

func newOptions(opts ...Option) (*Options, error) {
	o := &Options{
		Level:     DefaultLevel,
		BlockSize: DefaultBlockSize,
		Workers:   runtime.GOMAXPROCS(-1),
		flateImpl: FlateKlauspost,
	}
	for _, fn := range opts {
		fn(o)
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Options) validate() error {
	if o.Level < 1 || o.Level > 9 {
		return &Error{Kind: ConfigInvalid, Err: errInvalidLevel(o.Level)}
	}
	if o.BlockSize <= 0 {
		return &Error{Kind: ConfigInvalid, Err: errInvalidBlockSize(o.BlockSize)}
	}
	if o.Workers <= 0 {
		return &Error{Kind: ConfigInvalid, Err: errInvalidWorkers(o.Workers)}
	}
	return nil
}
