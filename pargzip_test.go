// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pargzip_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"hash/crc32"
	"io"
	"math/rand"
	"os"
	"runtime"
	"testing"

	"github.com/cosnicolaou/pargzip"
)

func ExampleCompress() {
	var buf bytes.Buffer
	if err := pargzip.Compress(context.Background(), &buf, bytes.NewReader([]byte("hello\n"))); err != nil {
		panic(err)
	}
	r, err := gzip.NewReader(&buf)
	if err != nil {
		panic(err)
	}
	io.Copy(os.Stdout, r)
	// Output:
	// hello
}

func validateGoRoutines(t *testing.T, start, stop int64) {
	_, _, line, _ := runtime.Caller(1)
	if got, want := stop, start; got != want {
		t.Errorf("line %v: worker goroutine leak: got %v, want %v", line, got, want)
	}
}

// roundTrip compresses input with opts, decompresses the result with the
// standard library's gzip reader, and returns the decompressed bytes
// alongside the compressed size.
func roundTrip(t *testing.T, input []byte, opts ...pargzip.Option) (decompressed []byte, compressedSize int) {
	t.Helper()
	start := pargzip.ActiveWorkers()

	var buf bytes.Buffer
	if err := pargzip.Compress(context.Background(), &buf, bytes.NewReader(input), opts...); err != nil {
		t.Fatalf("Compress: %v", err)
	}

	validateGoRoutines(t, start, pargzip.ActiveWorkers())

	zr, err := gzip.NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("reading decompressed stream: %v", err)
	}
	if err := zr.Close(); err != nil {
		t.Fatalf("gzip.Reader.Close: %v", err)
	}
	return out, buf.Len()
}

// S1: zero-length input.
func TestEmptyInput(t *testing.T) {
	out, _ := roundTrip(t, nil,
		pargzip.Level(6), pargzip.BlockSize(128000), pargzip.Workers(4))
	if len(out) != 0 {
		t.Fatalf("got %d decompressed bytes, want 0", len(out))
	}
}

// S2: a single small block, single worker.
func TestSmallInput(t *testing.T) {
	input := []byte("hello\n")
	out, _ := roundTrip(t, input,
		pargzip.Level(9), pargzip.BlockSize(128000), pargzip.Workers(1))
	if !bytes.Equal(out, input) {
		t.Fatalf("got %q, want %q", out, input)
	}
	if got, want := crc32.ChecksumIEEE(out), uint32(0x363A3020); got != want {
		t.Fatalf("crc32 = %#x, want %#x", got, want)
	}
}

// S3: highly compressible input, many blocks, many workers.
func TestHighlyCompressible(t *testing.T) {
	input := bytes.Repeat([]byte("A"), 1_000_000)
	out, compressedSize := roundTrip(t, input,
		pargzip.Level(1), pargzip.BlockSize(65536), pargzip.Workers(8))
	if !bytes.Equal(out, input) {
		t.Fatalf("round-tripped %d bytes, want %d", len(out), len(input))
	}
	if compressedSize >= 20000 {
		t.Fatalf("compressed size %d, want < 20000", compressedSize)
	}
}

// S4: random data, fixed seed, round-trips exactly and CRC matches a
// reference computed independently over the original input.
func TestRandomInput(t *testing.T) {
	input := make([]byte, 10*1024*1024)
	rand.New(rand.NewSource(42)).Read(input)
	want := crc32.ChecksumIEEE(input)

	out, _ := roundTrip(t, input,
		pargzip.Level(6), pargzip.BlockSize(128000), pargzip.Workers(4))
	if !bytes.Equal(out, input) {
		t.Fatalf("round-tripped input does not match original")
	}
	if got := crc32.ChecksumIEEE(out); got != want {
		t.Fatalf("crc32 = %#x, want %#x", got, want)
	}
}

// S5: the same input compressed with very different worker counts must
// decompress identically and carry identical trailers, even if the
// compressed bytes themselves differ.
func TestWorkerCountIndependence(t *testing.T) {
	input := make([]byte, 10*1024*1024)
	rand.New(rand.NewSource(42)).Read(input)

	out1, _ := roundTrip(t, input, pargzip.Level(6), pargzip.BlockSize(128000), pargzip.Workers(1))
	out16, _ := roundTrip(t, input, pargzip.Level(6), pargzip.BlockSize(128000), pargzip.Workers(16))

	if !bytes.Equal(out1, out16) {
		t.Fatalf("decompressed output differs between workers=1 and workers=16")
	}
	if !bytes.Equal(out1, input) {
		t.Fatalf("decompressed output does not match original input")
	}
}

// S6: the Name option strips a trailing .gz suffix before encoding FNAME.
func TestNameStripsGzSuffix(t *testing.T) {
	var buf bytes.Buffer
	if err := pargzip.Compress(context.Background(), &buf, bytes.NewReader([]byte("x")),
		pargzip.Name("report.txt.gz")); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	if got, want := zr.Name, "report.txt"; got != want {
		t.Fatalf("FNAME = %q, want %q", got, want)
	}
}

func TestInvalidOptions(t *testing.T) {
	cases := []struct {
		name string
		opts []pargzip.Option
	}{
		{"level too low", []pargzip.Option{pargzip.Level(0)}},
		{"level too high", []pargzip.Option{pargzip.Level(10)}},
		{"zero block size", []pargzip.Option{pargzip.BlockSize(0)}},
		{"negative workers", []pargzip.Option{pargzip.Workers(-1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := pargzip.Compress(context.Background(), &buf, bytes.NewReader(nil), tc.opts...)
			if err == nil {
				t.Fatalf("expected an error")
			}
			var perr *pargzip.Error
			if !asPargzipError(err, &perr) {
				t.Fatalf("got %T, want *pargzip.Error", err)
			}
			if perr.Kind != pargzip.ConfigInvalid {
				t.Fatalf("got Kind %v, want ConfigInvalid", perr.Kind)
			}
		})
	}
}

func asPargzipError(err error, target **pargzip.Error) bool {
	pe, ok := err.(*pargzip.Error)
	if !ok {
		return false
	}
	*target = pe
	return true
}

// TestProgress exercises the optional Progress channel and verifies the
// final value matches the fully reassembled stream.
func TestProgress(t *testing.T) {
	input := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 10000)
	ch := make(chan pargzip.Progress, 64)
	done := make(chan pargzip.Progress, 1)
	go func() {
		var last pargzip.Progress
		for p := range ch {
			last = p
		}
		done <- last
	}()

	var buf bytes.Buffer
	err := pargzip.Compress(context.Background(), &buf, bytes.NewReader(input),
		pargzip.BlockSize(4096), pargzip.Workers(4), pargzip.WithProgress(ch))
	close(ch)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	last := <-done

	if got, want := last.InputSize, uint64(len(input)); got != want {
		t.Fatalf("final InputSize = %d, want %d", got, want)
	}
	if got, want := last.CRC32, crc32.ChecksumIEEE(input); got != want {
		t.Fatalf("final CRC32 = %#x, want %#x", got, want)
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	input := bytes.Repeat([]byte("z"), 1<<20)
	var buf bytes.Buffer
	err := pargzip.Compress(ctx, &buf, bytes.NewReader(input), pargzip.BlockSize(1024))
	if err == nil {
		t.Fatalf("expected an error from a pre-cancelled context")
	}
}

func TestFlateImplementations(t *testing.T) {
	input := bytes.Repeat([]byte("go gophers go "), 50000)

	var klaus, std bytes.Buffer
	if err := pargzip.Compress(context.Background(), &klaus, bytes.NewReader(input),
		pargzip.WithFlateImpl(pargzip.FlateKlauspost)); err != nil {
		t.Fatalf("Compress (klauspost): %v", err)
	}
	if err := pargzip.Compress(context.Background(), &std, bytes.NewReader(input),
		pargzip.WithFlateImpl(pargzip.FlateStdlib)); err != nil {
		t.Fatalf("Compress (stdlib): %v", err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(klaus.Bytes()))
	if err != nil {
		t.Fatalf("gzip.NewReader (klauspost): %v", err)
	}
	out, err := io.ReadAll(zr)
	if err != nil || !bytes.Equal(out, input) {
		t.Fatalf("klauspost round-trip failed: %v", err)
	}

	zr, err = gzip.NewReader(bytes.NewReader(std.Bytes()))
	if err != nil {
		t.Fatalf("gzip.NewReader (stdlib): %v", err)
	}
	out, err = io.ReadAll(zr)
	if err != nil || !bytes.Equal(out, input) {
		t.Fatalf("stdlib round-trip failed: %v", err)
	}
}
