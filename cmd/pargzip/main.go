// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Command pargzip compresses a file, URL or stdin stream to gzip format
// using a pool of worker goroutines to compress blocks in parallel.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"cloudeng.io/cmdutil"
	"cloudeng.io/cmdutil/subcmd"
	"cloudeng.io/errors"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/cosnicolaou/pargzip"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/schollz/progressbar/v2"
	"golang.org/x/crypto/ssh/terminal"
)

type compressFlags struct {
	Concurrency int    `subcmd:"concurrency,,'number of block compressor workers, defaults to GOMAXPROCS'"`
	Level       int    `subcmd:"level,9,'compression level, 1 (fastest) to 9 (smallest)'"`
	BlockSize   int    `subcmd:"block-size,128000,'size in bytes of each independently compressed block'"`
	OutputFile  string `subcmd:"output,,'output file or s3 path, defaults to <input>.gz, or stdout when reading stdin'"`
	ProgressBar bool   `subcmd:"progress,true,display a progress bar'"`
	StdlibFlate bool   `subcmd:"stdlib-flate,false,use the standard library DEFLATE implementation instead of klauspost/compress'"`
	Verbose     bool   `subcmd:"verbose,false,verbose debug/trace information'"`
}

var cmdSet *subcmd.CommandSet

func init() {
	defaultConcurrency := map[string]interface{}{
		"concurrency": runtime.GOMAXPROCS(-1),
	}
	compressCmd := subcmd.NewCommand("compress",
		subcmd.MustRegisterFlagStruct(&compressFlags{}, defaultConcurrency, nil),
		compress, subcmd.ExactlyNumArguments(1))
	compressCmd.Document(`compress a file, URL or stdin stream ('-') to gzip format`)

	cmdSet = subcmd.NewCommandSet(compressCmd)
	cmdSet.Document(`compress files in parallel using pargzip. Files may be local, on S3 or a URL.`)

	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	cmdSet.MustDispatch(context.Background())
}

// openInput opens name for reading and returns its size and modification
// time alongside the reader. mtime is the zero Time for stdin and HTTP
// sources, which have no stat to capture it from; the caller falls back
// to wall-clock time in that case.
func openInput(ctx context.Context, name string) (io.Reader, int64, time.Time, func(context.Context) error, error) {
	if name == "-" {
		return os.Stdin, 0, time.Time{}, func(context.Context) error { return nil }, nil
	}
	if strings.HasPrefix(name, "http") {
		resp, err := http.Get(name)
		if err != nil {
			return nil, 0, time.Time{}, nil, err
		}
		return resp.Body, resp.ContentLength, time.Time{}, func(context.Context) error {
			return resp.Body.Close()
		}, nil
	}
	info, err := file.Stat(ctx, name)
	if err != nil {
		return nil, 0, time.Time{}, nil, err
	}
	f, err := file.Open(ctx, name)
	if err != nil {
		return nil, 0, time.Time{}, nil, err
	}
	return f.Reader(ctx), info.Size(), info.ModTime(), f.Close, nil
}

func createOutput(ctx context.Context, name string) (io.Writer, func(context.Context) error, error) {
	if len(name) == 0 {
		return os.Stdout, func(context.Context) error { return nil }, nil
	}
	f, err := file.Create(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return f.Writer(ctx), f.Close, nil
}

func progressLoop(ctx context.Context, w io.Writer, ch chan pargzip.Progress, size int64) {
	bar := progressbar.NewOptions64(size,
		progressbar.OptionSetBytes64(size),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetPredictTime(true))
	bar.RenderBlank()
	var last uint64
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				fmt.Fprintf(w, "\n")
				return
			}
			bar.Add(int(p.InputSize - last))
			last = p.InputSize
		case <-ctx.Done():
			return
		}
	}
}

func compress(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cl := values.(*compressFlags)
	cmdutil.HandleSignals(cancel, os.Interrupt)

	var logger *log.Logger
	if cl.Verbose {
		logger = log.New(os.Stderr, "pargzip: ", log.LstdFlags)
	}

	input := args[0]
	rd, size, mtime, readerCleanup, err := openInput(ctx, input)
	if err != nil {
		return err
	}
	defer readerCleanup(ctx)

	outputFile := cl.OutputFile
	if len(outputFile) == 0 && input != "-" {
		outputFile = input + ".gz"
	}
	wr, writerCleanup, err := createOutput(ctx, outputFile)
	if err != nil {
		return err
	}

	if mtime.IsZero() {
		mtime = time.Now()
	}
	opts := []pargzip.Option{
		pargzip.Level(cl.Level),
		pargzip.BlockSize(cl.BlockSize),
		pargzip.ModTime(mtime),
	}
	if cl.Concurrency > 0 {
		opts = append(opts, pargzip.Workers(cl.Concurrency))
	}
	if cl.StdlibFlate {
		opts = append(opts, pargzip.WithFlateImpl(pargzip.FlateStdlib))
	}
	if logger != nil {
		opts = append(opts, pargzip.WithLogger(logger))
	}
	if input != "-" {
		opts = append(opts, pargzip.Name(filepath.Base(input)))
	}

	isTTY := terminal.IsTerminal(int(os.Stdout.Fd()))
	var progressCh chan pargzip.Progress
	var progressWg sync.WaitGroup
	if cl.ProgressBar && size > 0 && (len(cl.OutputFile) > 0 || !isTTY) {
		progressCh = make(chan pargzip.Progress, 64)
		opts = append(opts, pargzip.WithProgress(progressCh))
		progressBarWr := os.Stdout
		if !isTTY {
			progressBarWr = os.Stderr
		}
		progressWg.Add(1)
		go func() {
			defer progressWg.Done()
			progressLoop(ctx, progressBarWr, progressCh, size)
		}()
	}

	errs := &errors.M{}
	err = pargzip.Compress(ctx, wr, rd, opts...)
	errs.Append(err)
	if progressCh != nil {
		close(progressCh)
		progressWg.Wait()
	}
	errs.Append(writerCleanup(ctx))
	return errs.Err()
}
