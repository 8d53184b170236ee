// Copyright (C) The Scdrop Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scdrop

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/pgzip"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (mc multiCloser) Close() error {
	var err error
	for _, c := range mc.closers {
		if e := c.Close(); err == nil {
			err = e
		}
	}
	return err
}

// open opens fnm for reading, transparently decompressing if the
// name ends in ".gz".
func open(fnm string) (io.ReadCloser, error) {
	f, err := os.Open(fnm)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(fnm, ".gz") {
		return f, nil
	}
	gzr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, err
	}
	return multiCloser{gzr, []io.Closer{gzr, f}}, nil
}

type flushCloser struct {
	io.Writer
	flush   func() error
	closers []io.Closer
}

func (fc flushCloser) Close() error {
	err := fc.flush()
	for _, c := range fc.closers {
		if e := c.Close(); err == nil {
			err = e
		}
	}
	return err
}

// create opens fnm for writing, buffered, compressing if the name
// ends in ".gz".
func create(fnm string) (io.WriteCloser, error) {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return nil, err
	}
	bufw := bufio.NewWriterSize(f, 1<<20)
	if !strings.HasSuffix(fnm, ".gz") {
		return flushCloser{bufw, bufw.Flush, []io.Closer{f}}, nil
	}
	gzw := pgzip.NewWriter(bufw)
	return flushCloser{gzw, func() error {
		if err := gzw.Close(); err != nil {
			return err
		}
		return bufw.Flush()
	}, []io.Closer{f}}, nil
}

// WaitGroup is a sync.WaitGroup that also collects the first error
// reported by any participating goroutine.
type WaitGroup struct {
	sync.WaitGroup
	err     error
	errOnce sync.Once
}

func (wg *WaitGroup) Error(err error) {
	if err != nil {
		wg.errOnce.Do(func() { wg.err = err })
	}
}

func (wg *WaitGroup) Wait() error {
	wg.WaitGroup.Wait()
	return wg.err
}

// throttle limits the number of concurrent workers (per-gene model
// fits) and keeps the first reported error.
type throttle struct {
	Max       int
	wg        sync.WaitGroup
	ch        chan bool
	err       atomic.Value
	setupOnce sync.Once
	errorOnce sync.Once
}

func (t *throttle) Acquire() {
	t.setupOnce.Do(func() { t.ch = make(chan bool, t.Max) })
	t.wg.Add(1)
	t.ch <- true
}

func (t *throttle) Release() {
	t.wg.Done()
	<-t.ch
}

func (t *throttle) Report(err error) {
	if err != nil {
		t.errorOnce.Do(func() { t.err.Store(err) })
	}
}

func (t *throttle) Wait() error {
	t.wg.Wait()
	err, _ := t.err.Load().(error)
	return err
}
