// Copyright (C) The Scdrop Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scdrop

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// writeNpyDense writes m to fnm in numpy .npy format, C order,
// float64.
func writeNpyDense(fnm string, m *mat.Dense) error {
	rows, cols := m.Dims()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		copy(out[i*cols:(i+1)*cols], m.RawRowView(i))
	}
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		f.Close()
		return err
	}
	npw.Shape = []int{rows, cols}
	err = npw.WriteFloat64(out)
	if err != nil {
		f.Close()
		return err
	}
	if err = bufw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readNpyDense reads a 2-D float64 .npy file.
func readNpyDense(fnm string) (*mat.Dense, error) {
	f, err := os.Open(fnm)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInputFormat, err)
	}
	defer f.Close()
	npy, err := gonpy.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrInputFormat, fnm, err)
	}
	if len(npy.Shape) != 2 {
		return nil, fmt.Errorf("%w: %s: want 2-D array, have shape %v", ErrInputFormat, fnm, npy.Shape)
	}
	data, err := npy.GetFloat64()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrInputFormat, fnm, err)
	}
	rows, cols := npy.Shape[0], npy.Shape[1]
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if npy.ColumnMajor {
				out.Set(i, j, data[j*rows+i])
			} else {
				out.Set(i, j, data[i*cols+j])
			}
		}
	}
	return out, nil
}

type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input dataset gob `file`")
	outputDir := flags.String("output-dir", ".", "output `directory` for matrix.npy, genes.txt, cells.csv")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	var ds *Dataset
	if *inputFilename == "-" {
		ds, err = ReadDataset(stdin, false)
	} else {
		ds, err = LoadDataset(*inputFilename)
	}
	if err != nil {
		return 1
	}
	genes, cells := ds.Dims()
	log.Printf("exporting %d genes × %d cells", genes, cells)
	err = writeNpyDense(filepath.Join(*outputDir, "matrix.npy"), ds.Dense())
	if err != nil {
		return 1
	}
	gf, err := os.OpenFile(filepath.Join(*outputDir, "genes.txt"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return 1
	}
	bufw := bufio.NewWriter(gf)
	for _, g := range ds.Genes {
		fmt.Fprintln(bufw, g)
	}
	if err = bufw.Flush(); err != nil {
		return 1
	}
	if err = gf.Close(); err != nil {
		return 1
	}
	err = writeCellCSV(filepath.Join(*outputDir, "cells.csv"), ds.Cells)
	if err != nil {
		return 1
	}
	log.Print("done")
	return 0
}
