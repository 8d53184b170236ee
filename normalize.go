// Copyright (C) The Scdrop Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scdrop

import (
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
)

// NormalizeTotal rescales each cell's counts to sum to scale, then
// applies log1p. Zero entries stay zero, so the result keeps the
// input's sparsity. Deterministic.
func NormalizeTotal(ds *Dataset, scale float64) (*Dataset, error) {
	if scale <= 0 {
		return nil, fmt.Errorf("%w: scale factor must be positive, got %g", ErrParameter, scale)
	}
	genes, cells := ds.Dims()
	total := make([]float64, cells)
	ri, ci, v := triplets(ds.X)
	for k := range v {
		total[ci[k]] += v[k]
	}
	nv := make([]float64, len(v))
	for k := range v {
		t := total[ci[k]]
		if t <= 0 {
			// QC removes zero-total cells; a stray one
			// normalizes to all zeros rather than NaN.
			continue
		}
		nv[k] = math.Log1p(v[k] * scale / t)
	}
	out := &Dataset{
		Genes: append([]string(nil), ds.Genes...),
		Cells: append([]CellMeta(nil), ds.Cells...),
		X:     csrFromTriplets(genes, cells, ri, ci, nv),
	}
	return out, nil
}

type normalizecmd struct{}

func (cmd *normalizecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "-", "output dataset gob `file`")
	scale := flags.Float64("scale", 1e4, "per-cell total count after rescaling")
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
	log.Printf("normalizing to %g counts per cell", *scale)
	out, err := NormalizeTotal(ds, *scale)
	if err != nil {
		return 1
	}
	if *outputFilename == "-" {
		err = WriteDataset(stdout, out)
	} else {
		err = SaveDataset(*outputFilename, out)
	}
	if err != nil {
		return 1
	}
	return 0
}
