// Copyright (C) The Scdrop Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scdrop

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"sort"
)

type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "-", "output `file` (json)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			fmt.Fprintln(stderr, http.ListenAndServe(*pprof, nil))
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

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = create(*outputFilename)
		if err != nil {
			return 1
		}
	}
	bufw := bufio.NewWriter(output)
	err = doStats(ds, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func doStats(ds *Dataset, output io.Writer) error {
	var ret struct {
		Genes           int
		Cells           int
		NonZero         int
		TotalCounts     float64
		MedianPerCell   float64
		MedianGenes     int
		CellsPerSample  map[string]int
		CellsPerBatch   map[int]int
		QCFieldsPresent bool
	}
	ret.Genes, ret.Cells = ds.Dims()

	totals := make([]float64, ret.Cells)
	ngenes := make([]int, ret.Cells)
	_, ci, v := triplets(ds.X)
	for k := range v {
		totals[ci[k]] += v[k]
		ngenes[ci[k]]++
		ret.TotalCounts += v[k]
	}
	ret.NonZero = len(v)
	if ret.Cells > 0 {
		sorted := append([]float64(nil), totals...)
		sort.Float64s(sorted)
		ret.MedianPerCell = sorted[len(sorted)/2]
		sortedg := append([]int(nil), ngenes...)
		sort.Ints(sortedg)
		ret.MedianGenes = sortedg[len(sortedg)/2]
	}
	ret.CellsPerSample = map[string]int{}
	ret.CellsPerBatch = map[int]int{}
	for _, c := range ds.Cells {
		ret.CellsPerSample[c.Sample]++
		ret.CellsPerBatch[c.Batch]++
		if c.Total > 0 {
			ret.QCFieldsPresent = true
		}
	}
	return json.NewEncoder(output).Encode(ret)
}
