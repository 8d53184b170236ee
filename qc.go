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
	"strings"

	log "github.com/sirupsen/logrus"
)

// qcFilter holds the cell-level quality thresholds. A cell is
// retained iff it satisfies every configured bound; bounds set to -1
// are unbounded. A cell with zero total counts has an undefined
// mitochondrial fraction and always fails.
type qcFilter struct {
	MitoPrefix  string
	MaxMitoFrac float64
	MinGenes    int
	MaxGenes    int
}

func (f *qcFilter) Flags(flags *flag.FlagSet) {
	flags.StringVar(&f.MitoPrefix, "mito-prefix", "mt-", "gene name `prefix` marking mitochondrial genes (case-insensitive)")
	flags.Float64Var(&f.MaxMitoFrac, "max-mito", 0.1, "drop cells with mitochondrial fraction above `F` (-1 = unbounded)")
	flags.IntVar(&f.MinGenes, "min-genes", 500, "drop cells with fewer than `N` detected genes (-1 = unbounded)")
	flags.IntVar(&f.MaxGenes, "max-genes", -1, "drop cells with more than `N` detected genes (-1 = unbounded)")
}

// Measure computes per-cell total counts, detected-gene counts, and
// mitochondrial fractions, returning them in a copy of ds.Cells. A
// zero-total cell gets MitoFrac = NaN.
func (f *qcFilter) Measure(ds *Dataset) []CellMeta {
	cells := append([]CellMeta(nil), ds.Cells...)
	mito := make([]bool, len(ds.Genes))
	for i, g := range ds.Genes {
		mito[i] = strings.HasPrefix(strings.ToLower(g), strings.ToLower(f.MitoPrefix))
	}
	mitoTotal := make([]float64, len(cells))
	for j := range cells {
		cells[j].Total = 0
		cells[j].NGenes = 0
	}
	ri, ci, v := triplets(ds.X)
	for k := range v {
		j := int(ci[k])
		cells[j].Total += v[k]
		cells[j].NGenes++
		if mito[ri[k]] {
			mitoTotal[j] += v[k]
		}
	}
	for j := range cells {
		if cells[j].Total > 0 {
			cells[j].MitoFrac = mitoTotal[j] / cells[j].Total
		} else {
			cells[j].MitoFrac = math.NaN()
		}
	}
	return cells
}

func (f *qcFilter) pass(c CellMeta) bool {
	if c.Total <= 0 {
		// mito fraction undefined
		return false
	}
	if f.MaxMitoFrac >= 0 && !(c.MitoFrac <= f.MaxMitoFrac) {
		return false
	}
	if f.MinGenes >= 0 && c.NGenes < f.MinGenes {
		return false
	}
	if f.MaxGenes >= 0 && c.NGenes > f.MaxGenes {
		return false
	}
	return true
}

// Apply returns a new Dataset containing the cells that pass every
// bound, with QC metadata populated, and with genes that are
// detected in no retained cell dropped.
func (f *qcFilter) Apply(ds *Dataset) (*Dataset, error) {
	if f.MinGenes >= 0 && f.MaxGenes >= 0 && f.MinGenes > f.MaxGenes {
		return nil, fmt.Errorf("%w: -min-genes %d > -max-genes %d", ErrParameter, f.MinGenes, f.MaxGenes)
	}
	measured := f.Measure(ds)

	colmap := make([]int, len(measured)) // old col -> new col, -1 dropped
	var kept []CellMeta
	for j, c := range measured {
		if f.pass(c) {
			colmap[j] = len(kept)
			kept = append(kept, c)
		} else {
			colmap[j] = -1
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: no cells pass QC thresholds", ErrDegenerateData)
	}

	// Drop genes undetected in the retained cells: they would have
	// zero variance in every later stage.
	ri, ci, v := triplets(ds.X)
	detected := make([]bool, len(ds.Genes))
	for k := range v {
		if colmap[ci[k]] >= 0 {
			detected[ri[k]] = true
		}
	}
	rowmap := make([]int, len(ds.Genes))
	var genes []string
	for i, g := range ds.Genes {
		if detected[i] {
			rowmap[i] = len(genes)
			genes = append(genes, g)
		} else {
			rowmap[i] = -1
		}
	}
	if len(genes) == 0 {
		return nil, fmt.Errorf("%w: no genes detected in retained cells", ErrDegenerateData)
	}

	var nri, nci []int32
	var nv []float64
	for k := range v {
		i, j := rowmap[ri[k]], colmap[ci[k]]
		if i >= 0 && j >= 0 {
			nri = append(nri, int32(i))
			nci = append(nci, int32(j))
			nv = append(nv, v[k])
		}
	}
	return &Dataset{
		Genes: genes,
		Cells: kept,
		X:     csrFromTriplets(len(genes), len(kept), nri, nci, nv),
	}, nil
}

type qccmd struct {
	filter qcFilter
}

func (cmd *qccmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	cmd.filter.Flags(flags)
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
	log.Printf("filtering %d genes × %d cells", genes, cells)
	out, err := cmd.filter.Apply(ds)
	if err != nil {
		return 1
	}
	ogenes, ocells := out.Dims()
	log.Printf("kept %d/%d cells, %d/%d genes", ocells, cells, ogenes, genes)

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
