// Copyright (C) The Scdrop Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scdrop

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"sort"

	log "github.com/sirupsen/logrus"
)

// MergeDatasets concatenates datasets cell-wise over the union of
// their gene sets (genes absent from an input are zero-filled for
// its cells). Duplicate barcodes across inputs are rejected.
func MergeDatasets(inputs []*Dataset) (*Dataset, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: nothing to merge", ErrParameter)
	}
	geneSet := map[string]bool{}
	for _, ds := range inputs {
		for _, g := range ds.Genes {
			geneSet[g] = true
		}
	}
	genes := make([]string, 0, len(geneSet))
	for g := range geneSet {
		genes = append(genes, g)
	}
	sort.Strings(genes)
	geneRow := make(map[string]int, len(genes))
	for i, g := range genes {
		geneRow[g] = i
	}

	var cells []CellMeta
	var ri, ci []int32
	var v []float64
	seen := map[string]bool{}
	for _, ds := range inputs {
		offset := len(cells)
		for _, c := range ds.Cells {
			if seen[c.Barcode] {
				return nil, fmt.Errorf("%w: duplicate barcode %q across inputs", ErrInputFormat, c.Barcode)
			}
			seen[c.Barcode] = true
			cells = append(cells, c)
		}
		rowmap := make([]int32, len(ds.Genes))
		for i, g := range ds.Genes {
			rowmap[i] = int32(geneRow[g])
		}
		tri, tci, tv := triplets(ds.X)
		for k := range tv {
			ri = append(ri, rowmap[tri[k]])
			ci = append(ci, tci[k]+int32(offset))
			v = append(v, tv[k])
		}
	}
	return &Dataset{
		Genes: genes,
		Cells: cells,
		X:     csrFromTriplets(len(genes), len(cells), ri, ci, v),
	}, nil
}

type merger struct{}

func (cmd *merger) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	outputFilename := flags.String("o", "-", "output dataset gob `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: merge [options] dataset1.gob dataset2.gob ...")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	// Decode inputs concurrently; order of the merged cells
	// follows the argument order regardless.
	inputs := make([]*Dataset, flags.NArg())
	var wg WaitGroup
	for i, fnm := range flags.Args() {
		i, fnm := i, fnm
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("%s: reading", fnm)
			ds, err := LoadDataset(fnm)
			if err != nil {
				wg.Error(fmt.Errorf("%s: %w", fnm, err))
				return
			}
			inputs[i] = ds
			log.Printf("%s: done", fnm)
		}()
	}
	err = wg.Wait()
	if err != nil {
		return 1
	}

	merged, err := MergeDatasets(inputs)
	if err != nil {
		return 1
	}
	genes, cells := merged.Dims()
	log.Printf("merged: %d genes × %d cells", genes, cells)
	if *outputFilename == "-" {
		err = WriteDataset(stdout, merged)
	} else {
		err = SaveDataset(*outputFilename, merged)
	}
	if err != nil {
		return 1
	}
	return 0
}
