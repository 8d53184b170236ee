// Copyright (C) The Scdrop Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scdrop

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// hvgParams configures variable-gene selection: genes whose
// bin-normalized dispersion exceeds DispCutoff within the mean
// expression window [MeanLow, MeanHigh]. Means and dispersions are
// computed on the expm1 of the log-normalized values, then logged,
// matching the usual mean/variance plot axes for droplet data.
type hvgParams struct {
	MeanLow    float64
	MeanHigh   float64
	DispCutoff float64
	Bins       int
}

func (p *hvgParams) Flags(flags *flag.FlagSet) {
	flags.Float64Var(&p.MeanLow, "mean-low", 0.0125, "low end of the log-mean expression window")
	flags.Float64Var(&p.MeanHigh, "mean-high", 3, "high end of the log-mean expression window")
	flags.Float64Var(&p.DispCutoff, "dispersion-cutoff", 0.5, "minimum bin-normalized dispersion z-score")
	flags.IntVar(&p.Bins, "bins", 20, "number of equal-width mean-expression bins")
}

// SelectVariableGenes returns the variable gene set, ordered by gene
// name. The rule is deterministic: identical input and parameters
// give an identical list.
func SelectVariableGenes(ds *Dataset, p hvgParams) ([]string, error) {
	if p.MeanLow > p.MeanHigh {
		return nil, fmt.Errorf("%w: mean window inverted (%g > %g)", ErrParameter, p.MeanLow, p.MeanHigh)
	}
	if p.Bins < 1 {
		return nil, fmt.Errorf("%w: need at least one bin", ErrParameter)
	}
	genes, cells := ds.Dims()
	if cells < 2 {
		return nil, fmt.Errorf("%w: need at least two cells to estimate dispersion", ErrDegenerateData)
	}

	sum := make([]float64, genes)
	sumsq := make([]float64, genes)
	ri, _, v := triplets(ds.X)
	for k := range v {
		e := math.Expm1(v[k])
		sum[ri[k]] += e
		sumsq[ri[k]] += e * e
	}

	n := float64(cells)
	mean := make([]float64, genes)
	disp := make([]float64, genes)
	for i := 0; i < genes; i++ {
		m := sum[i] / n
		variance := (sumsq[i] - n*m*m) / (n - 1)
		mean[i] = math.Log1p(m)
		if m > 0 && variance > 0 {
			disp[i] = math.Log(variance / m)
		}
	}

	// Bin genes by mean expression, z-normalize dispersion within
	// each bin.
	lo, hi := mean[0], mean[0]
	for _, m := range mean {
		if m < lo {
			lo = m
		}
		if m > hi {
			hi = m
		}
	}
	width := (hi - lo) / float64(p.Bins)
	binOf := func(m float64) int {
		if width <= 0 {
			return 0
		}
		b := int((m - lo) / width)
		if b >= p.Bins {
			b = p.Bins - 1
		}
		return b
	}
	binned := make([][]float64, p.Bins)
	for i := 0; i < genes; i++ {
		b := binOf(mean[i])
		binned[b] = append(binned[b], disp[i])
	}
	binMean := make([]float64, p.Bins)
	binStd := make([]float64, p.Bins)
	for b, d := range binned {
		if len(d) > 0 {
			binMean[b], binStd[b] = stat.MeanStdDev(d, nil)
		}
	}

	var selected []string
	for i := 0; i < genes; i++ {
		if mean[i] < p.MeanLow || mean[i] > p.MeanHigh {
			continue
		}
		b := binOf(mean[i])
		z := 0.0
		if binStd[b] > 0 && !math.IsNaN(binStd[b]) {
			z = (disp[i] - binMean[b]) / binStd[b]
		}
		if z >= p.DispCutoff {
			selected = append(selected, ds.Genes[i])
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: no genes pass the dispersion cutoff", ErrDegenerateData)
	}
	sort.Strings(selected)
	return selected, nil
}

// subsetRows returns the indices of the named genes in ds, erroring
// on names that are absent.
func subsetRows(ds *Dataset, genes []string) ([]int, error) {
	idx := make(map[string]int, len(ds.Genes))
	for i, g := range ds.Genes {
		idx[g] = i
	}
	rows := make([]int, 0, len(genes))
	for _, g := range genes {
		i, ok := idx[g]
		if !ok {
			return nil, fmt.Errorf("%w: gene %q not in dataset", ErrParameter, g)
		}
		rows = append(rows, i)
	}
	return rows, nil
}

type hvgcmd struct {
	params hvgParams
}

func (cmd *hvgcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input dataset gob `file` (normalized)")
	outputFilename := flags.String("o", "-", "output gene list `file`, one name per line")
	cmd.params.Flags(flags)
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
	selected, err := SelectVariableGenes(ds, cmd.params)
	if err != nil {
		return 1
	}
	log.Printf("selected %d/%d genes", len(selected), len(ds.Genes))

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
	for _, g := range selected {
		fmt.Fprintln(bufw, g)
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
