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
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ParseBatchMap parses a "sample=batch,sample=batch" mapping.
func ParseBatchMap(spec string) (map[string]int, error) {
	m := map[string]int{}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		eq := strings.Index(pair, "=")
		if eq <= 0 {
			return nil, fmt.Errorf("%w: bad batch mapping %q (want sample=batch)", ErrParameter, pair)
		}
		id, err := strconv.Atoi(pair[eq+1:])
		if err != nil || id < 1 {
			return nil, fmt.Errorf("%w: bad batch id in %q", ErrParameter, pair)
		}
		m[pair[:eq]] = id
	}
	return m, nil
}

// AssignBatches sets each cell's Batch from its Sample via the
// mapping; unmapped samples get batch 1.
func AssignBatches(ds *Dataset, mapping map[string]int) {
	for i := range ds.Cells {
		if id, ok := mapping[ds.Cells[i].Sample]; ok {
			ds.Cells[i].Batch = id
		} else {
			ds.Cells[i].Batch = 1
		}
	}
}

const combatConvergence = 1e-4

// CombatAdjust removes per-batch location and scale shifts from the
// expression matrix by parametric empirical-Bayes adjustment: batch
// effects are estimated gene-wise on standardized data, shrunk
// toward a prior pooled across genes within each batch (normal
// prior on location, inverse-gamma on scale), and subtracted so the
// grand mean and pooled variance are preserved. Genes with zero
// pooled variance are excluded from estimation and pass through
// unchanged. The input dataset is not modified.
func CombatAdjust(ds *Dataset) (*Dataset, error) {
	genes, cells := ds.Dims()
	batchIdx, batchSizes, err := batchIndex(ds.Cells)
	if err != nil {
		return nil, err
	}
	nb := len(batchSizes)

	x := ds.Dense()

	// Standardize: z = (x - grand mean) / pooled sd, where the
	// pooled variance is the residual variance around batch means.
	n := float64(cells)
	grand := make([]float64, genes)
	pooledVar := make([]float64, genes)
	passthrough := make([]bool, genes)
	batchMean := mat.NewDense(nb, genes, nil)
	for g := 0; g < genes; g++ {
		row := x.RawRowView(g)
		for b := 0; b < nb; b++ {
			var sum float64
			for j, bi := range batchIdx {
				if bi == b {
					sum += row[j]
				}
			}
			batchMean.Set(b, g, sum/float64(batchSizes[b]))
		}
		for b := 0; b < nb; b++ {
			grand[g] += float64(batchSizes[b]) / n * batchMean.At(b, g)
		}
		var ss float64
		for j, bi := range batchIdx {
			d := row[j] - batchMean.At(bi, g)
			ss += d * d
		}
		pooledVar[g] = ss / n
		if pooledVar[g] <= 1e-12 {
			passthrough[g] = true
		}
	}

	// EB-estimate and remove batch effects gene-wise on the
	// standardized data.
	z := mat.NewDense(genes, cells, nil)
	for g := 0; g < genes; g++ {
		if passthrough[g] {
			continue
		}
		sd := math.Sqrt(pooledVar[g])
		row := x.RawRowView(g)
		zrow := z.RawRowView(g)
		for j := range row {
			zrow[j] = (row[j] - grand[g]) / sd
		}
	}

	out := mat.NewDense(genes, cells, nil)
	out.Copy(x)
	for b := 0; b < nb; b++ {
		gammaHat := make([]float64, 0, genes)
		deltaHat := make([]float64, 0, genes)
		geneOf := make([]int, 0, genes)
		for g := 0; g < genes; g++ {
			if passthrough[g] {
				continue
			}
			var vals []float64
			zrow := z.RawRowView(g)
			for j, bi := range batchIdx {
				if bi == b {
					vals = append(vals, zrow[j])
				}
			}
			m, v := stat.MeanVariance(vals, nil)
			gammaHat = append(gammaHat, m)
			deltaHat = append(deltaHat, v)
			geneOf = append(geneOf, g)
		}
		if len(gammaHat) == 0 {
			continue
		}
		gammaBar, tau2 := stat.MeanVariance(gammaHat, nil)
		dm, ds2 := stat.MeanVariance(deltaHat, nil)
		if len(gammaHat) < 2 {
			// no spread to estimate priors from
			tau2, ds2 = 0, 0
		}

		nbf := float64(batchSizes[b])
		for gi, g := range geneOf {
			zvals := make([]float64, 0, batchSizes[b])
			zrow := z.RawRowView(g)
			for j, bi := range batchIdx {
				if bi == b {
					zvals = append(zvals, zrow[j])
				}
			}
			gammaStar, deltaStar := ebShrink(gammaHat[gi], deltaHat[gi], gammaBar, tau2, dm, ds2, nbf, zvals)
			if deltaStar < 1e-12 {
				deltaStar = 1e-12
			}
			sd := math.Sqrt(pooledVar[g])
			adj := math.Sqrt(deltaStar)
			row := out.RawRowView(g)
			for j, bi := range batchIdx {
				if bi == b {
					row[j] = (zrow[j]-gammaStar)/adj*sd + grand[g]
				}
			}
		}
	}

	return &Dataset{
		Genes: append([]string(nil), ds.Genes...),
		Cells: append([]CellMeta(nil), ds.Cells...),
		X:     out,
	}, nil
}

// ebShrink iterates the posterior location/scale estimates for one
// gene in one batch until convergence. The inverse-gamma
// hyperparameters come from the method of moments on the observed
// scale estimates; a degenerate scale prior (zero spread) disables
// scale shrinkage.
func ebShrink(gammaHat, deltaHat, gammaBar, tau2, deltaMean, deltaVar, n float64, zvals []float64) (gammaStar, deltaStar float64) {
	postmean := func(delta float64) float64 {
		den := n*tau2 + delta
		if den == 0 {
			return gammaBar
		}
		return (n*tau2*gammaHat + delta*gammaBar) / den
	}
	if deltaVar <= 1e-12 {
		deltaStar = deltaHat
		gammaStar = postmean(deltaStar)
		return
	}
	aPrior := (2*deltaVar + deltaMean*deltaMean) / deltaVar
	bPrior := (deltaMean*deltaVar + deltaMean*deltaMean*deltaMean) / deltaVar

	gammaStar, deltaStar = gammaHat, deltaHat
	for iter := 0; iter < 100; iter++ {
		gNew := postmean(deltaStar)
		var sum2 float64
		for _, zv := range zvals {
			d := zv - gNew
			sum2 += d * d
		}
		dNew := (0.5*sum2 + bPrior) / (n/2 + aPrior - 1)
		change := math.Max(relChange(gNew, gammaStar), relChange(dNew, deltaStar))
		gammaStar, deltaStar = gNew, dNew
		if change < combatConvergence {
			break
		}
	}
	return
}

func relChange(new, old float64) float64 {
	if old == 0 {
		if new == 0 {
			return 0
		}
		return math.Abs(new)
	}
	return math.Abs(new-old) / math.Abs(old)
}

// batchIndex maps each cell to a dense batch index. At least two
// batches, each with at least two cells, are required for the
// location/scale estimation.
func batchIndex(cells []CellMeta) (idx []int, sizes []int, err error) {
	ids := map[int]int{}
	var sorted []int
	for _, c := range cells {
		if _, ok := ids[c.Batch]; !ok {
			ids[c.Batch] = 0
			sorted = append(sorted, c.Batch)
		}
	}
	if len(sorted) < 2 {
		return nil, nil, fmt.Errorf("%w: batch correction needs at least two batches", ErrParameter)
	}
	sort.Ints(sorted)
	for i, id := range sorted {
		ids[id] = i
	}
	idx = make([]int, len(cells))
	sizes = make([]int, len(sorted))
	for j, c := range cells {
		idx[j] = ids[c.Batch]
		sizes[ids[c.Batch]]++
	}
	for i, sz := range sizes {
		if sz < 2 {
			return nil, nil, fmt.Errorf("%w: batch %d has %d cell(s), need at least 2", ErrDegenerateData, sorted[i], sz)
		}
	}
	return idx, sizes, nil
}

type combatcmd struct{}

func (cmd *combatcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input dataset gob `file` (post-QC checkpoint)")
	outputFilename := flags.String("o", "-", "output dataset gob `file` (corrected)")
	batchSpec := flags.String("batch", "", "assign batches first: `mapping` like \"Bipolar5=2,Bipolar6=2\"")
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
	if *batchSpec != "" {
		var bm map[string]int
		bm, err = ParseBatchMap(*batchSpec)
		if err != nil {
			return 2
		}
		AssignBatches(ds, bm)
	}
	genes, cells := ds.Dims()
	log.Printf("adjusting %d genes × %d cells", genes, cells)
	out, err := CombatAdjust(ds)
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
	log.Print("done")
	return 0
}
