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

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// PCAResult is the output of the dimensionality reducer.
type PCAResult struct {
	// Scores is cells × k. Each column is rescaled to unit
	// variance: components are deliberately not weighted by the
	// variance they explain.
	Scores *mat.Dense
	// Loadings is genes × k, the right singular vectors of the
	// scaled matrix.
	Loadings *mat.Dense
	// Explained[i] is the fraction of total variance carried by
	// component i.
	Explained []float64
}

// RunPCA computes a truncated PCA of a scaled genes × cells matrix
// via thin SVD. k is capped at min(requested, genes, cells-1) and at
// the effective rank of the matrix.
func RunPCA(scaled *mat.Dense, k int) (*PCAResult, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: component count must be positive, got %d", ErrParameter, k)
	}
	genes, cells := scaled.Dims()
	if k > genes {
		k = genes
	}
	if k > cells-1 {
		k = cells - 1
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: not enough genes or cells for even one component", ErrDegenerateData)
	}

	a := mat.NewDense(cells, genes, nil)
	a.Copy(scaled.T())
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, fmt.Errorf("%w: singular value decomposition did not converge", ErrDegenerateData)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sv := svd.Values(nil)

	rank := 0
	tol := 1e-10 * sv[0]
	for _, s := range sv {
		if s > tol {
			rank++
		}
	}
	if rank == 0 {
		return nil, fmt.Errorf("%w: scaled matrix has rank zero", ErrDegenerateData)
	}
	if k > rank {
		k = rank
	}

	var total float64
	for _, s := range sv {
		total += s * s
	}
	scores := mat.NewDense(cells, k, nil)
	loadings := mat.NewDense(genes, k, nil)
	explained := make([]float64, k)
	col := make([]float64, cells)
	for c := 0; c < k; c++ {
		for i := 0; i < cells; i++ {
			col[i] = u.At(i, c)
		}
		mean, std := stat.MeanStdDev(col, nil)
		for i := 0; i < cells; i++ {
			scores.Set(i, c, (col[i]-mean)/std)
		}
		for g := 0; g < genes; g++ {
			loadings.Set(g, c, v.At(g, c))
		}
		explained[c] = sv[c] * sv[c] / total
	}
	return &PCAResult{Scores: scores, Loadings: loadings, Explained: explained}, nil
}

type reducer struct{}

func (cmd *reducer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	geneFilename := flags.String("genes", "", "variable gene list `file` (default: all genes)")
	outputFilename := flags.String("o", "pca.npy", "output cell scores `file` (npy, cells × k)")
	loadingsFilename := flags.String("loadings", "", "also write gene loadings to npy `file`")
	components := flags.Int("components", 20, "number of principal components")
	regress := flags.Bool("regress-batch", false, "regress the batch covariate out during scaling")
	batchSpec := flags.String("batch", "", "assign batches first: `mapping` like \"Bipolar5=2,Bipolar6=2\"")
	clip := flags.Float64("clip", 10, "clip scaled values at ±`X` (0 = no clipping)")
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
	genes := ds.Genes
	if *geneFilename != "" {
		var f io.ReadCloser
		f, err = open(*geneFilename)
		if err != nil {
			return 1
		}
		genes, err = readNames(f, "gene")
		f.Close()
		if err != nil {
			return 1
		}
	}

	log.Printf("scaling %d genes × %d cells", len(genes), len(ds.Cells))
	scaled, err := ScaleRows(ds, genes, *regress, *clip, 0)
	if err != nil {
		return 1
	}
	log.Print("fitting")
	res, err := RunPCA(scaled, *components)
	if err != nil {
		return 1
	}
	_, k := res.Scores.Dims()
	log.Printf("keeping %d components, leading share %.3f", k, res.Explained[0])

	err = writeNpyDense(*outputFilename, res.Scores)
	if err != nil {
		return 1
	}
	if *loadingsFilename != "" {
		err = writeNpyDense(*loadingsFilename, res.Loadings)
		if err != nil {
			return 1
		}
	}
	log.Print("done")
	return 0
}

// quickPCA is the no-loadings projection path used by the pca
// subcommand: fit-and-transform with nlp's PCA transformer, matrix
// oriented genes (features) × cells (samples).
func quickPCA(ds *Dataset, components int) (*mat.Dense, error) {
	if components < 1 {
		return nil, fmt.Errorf("%w: component count must be positive, got %d", ErrParameter, components)
	}
	transformer := nlp.NewPCA(components)
	transformer.Fit(ds.X)
	projected, err := transformer.Transform(ds.X)
	if err != nil {
		return nil, err
	}
	r, _ := projected.T().Dims()
	out := mat.NewDense(r, components, nil)
	out.Copy(projected.T())
	return out, nil
}

type quickpcacmd struct{}

func (cmd *quickpcacmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "pca.npy", "output `file` (npy, cells × k)")
	components := flags.Int("components", 10, "number of components")
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
	log.Print("fitting")
	scores, err := quickPCA(ds, *components)
	if err != nil {
		return 1
	}
	err = writeNpyDense(*outputFilename, scores)
	if err != nil {
		return 1
	}
	log.Print("done")
	return 0
}
