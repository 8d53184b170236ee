// Copyright (C) The Scdrop Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scdrop

import (
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	_ "net/http/pprof"

	"github.com/danaugrs/go-tsne/tsne"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// tsneParams configures the 2-D embedder. The embedding is purely
// presentational: nothing downstream consumes it.
type tsneParams struct {
	UseComponents int
	Perplexity    float64
	LearningRate  float64
	MaxIter       int
	Seed          int64
}

func (p *tsneParams) Flags(flags *flag.FlagSet) {
	flags.IntVar(&p.UseComponents, "use-components", 10, "embed using the first `N` principal components")
	flags.Float64Var(&p.Perplexity, "perplexity", 30, "t-SNE perplexity")
	flags.Float64Var(&p.LearningRate, "learning-rate", 200, "t-SNE gradient descent learning rate")
	flags.IntVar(&p.MaxIter, "iterations", 1000, "t-SNE gradient descent iterations")
	flags.Int64Var(&p.Seed, "seed", 0, "random seed (0 = unseeded, non-deterministic layout)")
}

// RunTSNE computes a 2-D t-SNE layout of the cells from the first
// UseComponents columns of the PCA score matrix. Stochastic unless
// Seed is set.
func RunTSNE(scores mat.Matrix, p tsneParams) (*mat.Dense, error) {
	cells, k := scores.Dims()
	if cells < 4 {
		return nil, fmt.Errorf("%w: t-SNE needs at least 4 cells, have %d", ErrParameter, cells)
	}
	if p.UseComponents < 1 {
		return nil, fmt.Errorf("%w: -use-components must be positive", ErrParameter)
	}
	if p.Perplexity <= 0 || p.MaxIter < 1 {
		return nil, fmt.Errorf("%w: perplexity and iterations must be positive", ErrParameter)
	}
	d := p.UseComponents
	if d > k {
		d = k
	}
	x := mat.NewDense(cells, d, nil)
	for i := 0; i < cells; i++ {
		for j := 0; j < d; j++ {
			x.Set(i, j, scores.At(i, j))
		}
	}
	if p.Seed != 0 {
		rand.Seed(p.Seed)
	}
	t := tsne.NewTSNE(2, p.Perplexity, p.LearningRate, p.MaxIter, false)
	y := t.EmbedData(x, func(iter int, divergence float64, embedding mat.Matrix) bool {
		if iter%100 == 0 {
			log.Debugf("t-SNE iteration %d, divergence %.4f", iter, divergence)
		}
		return false
	})
	out := mat.DenseCopyOf(y)
	r, c := out.Dims()
	if r != cells || c != 2 {
		return nil, fmt.Errorf("t-SNE returned unexpected %d×%d embedding", r, c)
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.IsNaN(out.At(i, j)) || math.IsInf(out.At(i, j), 0) {
				return nil, fmt.Errorf("%w: t-SNE diverged (non-finite coordinate for cell %d)", ErrDegenerateData, i)
			}
		}
	}
	return out, nil
}

type embedder struct {
	params tsneParams
}

func (cmd *embedder) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "pca.npy", "input cell scores `file` (npy, cells × k)")
	outputFilename := flags.String("o", "tsne.npy", "output 2-D embedding `file` (npy, cells × 2)")
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

	scores, err := readNpyDense(*inputFilename)
	if err != nil {
		return 1
	}
	cells, k := scores.Dims()
	log.Printf("embedding %d cells from %d components", cells, k)
	y, err := RunTSNE(scores, cmd.params)
	if err != nil {
		return 1
	}
	err = writeNpyDense(*outputFilename, y)
	if err != nil {
		return 1
	}
	log.Print("done")
	return 0
}
