// Copyright (C) The Scdrop Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scdrop

import (
	"fmt"
	"io"
	stdlog "log"
	"runtime"
	"sort"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var gaussianConfig = &glm.Config{
	Family:         glm.NewFamily(glm.GaussianFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            stdlog.New(io.Discard, "", 0),
}

// ScaleRows restricts ds to the named genes and returns a dense
// genes × cells matrix with each row centered and scaled to unit
// variance. If regressBatch is set, a per-gene linear model of
// expression on the cell batch indicators is fitted first and its
// fitted values subtracted, so a categorical batch covariate is
// removed during scaling. Scaled values are clipped to ±clip
// (clip <= 0 disables clipping). workers bounds the number of
// concurrent model fits (0 = GOMAXPROCS).
func ScaleRows(ds *Dataset, genes []string, regressBatch bool, clip float64, workers int) (*mat.Dense, error) {
	rows, err := subsetRows(ds, genes)
	if err != nil {
		return nil, err
	}
	_, cells := ds.Dims()
	if cells < 2 {
		return nil, fmt.Errorf("%w: need at least two cells to scale", ErrDegenerateData)
	}

	out := mat.NewDense(len(rows), cells, nil)
	rowmap := make([]int, len(ds.Genes))
	for i := range rowmap {
		rowmap[i] = -1
	}
	for r, i := range rows {
		rowmap[i] = r
	}
	ri, ci, v := triplets(ds.X)
	for k := range v {
		if r := rowmap[ri[k]]; r >= 0 {
			out.Set(r, int(ci[k]), v[k])
		}
	}

	if regressBatch {
		dummies := batchDummies(ds.Cells)
		if dummies == nil {
			log.Warn("only one batch present, skipping batch regression")
		} else {
			if workers < 1 {
				workers = runtime.GOMAXPROCS(0)
			}
			th := throttle{Max: workers}
			for r := 0; r < len(rows); r++ {
				r := r
				th.Acquire()
				go func() {
					defer th.Release()
					regressOut(out.RawRowView(r), dummies)
				}()
			}
			if err := th.Wait(); err != nil {
				return nil, err
			}
		}
	}

	for r := 0; r < len(rows); r++ {
		row := out.RawRowView(r)
		mean, std := stat.MeanStdDev(row, nil)
		if std == 0 {
			return nil, fmt.Errorf("%w: gene %q has zero variance", ErrDegenerateData, genes[r])
		}
		for j, x := range row {
			x = (x - mean) / std
			if clip > 0 {
				if x > clip {
					x = clip
				} else if x < -clip {
					x = -clip
				}
			}
			row[j] = x
		}
	}
	return out, nil
}

// batchDummies returns one indicator column per batch beyond the
// first (sorted by batch id), or nil if fewer than two batches are
// present.
func batchDummies(cells []CellMeta) [][]float64 {
	ids := map[int]bool{}
	for _, c := range cells {
		ids[c.Batch] = true
	}
	if len(ids) < 2 {
		return nil
	}
	sorted := make([]int, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Ints(sorted)
	dummies := make([][]float64, len(sorted)-1)
	for d, id := range sorted[1:] {
		col := make([]float64, len(cells))
		for j, c := range cells {
			if c.Batch == id {
				col[j] = 1
			}
		}
		dummies[d] = col
	}
	return dummies
}

// regressOut replaces y with the residuals of a Gaussian linear
// model of y on the dummy columns (plus intercept). If the fit
// fails (e.g. singular design), it falls back to subtracting
// per-group means, which is the exact solution for a purely
// categorical design.
func regressOut(y []float64, dummies [][]float64) {
	fitted := func() (params []float64) {
		defer func() {
			if recover() != nil {
				params = nil
			}
		}()
		n := len(y)
		data := make([][]statmodel.Dtype, 0, len(dummies)+2)
		names := make([]string, 0, len(dummies)+2)
		yy := make([]statmodel.Dtype, n)
		ones := make([]statmodel.Dtype, n)
		for j, x := range y {
			yy[j] = statmodel.Dtype(x)
			ones[j] = 1
		}
		data = append(data, yy, ones)
		names = append(names, "y", "const")
		for d, col := range dummies {
			dd := make([]statmodel.Dtype, n)
			for j, x := range col {
				dd[j] = statmodel.Dtype(x)
			}
			data = append(data, dd)
			names = append(names, fmt.Sprintf("batch%d", d+1))
		}
		dataset := statmodel.NewDataset(data, names)
		model, err := glm.NewGLM(dataset, "y", names[1:], gaussianConfig)
		if err != nil {
			return nil
		}
		return model.Fit().Params()
	}()

	if fitted != nil {
		for j := range y {
			f := fitted[0]
			for d, col := range dummies {
				f += fitted[d+1] * col[j]
			}
			y[j] -= f
		}
		return
	}

	// group-mean fallback
	key := make([]int, len(y))
	for d, col := range dummies {
		for j, x := range col {
			if x != 0 {
				key[j] = d + 1
			}
		}
	}
	sum := make([]float64, len(dummies)+1)
	cnt := make([]float64, len(dummies)+1)
	for j, x := range y {
		sum[key[j]] += x
		cnt[key[j]]++
	}
	for j := range y {
		if cnt[key[j]] > 0 {
			y[j] -= sum[key[j]] / cnt[key[j]]
		}
	}
}
