// Copyright (C) The Scdrop Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scdrop

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/check.v1"
)

type scaleSuite struct{}

var _ = check.Suite(&scaleSuite{})

func (s *scaleSuite) TestScaleRows(c *check.C) {
	ds := testDataset(
		[]string{"GeneA", "GeneB", "GeneC"},
		[]string{"S1_AAA", "S1_AAC", "S1_AAG", "S1_AAT"},
		[][]float64{
			{1, 2, 3, 4},
			{5, 5, 5, 9},
			{0, 1, 0, 2},
		})
	scaled, err := ScaleRows(ds, []string{"GeneA", "GeneC"}, false, 0, 1)
	c.Assert(err, check.IsNil)
	rows, cols := scaled.Dims()
	c.Check(rows, check.Equals, 2)
	c.Check(cols, check.Equals, 4)
	for r := 0; r < rows; r++ {
		mean, std := stat.MeanStdDev(scaled.RawRowView(r), nil)
		if math.Abs(mean) > 1e-12 || math.Abs(std-1) > 1e-12 {
			c.Errorf("row %d: mean %g std %g, want 0 and 1", r, mean, std)
		}
	}
	// input matrix untouched
	c.Check(ds.X.At(0, 0), check.Equals, 1.0)
}

func (s *scaleSuite) TestScaleRowsClip(c *check.C) {
	ds := testDataset(
		[]string{"GeneA"},
		[]string{"S1_AAA", "S1_AAC", "S1_AAG", "S1_AAT", "S1_ACA"},
		[][]float64{
			{1, 1, 1, 1, 100},
		})
	scaled, err := ScaleRows(ds, []string{"GeneA"}, false, 1, 1)
	c.Assert(err, check.IsNil)
	for j := 0; j < 5; j++ {
		if x := scaled.At(0, j); math.Abs(x) > 1 {
			c.Errorf("column %d: %g exceeds clip bound", j, x)
		}
	}
	c.Check(scaled.At(0, 4), check.Equals, 1.0)
}

func (s *scaleSuite) TestScaleRowsRegressBatch(c *check.C) {
	ds := testDataset(
		[]string{"GeneA"},
		[]string{"S1_AAA", "S1_AAC", "S1_AAG", "S2_AAA", "S2_AAC", "S2_AAG"},
		[][]float64{
			{1, 2, 3, 11, 12, 13},
		})
	for j := range ds.Cells {
		if j < 3 {
			ds.Cells[j].Batch = 1
		} else {
			ds.Cells[j].Batch = 2
		}
	}
	scaled, err := ScaleRows(ds, []string{"GeneA"}, true, 0, 1)
	c.Assert(err, check.IsNil)
	// the constant offset between batches is regressed out, so both
	// batch means land at zero
	b1 := (scaled.At(0, 0) + scaled.At(0, 1) + scaled.At(0, 2)) / 3
	b2 := (scaled.At(0, 3) + scaled.At(0, 4) + scaled.At(0, 5)) / 3
	c.Check(math.Abs(b1) < 1e-6, check.Equals, true)
	c.Check(math.Abs(b2) < 1e-6, check.Equals, true)

	// without regression the offset dominates
	plain, err := ScaleRows(ds, []string{"GeneA"}, false, 0, 1)
	c.Assert(err, check.IsNil)
	p1 := (plain.At(0, 0) + plain.At(0, 1) + plain.At(0, 2)) / 3
	c.Check(p1 < -0.5, check.Equals, true)
}

func (s *scaleSuite) TestScaleRowsSingleBatchRegression(c *check.C) {
	// with only one batch present, regression is a no-op rather
	// than an error
	ds := testDataset(
		[]string{"GeneA"},
		[]string{"S1_AAA", "S1_AAC", "S1_AAG"},
		[][]float64{
			{1, 2, 3},
		})
	scaled, err := ScaleRows(ds, []string{"GeneA"}, true, 0, 1)
	c.Assert(err, check.IsNil)
	mean, std := stat.MeanStdDev(scaled.RawRowView(0), nil)
	c.Check(math.Abs(mean) < 1e-12, check.Equals, true)
	c.Check(math.Abs(std-1) < 1e-12, check.Equals, true)
}

func (s *scaleSuite) TestScaleRowsErrors(c *check.C) {
	ds := testDataset(
		[]string{"GeneA", "GeneB"},
		[]string{"S1_AAA", "S1_AAC"},
		[][]float64{
			{3, 3},
			{1, 2},
		})
	_, err := ScaleRows(ds, []string{"GeneA"}, false, 0, 1)
	c.Check(err, check.ErrorMatches, `.*gene "GeneA" has zero variance.*`)

	_, err = ScaleRows(ds, []string{"Nope"}, false, 0, 1)
	c.Check(err, check.ErrorMatches, `.*gene "Nope" not in dataset.*`)
}

func (s *scaleSuite) TestBatchDummies(c *check.C) {
	cells := []CellMeta{{Batch: 2}, {Batch: 1}, {Batch: 2}, {Batch: 1}}
	dummies := batchDummies(cells)
	c.Assert(dummies, check.HasLen, 1)
	c.Check(dummies[0], check.DeepEquals, []float64{1, 0, 1, 0})

	c.Check(batchDummies([]CellMeta{{Batch: 1}, {Batch: 1}}), check.IsNil)
}
