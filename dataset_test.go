// Copyright (C) The Scdrop Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scdrop

import (
	"bytes"
	"encoding/gob"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/check.v1"
)

type datasetSuite struct{}

var _ = check.Suite(&datasetSuite{})

func (s *datasetSuite) TestRoundTrip(c *check.C) {
	ds := testDataset(
		[]string{"GeneA", "GeneB", "GeneC"},
		[]string{"S1_AAA", "S1_AAC", "S2_AAG"},
		[][]float64{
			{1, 0, 3},
			{0, 2, 0},
			{5, 0, 7},
		})
	ds.Cells[2].Batch = 2

	var buf bytes.Buffer
	c.Assert(WriteDataset(&buf, ds), check.IsNil)
	got, err := ReadDataset(&buf, false)
	c.Assert(err, check.IsNil)
	c.Check(got.Genes, check.DeepEquals, ds.Genes)
	c.Check(got.Cells, check.DeepEquals, ds.Cells)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			c.Check(got.X.At(i, j), check.Equals, ds.X.At(i, j))
		}
	}
}

func (s *datasetSuite) TestDigestMismatch(c *check.C) {
	ent := DatasetEntry{
		Genes:  []string{"GeneA"},
		Cells:  []CellMeta{{Barcode: "AAA"}},
		Rows:   1,
		Cols:   1,
		RowIdx: []int32{0},
		ColIdx: []int32{0},
		Values: []float64{1},
	}
	ent.Blake2b = ent.digest()
	ent.Values[0] = 2 // corrupt after digesting

	var buf bytes.Buffer
	c.Assert(gob.NewEncoder(&buf).Encode(ent), check.IsNil)
	_, err := ReadDataset(&buf, false)
	c.Check(err, check.ErrorMatches, `.*digest mismatch.*`)
}

func (s *datasetSuite) TestUndigestedEntryAccepted(c *check.C) {
	ent := DatasetEntry{
		Genes:   []string{"GeneA"},
		Cells:   []CellMeta{{Barcode: "AAA"}},
		Rows:    1,
		Cols:    1,
		RowIdx:  []int32{0},
		ColIdx:  []int32{0},
		Values:  []float64{4},
		Blake2b: [blake2b.Size256]byte{},
	}
	var buf bytes.Buffer
	c.Assert(gob.NewEncoder(&buf).Encode(ent), check.IsNil)
	ds, err := ReadDataset(&buf, false)
	c.Assert(err, check.IsNil)
	c.Check(ds.X.At(0, 0), check.Equals, 4.0)
}

func (s *datasetSuite) TestLabelCountMismatch(c *check.C) {
	ent := DatasetEntry{
		Genes: []string{"GeneA", "GeneB"},
		Cells: []CellMeta{{Barcode: "AAA"}},
		Rows:  1,
		Cols:  1,
	}
	var buf bytes.Buffer
	c.Assert(gob.NewEncoder(&buf).Encode(ent), check.IsNil)
	_, err := ReadDataset(&buf, false)
	c.Check(err, check.ErrorMatches, `.*matrix is 1×1 but have 2 gene and 1 cell labels.*`)
}

func (s *datasetSuite) TestCopyIsolation(c *check.C) {
	ds := testDataset(
		[]string{"GeneA", "GeneB"},
		[]string{"S1_AAA", "S2_AAC"},
		[][]float64{
			{1, 2},
			{3, 4},
		})
	cp := ds.Copy()
	cp.Cells[0].Batch = 9
	cp.Genes[0] = "changed"
	c.Check(ds.Cells[0].Batch, check.Equals, 0)
	c.Check(ds.Genes[0], check.Equals, "GeneA")

	// the copied matrix is backed by fresh storage
	dense := cp.Dense()
	dense.Set(0, 0, 99)
	c.Check(ds.X.At(0, 0), check.Equals, 1.0)
}

func (s *datasetSuite) TestSaveLoadGzip(c *check.C) {
	tmpdir := c.MkDir()
	ds := testDataset(
		[]string{"GeneA", "GeneB"},
		[]string{"S1_AAA", "S1_AAC"},
		[][]float64{
			{1, 0},
			{0, 2},
		})
	fnm := tmpdir + "/ds.gob.gz"
	c.Assert(SaveDataset(fnm, ds), check.IsNil)
	got, err := LoadDataset(fnm)
	c.Assert(err, check.IsNil)
	c.Check(got.Genes, check.DeepEquals, ds.Genes)
	c.Check(got.X.At(1, 1), check.Equals, 2.0)
}
