// Copyright (C) The Scdrop Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scdrop

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/james-bowman/sparse"
	"github.com/klauspost/pgzip"
	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/mat"
)

// CellMeta is the per-cell metadata record. QC fields are populated
// by the QC filter; Batch is assigned by AssignBatches. Fields are
// only ever added to, never removed, as the pipeline advances.
type CellMeta struct {
	Barcode  string
	Sample   string
	Batch    int
	Total    float64
	NGenes   int
	MitoFrac float64
}

// Dataset is the pipeline state: a genes × cells expression matrix
// with row and column labels. X is a *sparse.CSR while values are
// raw or normalized counts, and a *mat.Dense once a stage (ComBat)
// has densified it. Stage functions take a Dataset and return a new
// one; they do not mutate their argument.
type Dataset struct {
	Genes []string
	Cells []CellMeta
	X     mat.Matrix
}

func (ds *Dataset) Dims() (genes, cells int) {
	return len(ds.Genes), len(ds.Cells)
}

// Copy returns a deep copy sharing no mutable state with ds.
func (ds *Dataset) Copy() *Dataset {
	cp := &Dataset{
		Genes: append([]string(nil), ds.Genes...),
		Cells: append([]CellMeta(nil), ds.Cells...),
	}
	switch x := ds.X.(type) {
	case nil:
	case *mat.Dense:
		cp.X = mat.DenseCopyOf(x)
	default:
		r, c := x.Dims()
		ri, ci, v := triplets(x)
		cp.X = csrFromTriplets(r, c, ri, ci, v)
	}
	return cp
}

// Dense returns a dense genes × cells copy of the expression matrix.
func (ds *Dataset) Dense() *mat.Dense {
	r, c := ds.X.Dims()
	out := mat.NewDense(r, c, nil)
	if sp, ok := ds.X.(sparse.Sparser); ok {
		sp.DoNonZero(func(i, j int, v float64) {
			out.Set(i, j, v)
		})
		return out
	}
	out.Copy(ds.X)
	return out
}

// triplets extracts the non-zero entries of m in COO form.
func triplets(m mat.Matrix) (ri, ci []int32, v []float64) {
	if sp, ok := m.(sparse.Sparser); ok {
		sp.DoNonZero(func(i, j int, x float64) {
			ri = append(ri, int32(i))
			ci = append(ci, int32(j))
			v = append(v, x)
		})
		return
	}
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if x := m.At(i, j); x != 0 {
				ri = append(ri, int32(i))
				ci = append(ci, int32(j))
				v = append(v, x)
			}
		}
	}
	return
}

func csrFromTriplets(r, c int, ri, ci []int32, v []float64) *sparse.CSR {
	rows := make([]int, len(ri))
	cols := make([]int, len(ci))
	for i := range ri {
		rows[i] = int(ri[i])
		cols[i] = int(ci[i])
	}
	return sparse.NewCOO(r, c, rows, cols, append([]float64(nil), v...)).ToCSR()
}

func nnz(m mat.Matrix) int {
	_, _, v := triplets(m)
	return len(v)
}

// DatasetEntry is one element of a gob-encoded dataset stream. The
// matrix travels as COO triplets so sparse checkpoints stay small;
// triplets may be split across entries, labels appear in exactly
// one. Blake2b, if non-zero, is a digest of the entry with the
// digest field itself zeroed, and is verified on decode so a
// truncated or corrupted checkpoint is rejected before either
// correction branch runs on it.
type DatasetEntry struct {
	Genes   []string
	Cells   []CellMeta
	Rows    int
	Cols    int
	RowIdx  []int32
	ColIdx  []int32
	Values  []float64
	Blake2b [blake2b.Size256]byte
}

func (ent *DatasetEntry) digest() [blake2b.Size256]byte {
	h, _ := blake2b.New256(nil)
	shadow := *ent
	shadow.Blake2b = [blake2b.Size256]byte{}
	gob.NewEncoder(h).Encode(shadow)
	var sum [blake2b.Size256]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// WriteDataset writes ds to w as a single digested entry.
func WriteDataset(w io.Writer, ds *Dataset) error {
	genes, cells := ds.Dims()
	ri, ci, v := triplets(ds.X)
	ent := DatasetEntry{
		Genes:  ds.Genes,
		Cells:  ds.Cells,
		Rows:   genes,
		Cols:   cells,
		RowIdx: ri,
		ColIdx: ci,
		Values: v,
	}
	ent.Blake2b = ent.digest()
	return gob.NewEncoder(w).Encode(ent)
}

// DecodeDataset calls fn for each entry of a dataset stream,
// verifying entry digests along the way.
func DecodeDataset(rdr io.Reader, gz bool, fn func(*DatasetEntry) error) error {
	if gz {
		zr, err := pgzip.NewReader(rdr)
		if err != nil {
			return fmt.Errorf("%w: gzip: %s", ErrInputFormat, err)
		}
		defer zr.Close()
		rdr = zr
	}
	dec := gob.NewDecoder(bufio.NewReaderSize(rdr, 1<<26))
	for {
		var ent DatasetEntry
		err := dec.Decode(&ent)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("%w: gob decode: %s", ErrInputFormat, err)
		}
		if ent.Blake2b != [blake2b.Size256]byte{} && ent.Blake2b != ent.digest() {
			return fmt.Errorf("%w: entry digest mismatch", ErrInputFormat)
		}
		if err = fn(&ent); err != nil {
			return err
		}
	}
}

// ReadDataset assembles a Dataset from a gob stream.
func ReadDataset(rdr io.Reader, gz bool) (*Dataset, error) {
	var ds Dataset
	var ri, ci []int32
	var v []float64
	rows, cols := -1, -1
	err := DecodeDataset(rdr, gz, func(ent *DatasetEntry) error {
		if len(ent.Genes) > 0 || len(ent.Cells) > 0 {
			if ds.Genes != nil || ds.Cells != nil {
				return fmt.Errorf("%w: multiple label entries in dataset stream", ErrInputFormat)
			}
			ds.Genes = ent.Genes
			ds.Cells = ent.Cells
		}
		if ent.Rows > 0 || ent.Cols > 0 {
			if rows >= 0 && (rows != ent.Rows || cols != ent.Cols) {
				return fmt.Errorf("%w: inconsistent matrix dimensions across entries", ErrInputFormat)
			}
			rows, cols = ent.Rows, ent.Cols
		}
		if len(ent.RowIdx) != len(ent.ColIdx) || len(ent.RowIdx) != len(ent.Values) {
			return fmt.Errorf("%w: ragged triplet arrays", ErrInputFormat)
		}
		ri = append(ri, ent.RowIdx...)
		ci = append(ci, ent.ColIdx...)
		v = append(v, ent.Values...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rows < 0 {
		return nil, fmt.Errorf("%w: empty dataset stream", ErrInputFormat)
	}
	if rows != len(ds.Genes) || cols != len(ds.Cells) {
		return nil, fmt.Errorf("%w: matrix is %d×%d but have %d gene and %d cell labels", ErrInputFormat, rows, cols, len(ds.Genes), len(ds.Cells))
	}
	ds.X = csrFromTriplets(rows, cols, ri, ci, v)
	return &ds, nil
}

// SaveDataset writes ds to a file, gzipped if fnm ends in ".gz".
func SaveDataset(fnm string, ds *Dataset) error {
	f, err := create(fnm)
	if err != nil {
		return err
	}
	err = WriteDataset(f, ds)
	if e := f.Close(); err == nil {
		err = e
	}
	return err
}

// LoadDataset reads a dataset gob file written by SaveDataset.
func LoadDataset(fnm string) (*Dataset, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInputFormat, err)
	}
	defer f.Close()
	// open() already decompresses .gz
	return ReadDataset(f, false)
}
