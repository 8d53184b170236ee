// Copyright (C) The Scdrop Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scdrop

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"strconv"
	"strings"

	"github.com/james-bowman/sparse"
	log "github.com/sirupsen/logrus"
)

// ReadMatrixMarket reads a sparse genes × cells count matrix in
// MatrixMarket coordinate format. Duplicate coordinates are summed.
func ReadMatrixMarket(rdr io.Reader) (*sparse.CSR, error) {
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)

	if !scanner.Scan() {
		return nil, fmt.Errorf("%w: empty matrix file", ErrInputFormat)
	}
	header := strings.Fields(strings.ToLower(scanner.Text()))
	if len(header) < 4 || header[0] != "%%matrixmarket" || header[1] != "matrix" || header[2] != "coordinate" {
		return nil, fmt.Errorf("%w: not a MatrixMarket coordinate file: %q", ErrInputFormat, scanner.Text())
	}
	switch header[3] {
	case "integer", "real":
	default:
		return nil, fmt.Errorf("%w: unsupported MatrixMarket value type %q", ErrInputFormat, header[3])
	}
	if len(header) > 4 && header[4] != "general" {
		return nil, fmt.Errorf("%w: unsupported MatrixMarket symmetry %q", ErrInputFormat, header[4])
	}

	var rows, cols, entries int
	sizeLine := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		f := strings.Fields(line)
		if len(f) != 3 {
			return nil, fmt.Errorf("%w: bad size line %q", ErrInputFormat, line)
		}
		var err error
		if rows, err = strconv.Atoi(f[0]); err == nil {
			if cols, err = strconv.Atoi(f[1]); err == nil {
				entries, err = strconv.Atoi(f[2])
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%w: bad size line %q", ErrInputFormat, line)
		}
		sizeLine = true
		break
	}
	if !sizeLine {
		return nil, fmt.Errorf("%w: missing size line", ErrInputFormat)
	}

	ri := make([]int, 0, entries)
	ci := make([]int, 0, entries)
	vals := make([]float64, 0, entries)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		f := strings.Fields(line)
		if len(f) != 3 {
			return nil, fmt.Errorf("%w: bad matrix entry %q", ErrInputFormat, line)
		}
		i, err := strconv.Atoi(f[0])
		if err != nil {
			return nil, fmt.Errorf("%w: bad matrix entry %q", ErrInputFormat, line)
		}
		j, err := strconv.Atoi(f[1])
		if err != nil {
			return nil, fmt.Errorf("%w: bad matrix entry %q", ErrInputFormat, line)
		}
		v, err := strconv.ParseFloat(f[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad matrix entry %q", ErrInputFormat, line)
		}
		if i < 1 || i > rows || j < 1 || j > cols {
			return nil, fmt.Errorf("%w: entry (%d,%d) outside %d×%d matrix", ErrInputFormat, i, j, rows, cols)
		}
		if v < 0 {
			return nil, fmt.Errorf("%w: negative count at (%d,%d)", ErrInputFormat, i, j)
		}
		ri = append(ri, i-1)
		ci = append(ci, j-1)
		vals = append(vals, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInputFormat, err)
	}
	if len(vals) != entries {
		return nil, fmt.Errorf("%w: size line promised %d entries, got %d", ErrInputFormat, entries, len(vals))
	}
	return sparse.NewCOO(rows, cols, ri, ci, vals).ToCSR(), nil
}

// readNames reads a newline-delimited label file, rejecting blanks
// and duplicates.
func readNames(rdr io.Reader, what string) ([]string, error) {
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	var names []string
	seen := map[string]bool{}
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			return nil, fmt.Errorf("%w: blank %s name at line %d", ErrInputFormat, what, len(names)+1)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate %s name %q", ErrInputFormat, what, name)
		}
		seen[name] = true
		names = append(names, name)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInputFormat, err)
	}
	return names, nil
}

// ImportDataset assembles a labeled Dataset from a MatrixMarket file
// and its gene/barcode label files. The per-cell Sample is the
// barcode prefix before sampleSep ("" means no sample parsing).
func ImportDataset(mtxFile, geneFile, barcodeFile, sampleSep string) (*Dataset, error) {
	mf, err := open(mtxFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInputFormat, err)
	}
	defer mf.Close()
	x, err := ReadMatrixMarket(mf)
	if err != nil {
		return nil, fmt.Errorf("%s: %s", mtxFile, err)
	}

	gf, err := open(geneFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInputFormat, err)
	}
	defer gf.Close()
	genes, err := readNames(gf, "gene")
	if err != nil {
		return nil, fmt.Errorf("%s: %s", geneFile, err)
	}

	bf, err := open(barcodeFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInputFormat, err)
	}
	defer bf.Close()
	barcodes, err := readNames(bf, "barcode")
	if err != nil {
		return nil, fmt.Errorf("%s: %s", barcodeFile, err)
	}

	rows, cols := x.Dims()
	if rows != len(genes) {
		return nil, fmt.Errorf("%w: matrix has %d rows but %s has %d genes", ErrInputFormat, rows, geneFile, len(genes))
	}
	if cols != len(barcodes) {
		return nil, fmt.Errorf("%w: matrix has %d columns but %s has %d barcodes", ErrInputFormat, cols, barcodeFile, len(barcodes))
	}

	cells := make([]CellMeta, len(barcodes))
	for i, bc := range barcodes {
		cells[i].Barcode = bc
		if sampleSep != "" {
			if sep := strings.Index(bc, sampleSep); sep > 0 {
				cells[i].Sample = bc[:sep]
			}
		}
	}
	return &Dataset{Genes: genes, Cells: cells, X: x}, nil
}

type importer struct{}

func (cmd *importer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	mtxFile := flags.String("mtx", "", "sparse count matrix `file` (MatrixMarket, .gz ok)")
	geneFile := flags.String("genes", "", "gene name `file`, one per matrix row")
	barcodeFile := flags.String("barcodes", "", "cell barcode `file`, one per matrix column")
	sampleSep := flags.String("sample-sep", "_", "barcode prefix `separator` marking the sample name (\"\" = no sample parsing)")
	batchSpec := flags.String("batch", "", "`mapping` of sample names to batch ids, e.g. \"Bipolar5=2,Bipolar6=2\" (unmapped samples get batch 1)")
	outputFilename := flags.String("o", "-", "output dataset gob `file` (.gz ok)")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *mtxFile == "" || *geneFile == "" || *barcodeFile == "" {
		fmt.Fprintln(stderr, "cannot import without -mtx, -genes, and -barcodes arguments")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	log.Print("reading")
	ds, err := ImportDataset(*mtxFile, *geneFile, *barcodeFile, *sampleSep)
	if err != nil {
		return 1
	}
	genes, cells := ds.Dims()
	log.Printf("reading done, %d genes, %d cells, %d non-zero counts", genes, cells, nnz(ds.X))

	if *batchSpec != "" {
		var bm map[string]int
		bm, err = ParseBatchMap(*batchSpec)
		if err != nil {
			return 2
		}
		AssignBatches(ds, bm)
	}

	log.Print("writing")
	if *outputFilename == "-" {
		err = WriteDataset(stdout, ds)
	} else {
		err = SaveDataset(*outputFilename, ds)
	}
	if err != nil {
		return 1
	}
	log.Print("done")
	return 0
}
