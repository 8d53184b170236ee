// Copyright (C) The Scdrop Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scdrop

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// PipelineConfig collects the parameters of a full exploratory run:
// QC thresholds, normalization scale, variable-gene selection,
// dimensionality reduction, embedding, and the sample→batch mapping.
type PipelineConfig struct {
	QC         qcFilter
	Scale      float64
	HVG        hvgParams
	Components int
	Clip       float64
	TSNE       tsneParams
	BatchMap   map[string]int
}

// BranchResult is the output of one batch-correction strategy.
type BranchResult struct {
	Name      string
	PCA       *PCAResult
	Embedding *mat.Dense
}

// PipelineResult is the output of RunPipeline: the shared post-QC
// checkpoint, the variable gene set, and one result per correction
// strategy.
type PipelineResult struct {
	Checkpoint *Dataset
	HVGenes    []string
	Regress    *BranchResult
	Combat     *BranchResult
}

// runBranch re-runs scaling, PCA, and t-SNE on ds. The regression
// strategy removes the batch covariate during scaling; the
// empirical-Bayes strategy expects ds to have been adjusted already.
func runBranch(name string, ds *Dataset, hvgenes []string, cfg PipelineConfig, regress bool) (*BranchResult, error) {
	scaled, err := ScaleRows(ds, hvgenes, regress, cfg.Clip, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: scale: %w", name, err)
	}
	pca, err := RunPCA(scaled, cfg.Components)
	if err != nil {
		return nil, fmt.Errorf("%s: pca: %w", name, err)
	}
	emb, err := RunTSNE(pca.Scores, cfg.TSNE)
	if err != nil {
		return nil, fmt.Errorf("%s: tsne: %w", name, err)
	}
	log.Printf("%s: %d components, leading share %.3f", name, len(pca.Explained), pca.Explained[0])
	return &BranchResult{Name: name, PCA: pca, Embedding: emb}, nil
}

// RunPipeline executes the full analysis: QC → normalize → batch
// assignment → variable genes → checkpoint, then the two correction
// branches, each from its own deep copy of the checkpoint. The
// branches run concurrently unless a t-SNE seed is set (the seeded
// generator is process-global, so seeded runs stay sequential to
// stay reproducible).
func RunPipeline(ds *Dataset, cfg PipelineConfig) (*PipelineResult, error) {
	filtered, err := cfg.QC.Apply(ds)
	if err != nil {
		return nil, err
	}
	g0, c0 := ds.Dims()
	g1, c1 := filtered.Dims()
	log.Printf("QC kept %d/%d cells, %d/%d genes", c1, c0, g1, g0)

	norm, err := NormalizeTotal(filtered, cfg.Scale)
	if err != nil {
		return nil, err
	}
	if cfg.BatchMap != nil {
		AssignBatches(norm, cfg.BatchMap)
	}
	hvgenes, err := SelectVariableGenes(norm, cfg.HVG)
	if err != nil {
		return nil, err
	}
	log.Printf("selected %d variable genes", len(hvgenes))

	res := &PipelineResult{Checkpoint: norm, HVGenes: hvgenes}
	regressBranch := func() error {
		br, err := runBranch("regress", norm.Copy(), hvgenes, cfg, true)
		res.Regress = br
		return err
	}
	combatBranch := func() error {
		adjusted, err := CombatAdjust(norm.Copy())
		if err != nil {
			return fmt.Errorf("combat: %w", err)
		}
		br, err := runBranch("combat", adjusted, hvgenes, cfg, false)
		res.Combat = br
		return err
	}

	if cfg.TSNE.Seed != 0 {
		if err := regressBranch(); err != nil {
			return nil, err
		}
		if err := combatBranch(); err != nil {
			return nil, err
		}
		return res, nil
	}
	var wg WaitGroup
	for _, branch := range []func() error{regressBranch, combatBranch} {
		branch := branch
		wg.Add(1)
		go func() {
			defer wg.Done()
			wg.Error(branch())
		}()
	}
	if err := wg.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// writeCellCSV writes the per-cell metadata table.
func writeCellCSV(fnm string, cells []CellMeta) error {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Write([]string{"barcode", "sample", "batch", "total_counts", "n_genes", "mito_frac"})
	for _, c := range cells {
		w.Write([]string{
			c.Barcode,
			c.Sample,
			strconv.Itoa(c.Batch),
			strconv.FormatFloat(c.Total, 'g', -1, 64),
			strconv.Itoa(c.NGenes),
			strconv.FormatFloat(c.MitoFrac, 'g', 6, 64),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type runcmd struct {
	qc   qcFilter
	hvg  hvgParams
	tsne tsneParams
}

func (cmd *runcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	sampleSep := flags.String("sample-sep", "_", "barcode prefix `separator` marking the sample name")
	batchSpec := flags.String("batch", "", "`mapping` of sample names to batch ids, e.g. \"Bipolar5=2,Bipolar6=2\"")
	scale := flags.Float64("scale", 1e4, "per-cell total count after rescaling")
	components := flags.Int("components", 20, "number of principal components")
	clip := flags.Float64("clip", 10, "clip scaled values at ±`X` (0 = no clipping)")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	cmd.qc.Flags(flags)
	cmd.hvg.Flags(flags)
	cmd.tsne.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *mtxFile == "" || *geneFile == "" || *barcodeFile == "" {
		fmt.Fprintln(stderr, "cannot run without -mtx, -genes, and -barcodes arguments")
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

	cfg := PipelineConfig{
		QC:         cmd.qc,
		Scale:      *scale,
		HVG:        cmd.hvg,
		Components: *components,
		Clip:       *clip,
		TSNE:       cmd.tsne,
	}
	if *batchSpec != "" {
		cfg.BatchMap, err = ParseBatchMap(*batchSpec)
		if err != nil {
			return 2
		}
	}

	log.Print("reading")
	ds, err := ImportDataset(*mtxFile, *geneFile, *barcodeFile, *sampleSep)
	if err != nil {
		return 1
	}
	res, err := RunPipeline(ds, cfg)
	if err != nil {
		return 1
	}

	log.Print("writing outputs")
	err = SaveDataset(filepath.Join(*outputDir, "checkpoint.gob.gz"), res.Checkpoint)
	if err != nil {
		return 1
	}
	hvgf, err := os.OpenFile(filepath.Join(*outputDir, "hvg.txt"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return 1
	}
	for _, g := range res.HVGenes {
		fmt.Fprintln(hvgf, g)
	}
	err = hvgf.Close()
	if err != nil {
		return 1
	}
	for _, br := range []*BranchResult{res.Regress, res.Combat} {
		err = writeNpyDense(filepath.Join(*outputDir, "pca."+br.Name+".npy"), br.PCA.Scores)
		if err != nil {
			return 1
		}
		err = writeNpyDense(filepath.Join(*outputDir, "tsne."+br.Name+".npy"), br.Embedding)
		if err != nil {
			return 1
		}
	}
	err = writeCellCSV(filepath.Join(*outputDir, "cells.csv"), res.Checkpoint.Cells)
	if err != nil {
		return 1
	}
	log.Print("done")
	return 0
}
