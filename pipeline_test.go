// Copyright (C) The Scdrop Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scdrop

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"

	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

// Deterministic synthetic run: 8 genes × 12 cells, two samples of 6
// cells each, every count non-zero so no gene drops out during QC.
func pipelineTestCounts() (genes, barcodes []string, counts [][]float64) {
	for i := 0; i < 8; i++ {
		genes = append(genes, fmt.Sprintf("G%02d", i+1))
	}
	for j := 0; j < 12; j++ {
		sample := "Bip1"
		if j >= 6 {
			sample = "Bip2"
		}
		barcodes = append(barcodes, fmt.Sprintf("%s_C%02d", sample, j+1))
	}
	counts = make([][]float64, len(genes))
	for i := range counts {
		counts[i] = make([]float64, len(barcodes))
		for j := range counts[i] {
			counts[i][j] = float64(1 + (i*7+j*13)%9)
		}
	}
	return
}

func pipelineTestConfig() PipelineConfig {
	return PipelineConfig{
		QC:         qcFilter{MitoPrefix: "mt-", MaxMitoFrac: -1, MinGenes: 1, MaxGenes: -1},
		Scale:      1e4,
		HVG:        hvgParams{MeanLow: 0, MeanHigh: 100, DispCutoff: -10, Bins: 1},
		Components: 5,
		Clip:       10,
		TSNE:       tsneParams{UseComponents: 3, Perplexity: 2, LearningRate: 200, MaxIter: 60, Seed: 1},
		BatchMap:   map[string]int{"Bip2": 2},
	}
}

func writePipelineTestFiles(c *check.C, tmpdir string) (mtxFile, geneFile, barcodeFile string) {
	genes, barcodes, counts := pipelineTestCounts()
	var mtx bytes.Buffer
	fmt.Fprintln(&mtx, "%%MatrixMarket matrix coordinate integer general")
	fmt.Fprintf(&mtx, "%d %d %d\n", len(genes), len(barcodes), len(genes)*len(barcodes))
	for i := range counts {
		for j := range counts[i] {
			fmt.Fprintf(&mtx, "%d %d %g\n", i+1, j+1, counts[i][j])
		}
	}
	mtxFile = tmpdir + "/matrix.mtx"
	geneFile = tmpdir + "/genes.txt"
	barcodeFile = tmpdir + "/barcodes.txt"
	c.Assert(os.WriteFile(mtxFile, mtx.Bytes(), 0666), check.IsNil)
	c.Assert(os.WriteFile(geneFile, []byte(strings.Join(genes, "\n")+"\n"), 0666), check.IsNil)
	c.Assert(os.WriteFile(barcodeFile, []byte(strings.Join(barcodes, "\n")+"\n"), 0666), check.IsNil)
	return
}

func checkEmbedding(c *check.C, br *BranchResult, cells int) {
	c.Assert(br, check.NotNil)
	rows, cols := br.Embedding.Dims()
	c.Check(rows, check.Equals, cells)
	c.Check(cols, check.Equals, 2)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := br.Embedding.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				c.Fatalf("%s: non-finite coordinate at (%d,%d)", br.Name, i, j)
			}
		}
	}
}

func (s *pipelineSuite) TestRunPipeline(c *check.C) {
	genes, barcodes, counts := pipelineTestCounts()
	ds := testDataset(genes, barcodes, counts)
	res, err := RunPipeline(ds, pipelineTestConfig())
	c.Assert(err, check.IsNil)

	g, n := res.Checkpoint.Dims()
	c.Check(g, check.Equals, 8)
	c.Check(n, check.Equals, 12)
	c.Check(res.Checkpoint.Cells[0].Batch, check.Equals, 1)
	c.Check(res.Checkpoint.Cells[11].Batch, check.Equals, 2)
	c.Check(res.HVGenes, check.HasLen, 8)

	for _, br := range []*BranchResult{res.Regress, res.Combat} {
		checkEmbedding(c, br, 12)
		rows, k := br.PCA.Scores.Dims()
		c.Check(rows, check.Equals, 12)
		c.Check(k <= 5 && k >= 2, check.Equals, true)
		c.Check(br.PCA.Explained[0] > 0, check.Equals, true)
	}
}

func (s *pipelineSuite) TestRunPipelineUnseeded(c *check.C) {
	// seed 0 takes the concurrent-branches path
	genes, barcodes, counts := pipelineTestCounts()
	ds := testDataset(genes, barcodes, counts)
	cfg := pipelineTestConfig()
	cfg.TSNE.Seed = 0
	res, err := RunPipeline(ds, cfg)
	c.Assert(err, check.IsNil)
	checkEmbedding(c, res.Regress, 12)
	checkEmbedding(c, res.Combat, 12)
}

func (s *pipelineSuite) TestImportStats(c *check.C) {
	tmpdir := c.MkDir()
	mtxFile, geneFile, barcodeFile := writePipelineTestFiles(c, tmpdir)

	var wg sync.WaitGroup
	statsin, importout := io.Pipe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		code := (&importer{}).RunCommand("scdrop import", []string{"-mtx", mtxFile, "-genes", geneFile, "-barcodes", barcodeFile, "-batch", "Bip2=2"}, bytes.NewReader(nil), importout, os.Stderr)
		c.Check(code, check.Equals, 0)
		importout.Close()
	}()
	statsout := &bytes.Buffer{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		code := (&statscmd{}).RunCommand("scdrop stats", nil, statsin, statsout, os.Stderr)
		c.Check(code, check.Equals, 0)
	}()
	wg.Wait()
	c.Check(statsout.Len() > 0, check.Equals, true)
	c.Check(strings.Contains(statsout.String(), `"Cells":12`), check.Equals, true)
	c.Logf("%s", statsout.String())
}

func (s *pipelineSuite) TestCommandChain(c *check.C) {
	tmpdir := c.MkDir()
	mtxFile, geneFile, barcodeFile := writePipelineTestFiles(c, tmpdir)

	code := (&importer{}).RunCommand("scdrop import", []string{"-mtx", mtxFile, "-genes", geneFile, "-barcodes", barcodeFile, "-o", tmpdir + "/ds.gob"}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	code = (&qccmd{}).RunCommand("scdrop qc", []string{"-i", tmpdir + "/ds.gob", "-o", tmpdir + "/qc.gob", "-min-genes=1", "-max-mito=-1"}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	code = (&normalizecmd{}).RunCommand("scdrop normalize", []string{"-i", tmpdir + "/qc.gob", "-o", tmpdir + "/norm.gob"}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	code = (&hvgcmd{}).RunCommand("scdrop hvg", []string{"-i", tmpdir + "/norm.gob", "-o", tmpdir + "/hvg.txt", "-bins=1", "-mean-low=0", "-mean-high=100", "-dispersion-cutoff=-10"}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	code = (&reducer{}).RunCommand("scdrop reduce", []string{"-i", tmpdir + "/norm.gob", "-genes", tmpdir + "/hvg.txt", "-o", tmpdir + "/pca.npy", "-loadings", tmpdir + "/loadings.npy", "-components=5", "-batch", "Bip2=2", "-regress-batch"}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
	scores, err := readNpyDense(tmpdir + "/pca.npy")
	c.Assert(err, check.IsNil)
	rows, k := scores.Dims()
	c.Check(rows, check.Equals, 12)
	c.Check(k <= 5 && k >= 2, check.Equals, true)
	loadings, err := readNpyDense(tmpdir + "/loadings.npy")
	c.Assert(err, check.IsNil)
	lg, lk := loadings.Dims()
	c.Check(lg, check.Equals, 8)
	c.Check(lk, check.Equals, k)

	code = (&embedder{}).RunCommand("scdrop embed", []string{"-i", tmpdir + "/pca.npy", "-o", tmpdir + "/tsne.npy", "-use-components=3", "-perplexity=2", "-iterations=60", "-seed=1"}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
	emb, err := readNpyDense(tmpdir + "/tsne.npy")
	c.Assert(err, check.IsNil)
	rows, cols := emb.Dims()
	c.Check(rows, check.Equals, 12)
	c.Check(cols, check.Equals, 2)

	code = (&combatcmd{}).RunCommand("scdrop combat", []string{"-i", tmpdir + "/norm.gob", "-o", tmpdir + "/combat.gob", "-batch", "Bip2=2"}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
	adjusted, err := LoadDataset(tmpdir + "/combat.gob")
	c.Assert(err, check.IsNil)
	ag, ac := adjusted.Dims()
	c.Check(ag, check.Equals, 8)
	c.Check(ac, check.Equals, 12)

	code = (&exportNumpy{}).RunCommand("scdrop export-numpy", []string{"-i", tmpdir + "/norm.gob", "-output-dir", tmpdir}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
	m, err := readNpyDense(tmpdir + "/matrix.npy")
	c.Assert(err, check.IsNil)
	mg, mc := m.Dims()
	c.Check(mg, check.Equals, 8)
	c.Check(mc, check.Equals, 12)
}

func (s *pipelineSuite) TestRunCommand(c *check.C) {
	tmpdir := c.MkDir()
	outdir := c.MkDir()
	mtxFile, geneFile, barcodeFile := writePipelineTestFiles(c, tmpdir)

	code := (&runcmd{}).RunCommand("scdrop run", []string{
		"-mtx", mtxFile, "-genes", geneFile, "-barcodes", barcodeFile,
		"-batch", "Bip2=2",
		"-components=5", "-clip=10", "-output-dir", outdir,
		"-min-genes=1", "-max-mito=-1",
		"-bins=1", "-mean-low=0", "-mean-high=100", "-dispersion-cutoff=-10",
		"-use-components=3", "-perplexity=2", "-iterations=60", "-seed=1",
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	checkpoint, err := LoadDataset(outdir + "/checkpoint.gob.gz")
	c.Assert(err, check.IsNil)
	g, n := checkpoint.Dims()
	c.Check(g, check.Equals, 8)
	c.Check(n, check.Equals, 12)

	hvg, err := os.ReadFile(outdir + "/hvg.txt")
	c.Assert(err, check.IsNil)
	c.Check(len(strings.Fields(string(hvg))), check.Equals, 8)

	for _, branch := range []string{"regress", "combat"} {
		scores, err := readNpyDense(outdir + "/pca." + branch + ".npy")
		c.Assert(err, check.IsNil)
		rows, k := scores.Dims()
		c.Check(rows, check.Equals, 12)
		c.Check(k <= 5 && k >= 2, check.Equals, true)
		emb, err := readNpyDense(outdir + "/tsne." + branch + ".npy")
		c.Assert(err, check.IsNil)
		rows, cols := emb.Dims()
		c.Check(rows, check.Equals, 12)
		c.Check(cols, check.Equals, 2)
	}

	csvdata, err := os.ReadFile(outdir + "/cells.csv")
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimSpace(string(csvdata)), "\n")
	c.Assert(lines, check.HasLen, 13)
	c.Check(lines[0], check.Equals, "barcode,sample,batch,total_counts,n_genes,mito_frac")
	c.Check(strings.HasPrefix(lines[1], "Bip1_C01,Bip1,1,"), check.Equals, true)
	c.Check(strings.HasPrefix(lines[12], "Bip2_C12,Bip2,2,"), check.Equals, true)
}
