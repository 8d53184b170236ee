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
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

type dumpcmd struct{}

func (cmd *dumpcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "-", "output `file`")
	cellsToo := flags.Bool("cells", false, "also dump one line per cell")
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

	var input io.Reader = stdin
	gz := false
	if *inputFilename != "-" {
		f, ferr := os.Open(*inputFilename)
		if ferr != nil {
			err = ferr
			return 1
		}
		defer f.Close()
		input = f
		gz = strings.HasSuffix(*inputFilename, ".gz")
	}
	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = create(*outputFilename)
		if err != nil {
			return 1
		}
	}
	bufw := bufio.NewWriterSize(output, 1<<20)

	n := 0
	err = DecodeDataset(input, gz, func(ent *DatasetEntry) error {
		n++
		fmt.Fprintf(bufw, "ent %d: %d×%d, %d genes, %d cells, %d triplets, digest %x\n",
			n, ent.Rows, ent.Cols, len(ent.Genes), len(ent.Cells), len(ent.Values), ent.Blake2b[:4])
		if *cellsToo {
			for _, c := range ent.Cells {
				fmt.Fprintf(bufw, "ent %d: cell %q sample %q batch %d total %g genes %d mito %.4f\n",
					n, c.Barcode, c.Sample, c.Batch, c.Total, c.NGenes, c.MitoFrac)
			}
		}
		return nil
	})
	if err != nil {
		return 1
	}
	fmt.Fprintf(bufw, "total: %d entries\n", n)
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}
