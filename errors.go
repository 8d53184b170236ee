// Copyright (C) The Scdrop Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scdrop

import "errors"

// The three terminal failure classes of a pipeline run. Stage
// functions wrap these with fmt.Errorf("%w: ...") so callers can
// classify with errors.Is. Any of them aborts the run; downstream
// stages never see partial output.
var (
	// ErrInputFormat: missing/malformed input file, or dimension
	// mismatch between the matrix and its label files.
	ErrInputFormat = errors.New("invalid input")

	// ErrDegenerateData: a step would leave zero cells or zero
	// genes, or a zero-variance gene reached a step that needs
	// variance.
	ErrDegenerateData = errors.New("degenerate data")

	// ErrParameter: inverted bounds, nonpositive component count,
	// and similar, detected before any computation starts.
	ErrParameter = errors.New("invalid parameter")
)
