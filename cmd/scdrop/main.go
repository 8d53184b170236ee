// Copyright (C) The Scdrop Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/droptools/scdrop"
)

func main() {
	scdrop.Main()
}
