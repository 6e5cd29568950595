// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/urfave/cli/v2"

	"github.com/blockimg/blockimg"
)

func newVerifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "verify a container's chunks against their stored digests",
		ArgsUsage: "IMAGE",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "quick", Usage: "verify only a sampled subset of chunks"},
			&cli.IntFlag{Name: "parallelism", Value: 0, Usage: "number of verify workers (0: auto)"},
		},
		Action: func(c *cli.Context) error {
			return (&verifyCmd{
				image:       c.Args().Get(0),
				quick:       c.Bool("quick"),
				parallelism: c.Int("parallelism"),
			}).Run(c.Context)
		},
	}
}

type verifyCmd struct {
	image       string
	quick       bool
	parallelism int
}

func (vc *verifyCmd) Run(ctx context.Context) error {
	if vc.image == "" {
		return fmt.Errorf("%w: IMAGE is required", ErrFlagParse)
	}

	r, err := blockimg.Open(vc.image)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockimgCLI, err)
	}
	defer r.Close()

	parallelism := vc.parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}

	progress := func(u blockimg.VerifyProgressUpdate) {
		fmt.Fprintf(os.Stderr, "\rverified %d/%d bytes", u.BytesProcessed, u.BytesTotal)
	}

	var ok bool
	var failure *blockimg.VerifyFailure
	if vc.quick {
		ok, failure, err = r.VerifyQuickDetailed(ctx, progress, parallelism)
	} else {
		ok, failure, err = r.VerifyFullDetailed(ctx, progress, parallelism)
	}
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockimgCLI, err)
	}
	if !ok {
		return fmt.Errorf("%w: chunk %d failed: %s", ErrBlockimgCLI, failure.ChunkIndex, failure.Kind)
	}

	fmt.Fprintln(os.Stdout, "OK")
	return nil
}
