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

	"github.com/urfave/cli/v2"

	"github.com/blockimg/blockimg"
	"github.com/blockimg/blockimg/blockdev"
)

func newCaptureCommand() *cli.Command {
	return &cli.Command{
		Name:      "capture",
		Usage:     "capture a block device into a new container file",
		ArgsUsage: "SOURCE DEST",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "chunk-size", Value: uint64(blockimg.DefaultChunkSize), Usage: "chunk size in bytes"},
			&cli.IntFlag{Name: "parallelism", Value: 0, Usage: "number of compressor workers (0: auto)"},
			&cli.IntFlag{Name: "pipeline-depth", Value: 0, Usage: "bounded queue depth between pipeline stages (0: default)"},
			&cli.Uint64Flag{Name: "start-offset", Value: 0, Usage: "device byte offset to start capture from"},
			&cli.Uint64Flag{Name: "max-bytes", Value: 0, Usage: "maximum number of device bytes to capture (0: no cap)"},
			&cli.StringFlag{Name: "fs-tag", Usage: "free-form filesystem tag recorded in the header"},
			&cli.BoolFlag{Name: "allocated-only", Usage: "capture only allocated ranges, zero-filling the rest on read"},
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "overwrite an existing destination file"},
		},
		Action: func(c *cli.Context) error {
			return (&captureCmd{
				source:        c.Args().Get(0),
				dest:          c.Args().Get(1),
				chunkSize:     uint32(c.Uint64("chunk-size")),
				parallelism:   c.Int("parallelism"),
				pipelineDepth: c.Int("pipeline-depth"),
				startOffset:   c.Uint64("start-offset"),
				maxBytes:      c.Uint64("max-bytes"),
				fsTag:         c.String("fs-tag"),
				allocatedOnly: c.Bool("allocated-only"),
				force:         c.Bool("force"),
			}).Run(c.Context)
		},
	}
}

type captureCmd struct {
	source        string
	dest          string
	chunkSize     uint32
	parallelism   int
	pipelineDepth int
	startOffset   uint64
	maxBytes      uint64
	fsTag         string
	allocatedOnly bool
	force         bool
}

func (cc *captureCmd) Run(ctx context.Context) error {
	if cc.source == "" || cc.dest == "" {
		return fmt.Errorf("%w: SOURCE and DEST are required", ErrFlagParse)
	}

	src, err := blockdev.Open(cc.source, 512)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockimgCLI, err)
	}
	defer src.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if !cc.force {
		flags |= os.O_EXCL
	}
	dst, err := os.OpenFile(cc.dest, flags, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening destination: %v", ErrBlockimgCLI, err)
	}

	cfg := blockimg.DefaultConfig()
	if cc.parallelism > 0 {
		cfg.Parallelism = cc.parallelism
	}

	w, err := blockimg.NewWriter(dst, src.SectorSize(), cc.chunkSize, src.TotalSize(), cc.fsTag, cfg)
	if err != nil {
		dst.Close()
		return fmt.Errorf("%w: %v", ErrBlockimgCLI, err)
	}

	progress := func(u blockimg.ProgressUpdate) {
		fmt.Fprintf(os.Stderr, "\rchunks=%d bytes=%d/%d", u.ChunksWritten, u.BytesCompressed, u.UncompressedTotal)
	}

	var runErr error
	if cc.allocatedOnly {
		_, _, runErr = w.WriteAllocatedOnly(ctx, src, progress, nil, cc.pipelineDepth)
	} else {
		_, _, runErr = w.WriteFrom(ctx, src, cc.startOffset, cc.maxBytes, progress, nil, cc.pipelineDepth)
	}
	fmt.Fprintln(os.Stderr)

	if closeErr := w.Close(); runErr == nil {
		runErr = closeErr
	}
	if runErr != nil {
		return fmt.Errorf("%w: %v", ErrBlockimgCLI, runErr)
	}
	return nil
}
