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

func newResumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "resume an interrupted capture into an existing container file",
		ArgsUsage: "SOURCE DEST",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "parallelism", Value: 0, Usage: "number of compressor workers (0: auto)"},
		},
		Action: func(c *cli.Context) error {
			return (&resumeCmd{
				source:      c.Args().Get(0),
				dest:        c.Args().Get(1),
				parallelism: c.Int("parallelism"),
			}).Run(c.Context)
		},
	}
}

type resumeCmd struct {
	source      string
	dest        string
	parallelism int
}

func (rc *resumeCmd) Run(ctx context.Context) error {
	if rc.source == "" || rc.dest == "" {
		return fmt.Errorf("%w: SOURCE and DEST are required", ErrFlagParse)
	}

	src, err := blockdev.Open(rc.source, 512)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockimgCLI, err)
	}
	defer src.Close()

	cfg := blockimg.DefaultConfig()
	if rc.parallelism > 0 {
		cfg.Parallelism = rc.parallelism
	}

	w, nextOffset, nextChunk, err := blockimg.OpenForResume(rc.dest, cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockimgCLI, err)
	}
	fmt.Fprintf(os.Stderr, "resuming at chunk %d, device offset %d\n", nextChunk, nextOffset)

	progress := func(u blockimg.ProgressUpdate) {
		fmt.Fprintf(os.Stderr, "\rchunks=%d bytes=%d/%d", u.ChunksWritten, u.BytesCompressed, u.UncompressedTotal)
	}

	_, _, runErr := w.WriteFrom(ctx, src, nextOffset, 0, progress, nil, 0)
	fmt.Fprintln(os.Stderr)

	if closeErr := w.Close(); runErr == nil {
		runErr = closeErr
	}
	if runErr != nil {
		return fmt.Errorf("%w: %v", ErrBlockimgCLI, runErr)
	}
	return nil
}
