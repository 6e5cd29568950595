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
	"fmt"

	"github.com/rodaine/table"
	"github.com/urfave/cli/v2"

	"github.com/blockimg/blockimg"
)

func newListCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "list a container's index entries",
		ArgsUsage: "IMAGE",
		Action: func(c *cli.Context) error {
			return (&listCmd{image: c.Args().Get(0)}).Run()
		},
	}
}

type listCmd struct {
	image string
}

func (lc *listCmd) Run() error {
	if lc.image == "" {
		return fmt.Errorf("%w: IMAGE is required", ErrFlagParse)
	}

	r, err := blockimg.Open(lc.image)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockimgCLI, err)
	}
	defer r.Close()

	h := r.Header()
	fmt.Printf("version=%d sector_size=%d chunk_size=%d device_length=%d fs_tag=%q\n",
		h.Version, h.SectorSize, h.ChunkSize, h.DeviceLength, h.FSTag)

	tbl := table.New("index", "device_offset", "file_offset", "uncompressed", "compressed", "ratio")
	for i, e := range r.Entries() {
		ratio := 0.0
		if e.UncompressedLength > 0 {
			ratio = (1 - float64(e.CompressedLength)/float64(e.UncompressedLength)) * 100
		}
		tbl.AddRow(i, e.DeviceOffset, e.FileOffset, e.UncompressedLength, e.CompressedLength, fmt.Sprintf("%.1f%%", ratio))
	}
	tbl.Print()

	return nil
}
