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
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/blockimg/blockimg"
)

func newReadCommand() *cli.Command {
	return &cli.Command{
		Name:      "read",
		Usage:     "read a byte range from a container's device image to stdout",
		ArgsUsage: "IMAGE OFFSET LENGTH",
		Action: func(c *cli.Context) error {
			return (&readCmd{
				image:  c.Args().Get(0),
				offset: c.Args().Get(1),
				length: c.Args().Get(2),
			}).Run()
		},
	}
}

type readCmd struct {
	image  string
	offset string
	length string
}

func (rc *readCmd) Run() error {
	if rc.image == "" || rc.offset == "" || rc.length == "" {
		return fmt.Errorf("%w: IMAGE, OFFSET, and LENGTH are required", ErrFlagParse)
	}

	var offset, length uint64
	if _, err := fmt.Sscanf(rc.offset, "%d", &offset); err != nil {
		return fmt.Errorf("%w: parsing OFFSET: %v", ErrFlagParse, err)
	}
	if _, err := fmt.Sscanf(rc.length, "%d", &length); err != nil {
		return fmt.Errorf("%w: parsing LENGTH: %v", ErrFlagParse, err)
	}

	r, err := blockimg.Open(rc.image)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockimgCLI, err)
	}
	defer r.Close()

	buf := make([]byte, length)
	n, err := r.ReadAt(offset, buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockimgCLI, err)
	}

	if _, err := io.Copy(os.Stdout, bytes.NewReader(buf[:n])); err != nil {
		return fmt.Errorf("%w: writing to stdout: %v", ErrBlockimgCLI, err)
	}
	return nil
}
