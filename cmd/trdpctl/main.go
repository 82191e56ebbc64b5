// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"github.com/alecthomas/kong"

	"github.com/open-source-firmware/trdp-go/pkg/cmdutil"
)

const (
	programName = "trdpctl"
	programDesc = "TRDP process and message data smoke-test client"
)

func main() {
	ctx := kong.Parse(&cli,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.NamedMapper("accessiblefile", cmdutil.AccessibleFileMapper()),
		kong.Resolvers(cmdutil.ResolvePayload()),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run(&cmdContext{})
	ctx.FatalIfErrorf(err)
}
