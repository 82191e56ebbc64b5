// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmdutil

import (
	"bufio"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/alecthomas/kong"
)

// ResolvePayload returns a kong.Resolver that prompts interactively for a
// required flag tagged type:"payload" left unset on the command line
// (optional payload flags are not prompted for), the same
// terminal-prompt idiom as a password resolver but for a PD/MD data
// string rather than a secret: the value is echoed back as it is typed
// rather than read via term.ReadPassword.
func ResolvePayload() kong.Resolver {
	return kong.ResolverFunc(func(ctx *kong.Context, parent *kong.Path, flag *kong.Flag) (interface{}, error) {
		if flag.Tag.Type != "payload" || !flag.Required || flag.Value.Set && !flag.Value.Target.IsZero() {
			return nil, nil
		}

		if flag.Target.Kind() != reflect.String {
			return nil, fmt.Errorf(`'payload' type must be applied to a string not %s`, flag.Target.Type())
		}

		fmt.Printf("No value has been provided for flag `%s`.\n", flag.ShortSummary())
		if flag.Help != "" {
			fmt.Println("Description: " + flag.Help)
		}

		fmt.Printf("Enter %s: ", strings.ToTitle(flag.Name))
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("payload could not be read: %v", err)
		}
		return strings.TrimSpace(line), nil
	})
}
