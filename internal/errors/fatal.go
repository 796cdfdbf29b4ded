// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package errors

import (
	"fmt"
	"os"
)

func fatalError(err error) {
	if e, ok := As(err); ok {
		fmt.Fprintf(os.Stderr, "error: %s\n", e.Title)
		if e.Detail != "" {
			fmt.Fprintf(os.Stderr, "  %s\n", e.Detail)
		}
		if e.Suggestion != "" {
			fmt.Fprintf(os.Stderr, "  suggestion: %s\n", e.Suggestion)
		}
		if e.Cause != nil {
			fmt.Fprintf(os.Stderr, "  cause: %v\n", e.Cause)
		}
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
