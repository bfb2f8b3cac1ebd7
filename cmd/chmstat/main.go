// Copyright (c) 2026 The gochm Project.
// SPDX-License-Identifier: GPL-3.0-or-later

// Command chmstat opens a CHM or Help2 container and prints a summary of
// what the low-level and high-level parsers found: recognized dialect,
// parse flags, item count, and per-section compression methods. It does
// not list or extract file contents — that is out of scope for this core,
// see the package doc.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/gochm/chmcore"
)

var (
	help2      = flag.Bool("help2", false, "parse as Help2 (ITOL/ITLS) instead of classic CHM")
	searchSize = flag.Uint64("search-limit", 0, "Help2 signature scan limit in bytes (0 = default, 256 KiB)")
	jsonOutput = flag.Bool("json", false, "output as JSON")
	version    = flag.Bool("version", false, "print version and exit")
)

const appVersion = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <file>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Parses a CHM/Help2 container and prints its directory summary.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Printf("chmstat version %s\n", appVersion)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Error: exactly one input file required\n")
		flag.Usage()
		os.Exit(1)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	mode := chmcore.ModeCHM
	if *help2 {
		mode = chmcore.ModeHelp2
	}

	var limit *uint64
	if *searchSize != 0 {
		limit = searchSize
	}

	db, err := chmcore.Open(f, mode, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing %s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}

	if *jsonOutput {
		outputJSON(db)
	} else {
		outputText(db)
	}
}

func outputJSON(db *chmcore.Database) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(db); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

func outputText(db *chmcore.Database) {
	fmt.Printf("is_arc:             %v\n", db.IsArc)
	fmt.Printf("help2_format:       %v\n", db.Help2Format)
	fmt.Printf("new_format:         %v\n", db.NewFormat)
	fmt.Printf("low_level:          %v\n", db.LowLevel)
	fmt.Printf("unsupported_feature: %v\n", db.UnsupportedFeature)
	fmt.Printf("headers_error:      %v\n", db.HeadersError)
	fmt.Printf("unexpected_end:     %v\n", db.UnexpectedEnd)
	fmt.Printf("start_position:     0x%X\n", db.StartPosition)
	fmt.Printf("content_offset:     0x%X\n", db.ContentOffset)
	fmt.Printf("phys_size:          0x%X\n", db.PhysSize)
	fmt.Printf("items:              %d (%d user-visible)\n", len(db.Items), len(db.Indices))
	fmt.Printf("sections:           %d\n", len(db.Sections))
	for i, s := range db.Sections {
		if i == 0 {
			continue
		}
		fmt.Printf("  [%d] %s\n", i, s.MethodName())
	}
	if db.NewFormatString != "" {
		fmt.Printf("new_format_string:\n%s", db.NewFormatString)
	}
}
