// Package main implements geogrid-reduce, which reduces partial grid
// results stored as files (framed binary or JSON) without a running
// service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/arkilian/geogrid/internal/aggregation/geogrid"
	"github.com/arkilian/geogrid/internal/codec"
	"github.com/arkilian/geogrid/internal/coordinator"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "geogrid-reduce: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("geogrid-reduce", flag.ContinueOnError)
	var (
		outPath string
		format  string
		policy  string
		fanIn   int
	)
	fs.StringVar(&outPath, "out", "", "Write the result to this file instead of stdout")
	fs.StringVar(&format, "format", "json", "Output format: json or framed")
	fs.StringVar(&policy, "size-policy", "first", "Size policy: first or strict")
	fs.IntVar(&fanIn, "fan-in", 16, "Inputs per reduce tree node")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: geogrid-reduce [options] partial...\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("no input files")
	}

	sizePolicy, err := geogrid.ParseSizePolicy(policy)
	if err != nil {
		return err
	}
	if format != "json" && format != "framed" {
		return fmt.Errorf("unknown output format %q", format)
	}

	partials := make([]*geogrid.GridResult, 0, fs.NArg())
	for _, path := range fs.Args() {
		g, err := readPartial(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		partials = append(partials, g)
	}

	reducer := geogrid.NewReducer(geogrid.WithSizePolicy(sizePolicy))
	result, err := coordinator.ReduceTree(context.Background(), reducer, partials, fanIn, 1)
	if err != nil {
		return err
	}

	out := stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return writeResult(out, result, format)
}

// readPartial reads a framed or JSON grid result.
func readPartial(path string) (*geogrid.GridResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if codec.IsFramed(data) {
		return codec.Decode(data)
	}

	var dto codec.GridResultJSON
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, fmt.Errorf("neither framed nor JSON: %w", err)
	}
	return codec.FromJSON(&dto)
}

func writeResult(w io.Writer, g *geogrid.GridResult, format string) error {
	if format == "framed" {
		data, err := codec.Encode(g)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	dto, err := codec.ToJSON(g)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(dto)
}
