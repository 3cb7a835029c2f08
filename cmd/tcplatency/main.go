// tcplatency replays a packet capture through the flow reconstructor and
// prints one delay-attribution row per flow direction as CSV.
package main

// example:
// go build ./cmd/tcplatency
// ./tcplatency capture.pcap

import (
	"flag"
	"fmt"
	"os"

	"github.com/gocarina/gocsv"

	"github.com/m-lab/tcp-latency-attribution/internal/capture"
	"github.com/m-lab/tcp-latency-attribution/internal/report"
)

var printSchema = flag.Bool("p", false, "Print the output column schema and exit.")

func main() {
	flag.Parse()

	if *printSchema {
		printColumnSchema()
		return
	}

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tcplatency [-p] <pcap file>")
		os.Exit(1)
	}

	if err := run(flag.Arg(0), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "tcplatency:", err)
		os.Exit(1)
	}
}

func run(path string, out *os.File) error {
	flowMap, err := capture.LoadPcap(path)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}

	rows := make([]*report.Row, 0)
	for i, f := range flowMap.Flows() {
		if f.EndpointA != nil && !f.EndpointA.IsBogus {
			row := report.BuildRow(path, i, "a2b", f.EndpointA)
			rows = append(rows, &row)
		}
		if f.EndpointB != nil && !f.EndpointB.IsBogus {
			row := report.BuildRow(path, i, "b2a", f.EndpointB)
			rows = append(rows, &row)
		}
	}

	if len(rows) == 0 {
		return nil
	}
	return gocsv.MarshalWithoutHeaders(rows, out)
}

// printColumnSchema prints the output's column names, 1-indexed, so
// downstream consumers can map positional CSV fields to names without
// parsing a header row out of every output file.
func printColumnSchema() {
	for i, name := range report.ColumnNames() {
		fmt.Printf("%d %s\n", i+1, name)
	}
}
