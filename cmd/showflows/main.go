// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command showflows deserializes a flow-dump .bin file and writes the
// literal text record format, applying an optional AND filter on
// source/destination IP, source/destination port, and protocol class.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"flowcache.dev/flowcache/internal/flow"
	"flowcache.dev/flowcache/internal/flow/dump"
	"flowcache.dev/flowcache/internal/flow/filter"
)

const version = "showflows - version 0.01"

var protocolToClass = map[string]flow.Class{
	"TCP":  flow.ClassTCP,
	"UDP":  flow.ClassUDP,
	"IP":   flow.ClassIP,
	"ICMP": flow.ClassICMP,
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "\tshowflows -h - print this help")
	fmt.Fprintln(os.Stderr, "\tshowflows -v - print the version")
	fmt.Fprintln(os.Stderr, "\tshowflows -f <filename> -r <src ip> -t <dst ip> -s <src port> -d <dst port> -p <protocol>")
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("showflows", flag.ContinueOnError)
	fs.Usage = usage

	var file, srcip, dstip, protocol string
	var srcport, dstport uint
	var showVersion, showHelp bool

	for _, pair := range []struct {
		long, short string
		target      *string
	}{
		{"file", "f", &file},
		{"srcip", "r", &srcip},
		{"dstip", "t", &dstip},
		{"protocol", "p", &protocol},
	} {
		fs.StringVar(pair.target, pair.long, "", "")
		fs.StringVar(pair.target, pair.short, "", "")
	}
	fs.UintVar(&srcport, "srcport", 0, "")
	fs.UintVar(&srcport, "s", 0, "")
	fs.UintVar(&dstport, "dstport", 0, "")
	fs.UintVar(&dstport, "d", 0, "")
	fs.BoolVar(&showVersion, "version", false, "")
	fs.BoolVar(&showVersion, "v", false, "")
	fs.BoolVar(&showHelp, "help", false, "")
	fs.BoolVar(&showHelp, "h", false, "")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if showHelp {
		usage()
		return 0
	}
	if showVersion {
		fmt.Println(version)
		return 0
	}

	if file == "" {
		fmt.Fprintln(os.Stderr, "Input file name must be specified")
		return 1
	}

	spec := filter.Spec{Kind: filter.KindAllAnd}
	if protocol != "" {
		class, ok := protocolToClass[protocol]
		if !ok {
			fmt.Fprintln(os.Stderr, "Invalid Protocol; valid protocols are IP/TCP/UDP/ICMP")
			return 1
		}
		spec.Proto = &class
	}
	if srcip != "" {
		addr, err := filter.ParseAddr(srcip)
		if err != nil {
			fmt.Fprintln(os.Stderr, "inet_pton on src ip failed:", err)
			return 1
		}
		spec.SrcIP = &addr
	}
	if dstip != "" {
		addr, err := filter.ParseAddr(dstip)
		if err != nil {
			fmt.Fprintln(os.Stderr, "inet_pton on dest ip failed:", err)
			return 1
		}
		spec.DstIP = &addr
	}
	spec.SrcPort = uint16(srcport)
	spec.DstPort = uint16(dstport)

	return deserialize(file, spec)
}

func deserialize(file string, spec filter.Spec) int {
	binFile, err := os.Open(file + ".bin")
	if err != nil {
		fmt.Fprintln(os.Stderr, "showflows failed to open binary file:", file+".bin")
		return 1
	}
	defer binFile.Close()

	textFile, err := os.Create(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, "showflows failed to open text file:", file)
		return 1
	}
	defer textFile.Close()

	r := bufio.NewReader(binFile)
	w := bufio.NewWriter(textFile)
	defer w.Flush()

	buf := make([]byte, dump.DescriptorSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			break
		}
		var d dump.Descriptor
		if err := d.UnmarshalBinary(buf); err != nil {
			fmt.Fprintln(os.Stderr, "showflows: malformed record:", err)
			return 1
		}
		if !matches(spec, d) {
			continue
		}
		fmt.Fprintln(w, dump.FormatDescriptor(d))
	}
	return 0
}

func matches(spec filter.Spec, d dump.Descriptor) bool {
	return filter.Matches(spec, d.SrcIP, d.DstIP, d.SrcPort, d.DstPort, flow.Class(d.PktType))
}
