// diagmgr runs the diagnostic kernel against a content-management
// installation described by a state file. The kernel is embedded: scans,
// findings and remediations all happen in-process.
//
// Usage:
//
//	diagmgr scan       -state site.yaml [-rules id,...] [-categories ...]
//	diagmgr findings   -state site.yaml [-severity high]
//	diagmgr remediate  -state site.yaml -finding ID -action ID [-dry-run]
//	diagmgr rules      [-config diagmgr.yaml]
//	diagmgr version
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "scan":
		err = runScan(os.Args[2:])
	case "findings":
		err = runFindings(os.Args[2:])
	case "remediate":
		err = runRemediate(os.Args[2:])
	case "rules":
		err = runRules(os.Args[2:])
	case "version":
		fmt.Printf("diagmgr %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `diagmgr - diagnostic orchestration and remediation kernel

Commands:
  scan        Run diagnostics against a system and report findings
  findings    List the open findings of a system
  remediate   Execute a remediation action for a finding
  rules       List the registered diagnostic rules
  version     Print the version

Run "diagmgr <command> -h" for command flags.
`)
}
