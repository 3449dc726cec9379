// Command miningops monitors a fleet of push (NMMiner) and pull (Bitaxe)
// miners and exposes their state over HTTP, Prometheus and MQTT.
package main

import (
	"fmt"
	"os"

	"github.com/HerbHall/miningops/internal/version"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: miningops <command> [flags]

commands:
  serve     run the monitoring server (default)
  scan      run a one-off discovery scan and print the results
  backup    archive the database and config
  restore   restore a backup archive
  version   print version information
`)
}

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		if err := runServe(args); err != nil {
			fmt.Fprintf(os.Stderr, "miningops: %v\n", err)
			os.Exit(1)
		}
	case "scan":
		runScan(args)
	case "backup":
		runBackup(args)
	case "restore":
		runRestore(args)
	case "version":
		fmt.Println(version.Info())
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
}
