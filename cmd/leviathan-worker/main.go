package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/balena-io/leviathan-worker/internal/version"
)

const progName = "leviathan-worker"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   progName,
	Short: "Leviathan worker - hardware-in-the-loop DUT controller",
	Long: `The leviathan worker drives a device under test for automated OS testing.

It serves an HTTP API that selects a backend (a physical testbot board or a
QEMU virtual machine), powers the device on and off, flashes OS images and
configures its network. A WebSocket bridge relays test traffic to TCP
services running on the device.`,
	Version:       version.GetVersion(progName),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(testConnCmd)
	rootCmd.AddCommand(boardCmd)
	rootCmd.AddCommand(drivesCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersion(progName))
	},
}
