package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/balena-io/leviathan-worker/internal/drive"
	"github.com/balena-io/leviathan-worker/internal/firmata"
	"github.com/balena-io/leviathan-worker/internal/libvirt"
	"github.com/balena-io/leviathan-worker/internal/output"
)

var testConnCmd = &cobra.Command{
	Use:   "test-conn [socket]",
	Short: "Test libvirt connection",
	Long:  `Test connectivity to the libvirt daemon used by the qemu worker and display version information.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		socket := libvirt.DefaultSocket
		if len(args) == 1 {
			socket = args[0]
		}
		fmt.Printf("Testing libvirt connection on %s...\n", socket)

		client, err := libvirt.Connect(socket, 5*time.Second)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", closeErr)
			}
		}()

		fmt.Println("✓ Connected to libvirt daemon")

		if err := client.Ping(); err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}

		v, err := client.Version()
		if err != nil {
			return err
		}
		fmt.Printf("✓ libvirt version: %s\n", v)
		return nil
	},
}

var boardTimeout time.Duration

var boardCmd = &cobra.Command{
	Use:   "board <device>",
	Short: "Probe a Firmata board",
	Long:  `Open the Firmata board on a serial device, wait for its handshake and print what it reports.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logrus.New()
		log.SetLevel(logrus.WarnLevel)

		c, err := firmata.Open(args[0], log)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), boardTimeout)
		defer cancel()
		if err := c.Ready(ctx); err != nil {
			return fmt.Errorf("board did not become ready: %w", err)
		}

		fmt.Printf("✓ Protocol version: %s\n", c.Version())
		fmt.Printf("✓ Firmware: %s\n", c.Firmware())
		fmt.Printf("✓ Pins: %d\n", len(c.Pins()))
		return nil
	},
}

var (
	drivesAll       bool
	drivesOutput    string
	drivesNoHeaders bool
)

var drivesCmd = &cobra.Command{
	Use:   "drives",
	Short: "List drives the worker could flash",
	Long: `List block devices as the drive locator sees them. System drives are
hidden unless --all is given.`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return output.ValidateFormat(drivesOutput)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		drives, err := (&drive.LsblkLister{}).List(cmd.Context())
		if err != nil {
			return err
		}
		if !drivesAll {
			shown := drives[:0]
			for _, d := range drives {
				if !d.IsSystem {
					shown = append(shown, d)
				}
			}
			drives = shown
		}

		f, err := output.NewFormatter(output.Options{
			Format:    output.Format(drivesOutput),
			NoHeaders: drivesNoHeaders,
		})
		if err != nil {
			return err
		}
		out, err := f.FormatDrives(drives)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

func init() {
	boardCmd.Flags().DurationVar(&boardTimeout, "timeout", 10*time.Second, "handshake timeout")
	drivesCmd.Flags().BoolVarP(&drivesAll, "all", "a", false, "include system drives")
	drivesCmd.Flags().StringVarP(&drivesOutput, "output", "o", "table", "output format (table, yaml, json)")
	drivesCmd.Flags().BoolVar(&drivesNoHeaders, "no-headers", false, "omit table headers")
}
