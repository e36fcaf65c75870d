package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/eshenhu/doipgw/internal/capture"
)

type decodeFlags struct {
	inputFile  string
	maxEntries int
	errorsOnly bool
}

var errEnough = errors.New("enough")

func newDecodeCmd() *cobra.Command {
	flags := &decodeFlags{}

	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Print the DoIP messages of a pcap",
		Long: `Decode DoIP traffic on port 13400 (TCP and UDP) from a pcap file.

Messages split across TCP segments are reported as truncated.`,
		Example: `  doipd decode capture.pcap
  doipd decode --input capture.pcap --errors`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.inputFile == "" && len(args) > 0 {
				flags.inputFile = args[0]
			}
			if flags.inputFile == "" {
				return fmt.Errorf("missing required flag --input")
			}
			return runDecode(cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.inputFile, "input", "", "Input pcap file")
	cmd.Flags().IntVar(&flags.maxEntries, "max", 0, "Stop after this many messages (0: all)")
	cmd.Flags().BoolVar(&flags.errorsOnly, "errors", false, "Only print messages that failed to decode")

	return cmd
}

func runDecode(w io.Writer, flags *decodeFlags) error {
	f, err := os.Open(flags.inputFile)
	if err != nil {
		return fmt.Errorf("open pcap: %w", err)
	}
	defer f.Close()

	n, bad := 0, 0
	err = capture.Each(f, func(r capture.Record) error {
		if r.Msg == nil {
			bad++
		} else if flags.errorsOnly {
			return nil
		}
		fmt.Fprintln(w, r)
		n++
		if flags.maxEntries > 0 && n >= flags.maxEntries {
			return errEnough
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnough) {
		return err
	}
	fmt.Fprintf(w, "%d message(s), %d undecodable\n", n, bad)
	return nil
}
