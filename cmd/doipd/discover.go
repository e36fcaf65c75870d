package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eshenhu/doipgw/doip"
)

type discoverFlags struct {
	addr      string
	timeout   time.Duration
	vin       string
	eid       string
	status    bool
	powerMode bool
	output    string
}

func newDiscoverCmd() *cobra.Command {
	flags := &discoverFlags{}

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Identify DoIP entities over UDP",
		Long: `Send a vehicle identification request and list every entity that answers
before the timeout. --vin or --eid restrict the request to one vehicle or entity.

--status and --power-mode send an entity status or diagnostic power mode
request to a single entity instead.`,
		Example: `  # All entities on the local segment
  doipd discover

  # One entity by EID, JSON output
  doipd discover --addr 192.168.100.20:13400 --eid 00:1a:37:00:00:01 --output json

  # Entity status
  doipd discover --addr 192.168.100.20:13400 --status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.addr, "addr", fmt.Sprintf("255.255.255.255:%d", doip.Port), "Destination address")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 2*time.Second, "Time to wait for answers")
	cmd.Flags().StringVar(&flags.vin, "vin", "", "Identify by VIN")
	cmd.Flags().StringVar(&flags.eid, "eid", "", "Identify by EID (hex)")
	cmd.Flags().BoolVar(&flags.status, "status", false, "Request the entity status")
	cmd.Flags().BoolVar(&flags.powerMode, "power-mode", false, "Request the diagnostic power mode")
	cmd.Flags().StringVar(&flags.output, "output", "text", "Output format: text|json")
	cmd.MarkFlagsMutuallyExclusive("vin", "eid", "status", "power-mode")

	return cmd
}

// vehicleView is the printable form of an announcement.
type vehicleView struct {
	Addr           string `json:"addr"`
	VIN            string `json:"vin"`
	LogicalAddress string `json:"logical_address"`
	EID            string `json:"eid"`
	GID            string `json:"gid"`
	FurtherAction  byte   `json:"further_action"`
	SyncStatus     *byte  `json:"sync_status,omitempty"`
}

func runDiscover(ctx context.Context, w io.Writer, flags *discoverFlags) error {
	if flags.output != "text" && flags.output != "json" {
		return fmt.Errorf("invalid output format '%s'; must be 'text' or 'json'", flags.output)
	}
	ctx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()

	if flags.status || flags.powerMode {
		var req doip.Msg = &doip.EntityStatusReq{}
		if flags.powerMode {
			req = &doip.PowerModeReq{}
		}
		res, err := doip.RequestUDP(ctx, flags.addr, req)
		if err != nil {
			return fmt.Errorf("%s: %w", req.Type(), err)
		}
		return printResult(w, flags.output, res)
	}

	req, err := identificationRequest(flags)
	if err != nil {
		return err
	}
	found, err := doip.DiscoverVehicles(ctx, flags.addr, req)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	views := make([]vehicleView, 0, len(found))
	for _, v := range found {
		views = append(views, vehicleView{
			Addr:           v.Addr.String(),
			VIN:            printableVIN(v.VIN[:]),
			LogicalAddress: fmt.Sprintf("0x%04X", v.LogicalAddress),
			EID:            colonHex(v.EID[:]),
			GID:            colonHex(v.GID[:]),
			FurtherAction:  v.FurtherAction,
			SyncStatus:     v.SyncStatus,
		})
	}
	if flags.output == "json" {
		return printResult(w, "json", views)
	}

	if len(views) == 0 {
		fmt.Fprintf(w, "No entities discovered\n")
		return nil
	}
	fmt.Fprintf(w, "Discovered %d entit(y/ies):\n", len(views))
	for _, v := range views {
		fmt.Fprintf(w, "\n  Address:         %s\n", v.Addr)
		fmt.Fprintf(w, "  VIN:             %s\n", v.VIN)
		fmt.Fprintf(w, "  Logical address: %s\n", v.LogicalAddress)
		fmt.Fprintf(w, "  EID:             %s\n", v.EID)
		fmt.Fprintf(w, "  GID:             %s\n", v.GID)
		fmt.Fprintf(w, "  Further action:  0x%02X\n", v.FurtherAction)
	}
	return nil
}

func identificationRequest(flags *discoverFlags) (doip.Msg, error) {
	switch {
	case flags.vin != "":
		if len(flags.vin) != 17 {
			return nil, fmt.Errorf("VIN must be 17 characters, got %d", len(flags.vin))
		}
		return &doip.VehicleIDRequestVIN{VIN: doip.VINFromString(flags.vin)}, nil
	case flags.eid != "":
		b, err := hex.DecodeString(strings.ReplaceAll(flags.eid, ":", ""))
		if err != nil || len(b) != 6 {
			return nil, fmt.Errorf("EID must be 6 hex bytes: %q", flags.eid)
		}
		m := &doip.VehicleIDRequestEID{}
		copy(m.EID[:], b)
		return m, nil
	}
	return &doip.VehicleIDRequest{}, nil
}

func printResult(w io.Writer, format string, v interface{}) error {
	if format == "json" {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal JSON: %w", err)
		}
		fmt.Fprintf(w, "%s\n", b)
		return nil
	}
	fmt.Fprintf(w, "%+v\n", v)
	return nil
}

func printableVIN(b []byte) string {
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return hex.EncodeToString(b)
		}
	}
	return string(b)
}

func colonHex(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%02x", c)
	}
	return strings.Join(parts, ":")
}
