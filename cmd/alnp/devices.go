package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"alnp/internal/config"
)

func (a *app) devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List devices verified by discovery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient(a.configPath)
			if err != nil {
				return err
			}
			st, err := a.store(cfg)
			if err != nil {
				return err
			}
			devices, err := st.ListDevices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(a.stdout, "no devices")
				return nil
			}
			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tADDR\tMODEL\tFIRMWARE\tCAPABILITIES\tVERIFIED")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					d.DeviceID, d.Addr, d.Model, d.Firmware,
					strings.Join(d.Capabilities, ","), d.VerifiedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}
