package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"alnp/internal/config"
	"alnp/internal/profile"
)

type profileFlags struct {
	intent     string
	latency    uint8
	resilience uint8
}

func (f *profileFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.intent, "intent", "", "auto, realtime or install")
	cmd.Flags().Uint8Var(&f.latency, "latency", 0, "latency weight 0-100 (default from intent)")
	cmd.Flags().Uint8Var(&f.resilience, "resilience", 0, "resilience weight 0-100 (default from intent)")
}

// resolve applies flags over the config's [profile] table.
func (f *profileFlags) resolve(cmd *cobra.Command, cfg config.Client) (profile.Profile, error) {
	if cmd.Flags().Changed("intent") {
		cfg.Profile.Intent = f.intent
	}
	if cmd.Flags().Changed("latency") {
		v := f.latency
		cfg.Profile.Latency = &v
	}
	if cmd.Flags().Changed("resilience") {
		v := f.resilience
		cfg.Profile.Resilience = &v
	}
	return cfg.StreamProfile()
}

func (a *app) profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Compile and list stream profiles",
	}
	cmd.AddCommand(a.profileCompileCmd(), a.profileListCmd())
	return cmd
}

func (a *app) profileCompileCmd() *cobra.Command {
	var pf profileFlags
	var save bool
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Validate a profile and print its config id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient(a.configPath)
			if err != nil {
				return err
			}
			p, err := pf.resolve(cmd, cfg)
			if err != nil {
				return err
			}
			compiled, err := p.Compile()
			if err != nil {
				return err
			}
			if save {
				st, err := a.store(cfg)
				if err != nil {
					return err
				}
				if err := st.AddProfileIfNew(compiled); err != nil {
					return err
				}
			}
			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(compiled)
		},
	}
	pf.register(cmd)
	cmd.Flags().BoolVar(&save, "save", false, "cache the compiled profile")
	return cmd
}

func (a *app) profileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached profiles",
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
			profiles, err := st.ListProfiles()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CONFIG_ID\tINTENT\tLATENCY\tRESILIENCE")
			for _, p := range profiles {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", p.ConfigID, p.IntentName, p.LatencyWeight, p.ResilienceWeight)
			}
			return w.Flush()
		},
	}
}
