package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/switchboardhq/switchboard/internal/tenants"
	"github.com/switchboardhq/switchboard/pkg/server"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the capability registry",
}

var registryCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the registry, route table, intent rules and tenant file",
	Args:  cobra.NoArgs,
	RunE:  runRegistryCheck,
}

var (
	intentTenant string
	tenantsFile  string
)

var intentCmd = &cobra.Command{
	Use:   "intent <text>",
	Short: "Classify a message and, with --tenant, show where it would route",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIntent,
}

func init() {
	registryCmd.AddCommand(registryCheckCmd)
	registryCmd.PersistentFlags().StringVar(&tenantsFile, "tenants", "", "tenant YAML file to validate (defaults to the configured file)")
	intentCmd.Flags().StringVar(&intentTenant, "tenant", "", "tenant ID to route for")
	intentCmd.Flags().StringVar(&tenantsFile, "tenants", "", "tenant YAML file (defaults to the configured file)")
}

func tenantsPath() string {
	if tenantsFile != "" {
		return tenantsFile
	}
	return cfg.Tenants.File
}

func runRegistryCheck(cmd *cobra.Command, args []string) error {
	rt, err := server.LoadRouting(cfg.Routing)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "registry %s: %d capabilities, %d tools\n",
		rt.Registry.Version(), len(rt.Registry.Capabilities()), len(rt.Registry.Tools()))
	for _, a := range rt.Router.Agents() {
		fmt.Fprintf(out, "  agent %-14s tools: %s\n", a.ID, strings.Join(a.Tools, ", "))
	}
	fmt.Fprintf(out, "intent rules: %d\n", len(rt.Intents.Rules()))

	if path := tenantsPath(); path != "" {
		p, err := tenants.LoadFile(path, rt.Registry)
		if err != nil {
			return err
		}
		all, _ := p.ListTenants(context.Background())
		fmt.Fprintf(out, "tenants: %d valid in %s\n", len(all), path)
	}
	fmt.Fprintln(out, "ok")
	return nil
}

func runIntent(cmd *cobra.Command, args []string) error {
	rt, err := server.LoadRouting(cfg.Routing)
	if err != nil {
		return err
	}
	text := strings.Join(args, " ")
	in := rt.Intents.Classify(text)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "intent: %s\n", in)

	if intentTenant == "" {
		return nil
	}
	path := tenantsPath()
	if path == "" {
		return fmt.Errorf("--tenant needs a tenant file (--tenants or SWITCHBOARD_TENANTS_FILE)")
	}
	p, err := tenants.LoadFile(path, rt.Registry)
	if err != nil {
		return err
	}
	t, err := p.GetTenant(context.Background(), intentTenant)
	if err != nil {
		return fmt.Errorf("tenant %s: %w", intentTenant, err)
	}
	d, err := rt.Router.Route(t, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "agent: %s (rule %s)\n", d.Agent, d.Rule)
	fmt.Fprintf(out, "tools: %s\n", strings.Join(d.ToolNames(), ", "))
	if len(d.Missing) > 0 {
		fmt.Fprintf(out, "missing capabilities: %v\n", d.Missing)
	}
	return nil
}
