package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sandboxforge/internal/core"
)

type invocation struct {
	opts Options
	cfg  Config
	exit int
}

var configFlags = []string{
	flagRoot, flagToolCache, flagChecksums, flagCacheMode, flagMirror,
	flagProject, flagWit, flagWorld, flagApp, flagAppPath, flagOutput, flagJobs,
}

func newRootCommand(inv *invocation) *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "sandboxforge",
		Short:         "Cross-build a WASI component embedding CPython and native extensions",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return invalidInvocationf("unknown command %q", args[0])
			}
			_ = cmd.Help()
			return invalidInvocationf("a command is required")
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			set := make(map[string]string)
			for _, name := range configFlags {
				if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
					set[name] = f.Value.String()
				}
			}
			cfg, err := LoadConfig(inv.opts.Getenv, set)
			if err != nil {
				return err
			}
			cfg.Verbose = verbose
			inv.cfg = cfg
			SetLogger(newLogger(inv.opts.Stderr, verbose))
			return nil
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})

	pf := root.PersistentFlags()
	pf.String(flagRoot, "", "project root (default: current directory)")
	pf.String(flagToolCache, "", "tool cache directory (default: <root>/.toolcache)")
	pf.String(flagChecksums, "", "checksum file (default: <root>/checksums.sha256)")
	pf.String(flagCacheMode, "", "artifact cache mode: content|existence (default: content)")
	pf.String(flagMirror, "", "fetch every archive from <mirror>/<archive>")
	pf.String(flagProject, "", "directory holding pyproject.toml (default: <root>)")
	pf.String(flagWit, "", "WIT directory (default: <root>/wit)")
	pf.String(flagWorld, "", "WIT world to target (default: env)")
	pf.String(flagApp, "", "guest application module (default: agent_repl)")
	pf.String(flagAppPath, "", "guest application directory (default: <root>/guest)")
	pf.String(flagOutput, "", "component output path (default: <root>/env.wasm)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newBuildCommand(inv),
		newStageCommand(inv),
		newPlanCommand(inv),
		newPlatformCommand(inv),
	)
	return root
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return invalidInvocationf("%s expects %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

func (inv *invocation) pipeline() (*Pipeline, error) {
	return NewPipeline(inv.cfg, DefaultCatalog(inv.cfg), inv.opts.Tools)
}

func newBuildCommand(inv *invocation) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run the whole pipeline, reusing cached artifacts",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := inv.pipeline()
			if err != nil {
				return err
			}
			res, err := Execute(cmd.Context(), p, p.Graph, "build", inv.cfg.Jobs)
			inv.exit = res.ExitCode
			if res.GraphResult != nil {
				renderSummary(inv.opts.Stdout, res)
			}
			return err
		},
	}
	cmd.Flags().Int(flagJobs, 1, "stages to run concurrently")
	return cmd
}

func newStageCommand(inv *invocation) *cobra.Command {
	return &cobra.Command{
		Use:   "stage NAME",
		Short: "Run one stage; its prerequisites must already be built",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := inv.pipeline()
			if err != nil {
				return err
			}
			g, err := p.Graph.Select(args[0])
			if err != nil {
				return err
			}
			res, err := Execute(cmd.Context(), p, g, "stage "+args[0], 1)
			inv.exit = res.ExitCode
			if res.GraphResult != nil {
				renderSummary(inv.opts.Stdout, res)
			}
			return err
		},
	}
}

func newPlanCommand(inv *invocation) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show stages in execution order with their cache status",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := inv.pipeline()
			if err != nil {
				return err
			}
			plan, err := p.Plan()
			if err != nil {
				return err
			}
			renderPlan(inv.opts.Stdout, plan)
			return nil
		},
	}
}

func newPlatformCommand(inv *invocation) *cobra.Command {
	return &cobra.Command{
		Use:   "platform",
		Short: "Print the resolved toolchain platform tag",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag, err := core.ResolvePlatformTag(inv.cfg.HostOS, inv.cfg.HostArch)
			if err != nil {
				return err
			}
			fmt.Fprintf(inv.opts.Stdout, "platform: %s\nbuild:    %s\ntarget:   %s\n", tag, tag.BuildTriple(), core.TargetTriple)
			return nil
		},
	}
}
