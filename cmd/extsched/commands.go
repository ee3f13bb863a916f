package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"extsched/internal/app"
	"extsched/internal/config"
)

func tasksCmd(f *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List plugins and the tasks they provide",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigIfPresent(cmd, f)
			if err != nil {
				return err
			}
			o, err := newOneShot(cmd.Context(), cfg, f.logLevel, 0)
			if err != nil {
				return err
			}
			defer o.close()

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"plugins": o.orch.Plugins(),
					"tasks":   o.orch.Tasks(),
				})
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tPLUGIN\tDESCRIPTION")
			for _, t := range o.orch.Tasks() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.Plugin, t.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func runCmd(f *rootFlags) *cobra.Command {
	var (
		sets    []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <task_id>",
		Short: "Execute one task now and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskCfg, err := parseSets(sets)
			if err != nil {
				return err
			}
			cfg, err := loadConfigIfPresent(cmd, f)
			if err != nil {
				return err
			}
			o, err := newOneShot(cmd.Context(), cfg, f.logLevel, timeout)
			if err != nil {
				return err
			}
			defer o.close()

			res, err := o.orch.ExecuteTaskNow(cmd.Context(), args[0], taskCfg)
			if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil {
				return werr
			}
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("task %s failed (%s): %s", args[0], res.Kind, res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "task config entry key=value (repeatable; JSON values keep their type)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "execution timeout (default: scheduler.default_timeout or none)")
	return cmd
}

func validateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file, including job task ids and task configs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(f.configPath).Parse()
			if err != nil {
				return err
			}
			o, err := newOneShot(cmd.Context(), cfg, f.logLevel, 0)
			if err != nil {
				return err
			}
			defer o.close()

			var errs []error
			active := 0
			for _, j := range cfg.Jobs {
				if j.Disabled {
					continue
				}
				active++
				if err := o.orch.ValidateJob(app.JobSpec(j)); err != nil {
					errs = append(errs, fmt.Errorf("job %q: %w", j.ID, err))
				}
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config OK: %d plugins, %d active jobs\n", len(o.orch.Plugins()), active)
			return nil
		},
	}
}
