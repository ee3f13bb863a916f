package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"extsched/internal/config"
	"extsched/internal/eventbus"
	"extsched/internal/orchestrator"
	"extsched/internal/plugin"
	logx "extsched/pkg/logx"
)

type rootFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func rootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "extsched",
		Short:         "Extensible task scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(f.envFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "./config.json", "path to config (json or yaml)")
	cmd.PersistentFlags().StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before the config (missing is fine)")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "warn", "log level for one-shot commands")

	cmd.AddCommand(serveCmd(f), tasksCmd(f), runCmd(f), validateCmd(f))
	return cmd
}

// oneShot is an initialized orchestrator for CLI commands that do not serve.
type oneShot struct {
	orch *orchestrator.Service
	bus  *eventbus.MemBus
}

// newOneShot loads the plugins enabled in cfg, or every registered plugin
// when cfg is nil.
func newOneShot(ctx context.Context, cfg *config.Config, level string, timeout time.Duration) (*oneShot, error) {
	log := logx.NewConsole(level)
	bus := eventbus.New(eventbus.Config{HistorySize: 100}, log.With(logx.String("comp", "eventbus")))

	var specs []orchestrator.PluginSpec
	if cfg != nil {
		names := make([]string, 0, len(cfg.Plugins))
		for name, p := range cfg.Plugins {
			if p.Enabled {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, n := range names {
			specs = append(specs, orchestrator.PluginSpec{Ref: n, Config: cfg.Plugins[n].Config})
		}
	} else {
		for _, ref := range plugin.Refs() {
			specs = append(specs, orchestrator.PluginSpec{Ref: ref})
		}
	}

	ocfg := orchestrator.Config{Plugins: specs, DefaultTimeout: timeout}
	if cfg != nil {
		ocfg.Scheduler.Timezone = cfg.Scheduler.Timezone
		if ocfg.DefaultTimeout <= 0 {
			ocfg.DefaultTimeout, _ = cfg.Scheduler.Durations()
		}
	}
	orch := orchestrator.New(ocfg, bus, log.With(logx.String("comp", "orchestrator")))
	if err := orch.Initialize(ctx); err != nil {
		_ = bus.Close(ctx)
		return nil, err
	}
	return &oneShot{orch: orch, bus: bus}, nil
}

func (o *oneShot) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = o.orch.Shutdown(ctx)
	_ = o.bus.Close(ctx)
}

// loadConfigIfPresent parses the config when the flag was set explicitly.
func loadConfigIfPresent(cmd *cobra.Command, f *rootFlags) (*config.Config, error) {
	if !cmd.Flags().Changed("config") {
		return nil, nil
	}
	return config.NewConfigManager(f.configPath).Parse()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseSets turns k=v pairs into a config map. Values that parse as JSON
// keep their type; anything else is a string.
func parseSets(sets []string) (map[string]any, error) {
	out := map[string]any{}
	for _, kv := range sets {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q (want key=value)", kv)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			out[k] = parsed
		} else {
			out[k] = v
		}
	}
	return out, nil
}
