package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"milapp/internal/app"
	"milapp/internal/config"
	"milapp/internal/engine"
	"milapp/internal/lifecycle"
	"milapp/internal/logging"
	"milapp/internal/retry"
)

var rootCmd = &cobra.Command{
	Use:   "milapp",
	Short: "Project lifecycle engine",
	Long: `milapp moves projects through a fixed sequence of stages and guards the
boundaries with quality gates.
- Stages: ideacao through concluido; each has a progress percent and a label.
- Gates: G1..G4 sit on four boundaries; a gate must be approved before the
  project crosses it. Approval needs every criterion at or above its minimum,
  the weighted score at or above the threshold, and every required approver.
- Transitions: forward moves are checked against gates and skip policy;
  moving back needs the stage.revert capability.
- Audit: every attempt, accepted or not, is appended to the audit trail
  (milapp audit tail).`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MILAPP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/milapp.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-role", "admin", "actor role")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log engine activity to stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-role", rootCmd.PersistentFlags().Lookup("actor-role"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(revertCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(escalateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func loadConfig() (*config.Config, error) {
	return app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
}

func newLogger(cfg *config.Config, force bool) (*logging.Logger, error) {
	if !force && !viper.GetBool("verbose") {
		return logging.Nop(), nil
	}
	return logging.New(cfg.Logging.Mode)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Sync()
	rt, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func actor() (string, string) {
	return viper.GetString("actor-id"), viper.GetString("actor-role")
}

// withRetry re-runs op when it lost a version race.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return retry.Do(ctx, retry.Policy{
		Attempts:        retry.DefaultAttempts,
		InitialInterval: 50 * time.Millisecond,
		Retryable:       func(err error) bool { return errors.Is(err, engine.ErrConcurrentModification) },
	}, op)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printReasons(reasons []lifecycle.Reason) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Code", "Reason"})
	for _, r := range reasons {
		tw.AppendRow(table.Row{r.Code, r.Message})
	}
	tw.Render()
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

// parseDate accepts YYYY-MM-DD or RFC 3339.
func parseDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q (want YYYY-MM-DD or RFC 3339)", raw)
}

func emptyIfNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
