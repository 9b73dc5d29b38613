package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrate/internal/checkpoint"
	"github.com/jackzampolin/narrate/internal/config"
	"github.com/jackzampolin/narrate/internal/home"
	"github.com/jackzampolin/narrate/internal/llmcall"
	"github.com/jackzampolin/narrate/internal/logging"
	"github.com/jackzampolin/narrate/internal/output"
	"github.com/jackzampolin/narrate/internal/providers"
	"github.com/jackzampolin/narrate/internal/store"
	"github.com/jackzampolin/narrate/internal/svcctx"
	"github.com/jackzampolin/narrate/version"
)

// annotationNoServices marks commands that run without config or storage.
const annotationNoServices = "narrate/no-services"

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "narrate",
	Short: "Character and dialog analysis for audiobook narration",
	Long: `Narrate reads a book chapter by chapter and uses a language model to find
its characters, attribute dialog lines to speakers, and assign each character
a voice profile and a TTS speaker.

Analysis is resumable: progress is checkpointed after every step and an
interrupted chapter continues where it stopped.`,
	Version:           version.GitRelease,
	SilenceUsage:      true,
	PersistentPreRunE: setupServices,
	PersistentPostRun: teardownServices,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.narrate/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "narrate home directory (default: ~/.narrate)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "table", "output format: table, json or yaml",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "", "log level override: debug, info, warn, error",
	)

	rootCmd.AddCommand(
		analyzeCmd,
		checkpointsCmd,
		charactersCmd,
		callsCmd,
		configCmd,
		versionCmd,
	)
}

// setupServices resolves home, loads configuration and opens storage, then
// attaches everything to the command context.
func setupServices(cmd *cobra.Command, args []string) error {
	if _, err := output.ParseFormat(outputFormat); err != nil {
		return err
	}
	if cmd.Annotations[annotationNoServices] != "" {
		return nil
	}
	ctx := cmd.Context()

	h, err := home.New(homeDir)
	if err != nil {
		return err
	}
	if err := h.EnsureExists(); err != nil {
		return err
	}
	if err := config.LoadDotEnv(".env", h.EnvPath()); err != nil {
		return err
	}

	cm, err := config.NewManager(cfgFile, h.Path())
	if err != nil {
		return err
	}
	cfg := cm.Get()

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	logger, err := logging.New(logging.Options{
		Level:  level,
		Format: cfg.Logging.Format,
		Writer: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	if f := cm.ConfigFile(); f != "" {
		logger.Debug("loaded config", "file", f)
	}

	st, err := store.Open(ctx, cfg.StorePath(h.DatabasePath()), store.WithLogger(logger))
	if err != nil {
		return err
	}

	registry := providers.NewRegistry()
	registry.SetLogger(logger)
	registry.Reload(cfg.ToProviderRegistryConfig())

	recorder := llmcall.NewRecorder(llmcall.RecorderConfig{Writer: st, Logger: logger})
	recorder.Start(ctx)

	checkpoints := checkpoint.NewManager(
		cfg.CheckpointDir(h.CheckpointsPath()),
		checkpoint.WithTTL(cfg.Checkpoint.TTL),
		checkpoint.WithLogger(logger),
	)

	cmd.SetContext(svcctx.WithServices(ctx, &svcctx.Services{
		Config:      cm,
		Home:        h,
		Store:       st,
		Checkpoints: checkpoints,
		Registry:    registry,
		Recorder:    recorder,
		Logger:      logger,
	}))
	return nil
}

func teardownServices(cmd *cobra.Command, args []string) {
	svc := svcctx.ServicesFrom(cmd.Context())
	if svc == nil {
		return
	}
	if svc.Recorder != nil {
		svc.Recorder.Stop()
	}
	if svc.Store != nil {
		if err := svc.Store.Close(); err != nil {
			svc.Logger.Warn("failed to close store", "error", err)
		}
	}
}

// services returns the command's services or an error when setup was
// skipped.
func services(ctx context.Context) (*svcctx.Services, error) {
	svc := svcctx.ServicesFrom(ctx)
	if svc == nil {
		return nil, fmt.Errorf("services not initialized")
	}
	return svc, nil
}

// write renders data in the --output format.
func write(cmd *cobra.Command, data any) error {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	return output.Write(cmd.OutOrStdout(), format, data)
}
