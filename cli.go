package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LP75/authenticite-image/internal/config"
	"github.com/LP75/authenticite-image/internal/logging"
	"github.com/LP75/authenticite-image/internal/upload"
	"github.com/LP75/authenticite-image/internal/usecase"
)

type rootOptions struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "authenticite",
		Short:         "HTTP front-end for the image localization and authenticity scripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to a YAML config file (default $CONFIG_FILE)")

	root.AddCommand(newServeCommand(opts), newInvokeCommand(opts))
	return root
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func newInvokeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "invoke {localize|authenticity|analyze} IMAGE",
		Short:     "Run one analysis on a local image and print its JSON",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"localize", "authenticity", "analyze"},
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runInvoke(cmd, opts, args[0], args[1])
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
			}
			return err
		},
	}
}

func setup(opts *rootOptions) (config.Config, *zap.Logger, error) {
	cfg, err := config.LoadFile(opts.configFile)
	if err != nil {
		return config.Config{}, nil, logging.NewOperationError("config.load", "", err)
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	uc, cleanup, err := newUseCase(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build analysis flow", zap.Error(err))
		return err
	}
	defer cleanup()

	store, err := upload.NewStore(cfg.UploadDir, cfg.MaxUploadSize, upload.WithRequireImage(cfg.RequireImageMIME))
	if err != nil {
		logger.Error("failed to prepare upload dir", zap.Error(err))
		return err
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.Error("failed to listen", zap.String("addr", cfg.HTTPAddr), zap.Error(err))
		return err
	}

	server := &http.Server{Handler: newRouter(cfg, uc, store, logger)}
	logger.Info("authenticite API listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("localize_script", cfg.LocalizeScript),
		zap.String("authenticity_script", cfg.AuthenticityScript),
		zap.String("stderr_filter", cfg.FilterMode().String()),
	)
	if err := serveHTTP(ctx, server, listener, cfg.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	return nil
}

func runInvoke(cmd *cobra.Command, opts *rootOptions, analysis, imagePath string) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if _, err := os.Stat(imagePath); err != nil {
		return fmt.Errorf("image: %w", err)
	}

	uc := usecase.NewAnalysisUseCase(newScriptClient(cfg, newRunner(cfg, logger)), nil, logger, usecase.Options{Parallel: cfg.AnalyzeParallel})
	result, err := invokeAnalysis(cmd.Context(), uc, analysis, usecase.Image{Path: imagePath})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func invokeAnalysis(ctx context.Context, uc *usecase.AnalysisUseCase, analysis string, image usecase.Image) (any, error) {
	switch analysis {
	case "localize":
		return uc.Localize(ctx, image)
	case "authenticity":
		return uc.Authenticity(ctx, image)
	case "analyze":
		return uc.Analyze(ctx, image)
	default:
		return nil, fmt.Errorf("unknown analysis %q (want localize, authenticity or analyze)", analysis)
	}
}
