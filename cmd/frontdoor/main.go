package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"frontdoor/internal/frontdoor"
)

var (
	configPath string
	verbose    bool

	cfg    frontdoor.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "frontdoor",
	Short: "Redirecting front server for the document search site",
	Long: `frontdoor answers redirect rules for the site and proxies every other
request to the web application.

Rules come from the theme's built-in list and from redirects/<file>.csv
(NEXT_REDIRECT_FILE, default default.csv). They are loaded once at start;
a changed file needs a restart.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		explicit := cmd.Flag("config").Changed || os.Getenv("FRONTDOOR_CONFIG") != ""
		cfg, err = frontdoor.LoadConfig(configPath, explicit)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger, err = frontdoor.NewLogger(cfg, verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve redirects and proxy to the origin",
	RunE:  runServe,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the merged redirect rules as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := frontdoor.LoadRedirects(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"theme":    set.Theme,
			"rules":    set.Table.Rules(),
			"patterns": set.Patterns.Rules(),
		})
	},
}

var sitemapURL string

var lintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Check redirect rules against the origin sitemap",
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := frontdoor.LoadRedirects(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		client := &http.Client{Timeout: 30 * time.Second}
		report, err := frontdoor.LintSitemap(ctx, client, cfg.Server.Origin, sitemapURL, set.Table.Rules())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if !report.Clean() {
			return errors.New("redirect rules disagree with the sitemap")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("FRONTDOOR_CONFIG", "frontdoor.yaml"), "path to frontdoor.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	lintCmd.Flags().StringVar(&sitemapURL, "sitemap", "/sitemap.xml", "sitemap url, relative to the origin unless absolute")

	rootCmd.AddCommand(serveCmd, rulesCmd, lintCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := frontdoor.NewService(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("frontdoor listening", zap.String("addr", addr), zap.String("origin", cfg.Server.Origin))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
