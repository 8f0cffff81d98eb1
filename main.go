// Command bounty-digest emails subscribers daily or weekly digests of new
// bounties from the bounty board.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bounty-digest/config"
	"bounty-digest/digest"
	"bounty-digest/pkg/notifier"
	"bounty-digest/schedule"
	"bounty-digest/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "bounty-digest",
		Short: "Email digests of new bounties to subscribers",
		Long: `bounty-digest watches the bounty board and emails each subscriber a
daily or weekly digest of open bounties matching their tags.

Settings come from .env, an optional YAML file (--config or CONFIG_FILE)
and environment variables, in increasing order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if opts.configFile != "" {
				return os.Setenv("CONFIG_FILE", opts.configFile)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newPreviewCommand())

	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the management API and the digest scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(os.Stdout, cfg.LogLevel)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	subs, err := a.store.ListSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("load subscribers: %w", err)
	}
	logger.Info("Bounty digest service starting",
		"api_base_url", cfg.APIBaseURL,
		"port", cfg.Port,
		"subscribers", len(subs),
		"email_provider", a.provider,
		"dry_run", a.provider == config.ProviderMock,
		"storage_driver", cfg.StorageDriver,
		"check_interval", cfg.CheckInterval.String(),
		"digest_hour", cfg.DigestHour,
		"weekly_day", cfg.WeeklyDay.String(),
		"timezone", cfg.Location.String())

	sched, err := schedule.New(a.engine, cfg.CheckInterval, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("Failed to stop scheduler", "error", err)
		}
	}()

	srv := server.New(&server.Config{
		Store:       a.store,
		Engine:      a.engine,
		Source:      a.source,
		Renderer:    a.sender,
		Logger:      logger,
		IsNotFound:  isNotFound,
		IsDuplicate: isDuplicate,
		Provider:    a.provider,
	})
	return srv.ListenAndServe(ctx, ":"+cfg.Port)
}

func newRunCommand() *cobra.Command {
	var (
		force bool
		addr  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one digest pass now and print its summary",
		Long: `Run one digest pass now and print its summary as JSON.

Outside the configured dispatch hour the run is skipped unless --force is set.

Without --addr the run executes in this process against the configured
storage, so no serve process may be running at the same time. With --addr
the run is triggered through a running server's POST /trigger instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				client := &http.Client{Timeout: 6 * time.Minute}
				return triggerRemote(cmd.Context(), client, addr, force, cmd.OutOrStdout())
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := newLogger(os.Stderr, cfg.LogLevel)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			summary, runErr := a.engine.Run(cmd.Context(), time.Now(), digest.RunOptions{IgnoreHourGate: force})
			if summary != nil {
				if err := writeSummary(cmd.OutOrStdout(), summary); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			return summaryError(summary)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "ignore the dispatch hour window")
	cmd.Flags().StringVar(&addr, "addr", "", "base URL of a running server to trigger instead of running locally")
	return cmd
}

// triggerRemote asks a running server to execute the digest run.
func triggerRemote(ctx context.Context, client *http.Client, addr string, force bool, out io.Writer) error {
	url := strings.TrimRight(addr, "/") + "/trigger"
	if force {
		url += "?force=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read trigger response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("trigger %s: HTTP %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var summary notifier.RunSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		return fmt.Errorf("decode run summary: %w", err)
	}
	if err := writeSummary(out, &summary); err != nil {
		return err
	}
	return summaryError(&summary)
}

func writeSummary(w io.Writer, summary *notifier.RunSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func summaryError(summary *notifier.RunSummary) error {
	if summary.PersistError != "" {
		return errors.New("digests sent but state was not saved: " + summary.PersistError)
	}
	return nil
}

func newPreviewCommand() *cobra.Command {
	var tags string

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Print the HTML digest for the current open bounties",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := newLogger(os.Stderr, cfg.LogLevel)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			bounties, err := a.source.OpenBounties(cmd.Context())
			if err != nil {
				return err
			}
			var filter []string
			for _, t := range strings.Split(tags, ",") {
				if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
					filter = append(filter, t)
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), a.sender.RenderDigest(digest.FilterByTags(bounties, filter), "preview@example.com"))
			return err
		},
	}

	cmd.Flags().StringVar(&tags, "tags", "", "comma-separated tags to filter by")
	return cmd
}
