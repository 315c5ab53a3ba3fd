// stress triggers simulations on a running stress-sentry server and follows
// its journal.
//
//	stress cpu --duration 30 --goroutines 4
//	stress block --duration 20
//	stress cancel
//	stress metrics
//	stress watch --journal /var/lib/stress-sentry/journal.jsonl
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"stress-sentry/internal/config"
	"stress-sentry/internal/journal"
	"stress-sentry/internal/tailer"
	"stress-sentry/internal/telemetry"
)

const bytesPerMB = 1024 * 1024

var (
	serverURL  string
	configPath string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "stress",
	Short:        "Drive a stress-sentry server",
	Long:         "stress starts and cancels simulations on a stress-sentry server and follows its journal.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9102", "Base URL of the stress-sentry server")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(
		simulationCmd("cpu", "Saturate CPU cores with busy loops",
			param{"duration", "durationSeconds", 30, "Seconds to run"},
			param{"goroutines", "goroutines", 0, "Spinning goroutines (0 = one per core)"}),
		simulationCmd("memory", "Allocate and hold memory",
			param{"size", "sizeMegabytes", 256, "Megabytes to allocate"},
			param{"hold", "holdSeconds", 0, "Seconds to hold (0 = until cancelled)"}),
		simulationCmd("block", "Occupy worker pool threads to starve requests",
			param{"duration", "durationSeconds", 30, "Seconds to block"},
			param{"workers", "workers", 0, "Workers to occupy (0 = all)"}),
		cancelCmd,
		listCmd,
		metricsCmd,
		watchCmd,
	)

	watchCmd.Flags().StringVar(&configPath, "config", "", "Server configuration file to read journal.path from")
	watchCmd.Flags().String("journal", "", "Journal file to follow (overrides the configuration)")
	watchCmd.Flags().Bool("from-start", false, "Print existing entries before following")
}

// param maps a CLI flag onto a query parameter of the simulation endpoint.
type param struct {
	flag  string
	query string
	def   int
	usage string
}

func simulationCmd(kind, short string, params ...param) *cobra.Command {
	cmd := &cobra.Command{
		Use:   kind,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, p := range params {
				v, err := cmd.Flags().GetInt(p.flag)
				if err != nil {
					return err
				}
				q.Set(p.query, strconv.Itoa(v))
			}
			body, err := newClient().do(cmd.Context(), http.MethodPost, "/api/simulations/"+kind, q)
			if err != nil {
				return errors.Wrapf(err, "starting %s simulation", kind)
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
	for _, p := range params {
		cmd.Flags().Int(p.flag, p.def, p.usage)
	}
	return cmd
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel one simulation, or all of them when no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/simulations"
		if len(args) == 1 {
			path += "/" + url.PathEscape(args[0])
		}
		body, err := newClient().do(cmd.Context(), http.MethodDelete, path, nil)
		if err != nil {
			return errors.Wrap(err, "cancelling")
		}
		return printJSON(cmd.OutOrStdout(), body)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active simulations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := newClient().do(cmd.Context(), http.MethodGet, "/api/simulations", nil)
		if err != nil {
			return errors.Wrap(err, "listing simulations")
		}
		return printJSON(cmd.OutOrStdout(), body)
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show the latest metrics snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := newClient().do(cmd.Context(), http.MethodGet, "/api/metrics/latest", nil)
		if err != nil {
			return errors.Wrap(err, "fetching metrics")
		}
		var snap telemetry.MetricsSnapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			return errors.Wrap(err, "decoding metrics")
		}
		printSnapshot(cmd.OutOrStdout(), snap)
		return nil
	},
}

func printSnapshot(w io.Writer, s telemetry.MetricsSnapshot) {
	fmt.Fprintf(w, "time         %s\n", s.Timestamp.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "process      %d (%s)\n", s.ProcessID, s.ProcessInstance)
	fmt.Fprintf(w, "cpu          %.1f%%\n", s.CPUPercent)
	fmt.Fprintf(w, "working set  %d MB\n", s.WorkingSetBytes/bytesPerMB)
	fmt.Fprintf(w, "heap         %d MB (%d GCs)\n", s.ManagedHeapBytes/bytesPerMB, s.GCCount)
	fmt.Fprintf(w, "available    %d MB\n", s.TotalAvailableMemoryBytes/bytesPerMB)
	fmt.Fprintf(w, "pool         %d/%d idle, %d queued\n",
		s.SchedulerAvailableWorkerCount, s.SchedulerMaxWorkerCount, s.SchedulerPendingWorkCount)
	fmt.Fprintf(w, "goroutines   %d on %d threads\n", s.Goroutines, s.OSThreads)
	fmt.Fprintf(w, "simulations  %d\n", s.ActiveSimulationCount)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the server journal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("journal")
		fromStart, _ := cmd.Flags().GetBool("from-start")
		if path == "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return errors.Wrap(err, "loading configuration")
			}
			path = cfg.Journal.Path
		}
		if path == "" {
			return errors.New("no journal configured: pass --journal or set SENTRY_JOURNAL_PATH")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		lines := make(chan string, 64)
		errc := make(chan error, 1)
		go func() { errc <- tailer.Follow(ctx, path, fromStart, lines) }()

		out := cmd.OutOrStdout()
		for {
			select {
			case line := <-lines:
				if e, err := journal.Decode(line); err == nil {
					fmt.Fprintln(out, e.String())
				} else {
					fmt.Fprintln(out, line)
				}
			case err := <-errc:
				return errors.Wrapf(err, "following %s", path)
			}
		}
	},
}

type client struct {
	base string
	http *http.Client
}

func newClient() *client {
	return &client{base: serverURL, http: &http.Client{Timeout: timeout}}
}

func (c *client) do(ctx context.Context, method, path string, q url.Values) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response")
	}
	if resp.StatusCode >= 400 {
		return nil, errors.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(body))
	}
	return body, nil
}

func printJSON(w io.Writer, body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, err = w.Write(body)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
