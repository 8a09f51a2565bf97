package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/config"
	"github.com/rustyeddy/autotrader/market"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the signal pipeline and its supervisors",
	Long: `Start the watchdogs, the environment validator, metrics export and
reconciliation, then process signals read as JSON lines from --signals
(or stdin). Every decision is written to stdout as one JSON line.

Examples:
  autotrader run -c autotrader.yaml --signals signals.jsonl
  tail -f signals.jsonl | autotrader run -c autotrader.yaml
  autotrader run --dry-run --watch EURUSD,GBPUSD`,
	RunE: runRun,
}

var (
	runSignals   string
	runDryRun    bool
	runWatch     []string
	runPyroscope string
	runLinger    bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runSignals, "signals", "s", "", "JSON-lines signal file (default stdin)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "approve and record signals without sending orders")
	runCmd.Flags().StringSliceVar(&runWatch, "watch", nil, "symbols whose quotes must stay fresh")
	runCmd.Flags().StringVar(&runPyroscope, "pyroscope", "", "pyroscope server address for continuous profiling")
	runCmd.Flags().BoolVar(&runLinger, "linger", false, "keep supervising after the signal stream ends")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if runDryRun {
		cfg.App.DryRun = true
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := orDefault(runPyroscope, cfg.Profiling.PyroscopeAddr); addr != "" {
		profiler, err := startProfiler(cfg.App.Name, addr, log)
		if err != nil {
			log.Warnw("profiler not started", "addr", addr, "err", err)
		} else {
			defer profiler.Stop()
		}
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	watch := make([]string, 0, len(runWatch))
	for _, s := range runWatch {
		sym, err := market.NormalizeSymbol(s)
		if err != nil {
			return err
		}
		watch = append(watch, sym)
	}
	if err := a.wirePipeline(ctx, watch); err != nil {
		return err
	}
	a.supervise(ctx)

	in := io.Reader(cmd.InOrStdin())
	if runSignals != "" {
		f, err := os.Open(runSignals)
		if err != nil {
			return errors.Wrap(err, "open signals")
		}
		defer f.Close()
		in = f
	}

	if err := a.processStream(ctx, in, cmd.OutOrStdout()); err != nil {
		return err
	}
	if runLinger {
		log.Infow("signal stream ended, supervising until interrupted")
		<-ctx.Done()
	}
	return nil
}

// supervise starts every background loop. They all stop with ctx.
func (a *app) supervise(ctx context.Context) {
	cfg := a.cfg
	go a.latency.Run(ctx)
	go a.connection.Run(ctx)
	go a.account.Run(ctx)
	a.env.Start(ctx)

	exporter := newExporter(a)
	go exporter.Run(ctx)

	if cfg.Metrics.ListenAddr != "" {
		go func() {
			if err := a.registry.Serve(ctx, cfg.Metrics.ListenAddr, a.log); err != nil {
				a.log.Errorw("metrics server", "addr", cfg.Metrics.ListenAddr, "err", err)
			}
		}()
	}
	if cfg.Reconcile.Enabled {
		go a.reconciler.Run(ctx, config.Seconds(cfg.Reconcile.IntervalSeconds))
	}
	go a.pruneOrders(ctx, time.Hour, 24*time.Hour)
}

// pruneOrders drops terminal orders older than keep.
func (a *app) pruneOrders(ctx context.Context, every, keep time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := a.engine.Prune(now.Add(-keep)); n > 0 {
				a.log.Debugw("pruned orders", "count", n)
			}
		}
	}
}

// processStream decodes one signal per line and writes one decision per
// line. Malformed lines are logged and skipped.
func (a *app) processStream(ctx context.Context, in io.Reader, out io.Writer) error {
	enc := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var sig market.Signal
		if err := json.Unmarshal([]byte(line), &sig); err != nil {
			a.log.Warnw("skipping malformed signal", "line", lineNo, "err", err)
			continue
		}
		if sig.At.IsZero() {
			sig.At = time.Now().UTC()
		}

		d, err := a.pipeline.Process(ctx, sig)
		if err != nil {
			a.log.Warnw("signal rejected", "line", lineNo, "err", err)
		}
		if err := enc.Encode(d); err != nil {
			return errors.Wrap(err, "write decision")
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read signals")
	}
	return nil
}

func startProfiler(app, addr string, log *zap.SugaredLogger) (*pyroscope.Profiler, error) {
	host, _ := os.Hostname()
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: app,
		ServerAddress:   addr,
		Logger:          log.Named("pyroscope"),
		Tags:            map[string]string{"hostname": host},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
}

func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
