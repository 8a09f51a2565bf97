package cmd

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/broker/oanda"
	"github.com/rustyeddy/autotrader/broker/sim"
	"github.com/rustyeddy/autotrader/cache"
	"github.com/rustyeddy/autotrader/config"
	"github.com/rustyeddy/autotrader/envcheck"
	"github.com/rustyeddy/autotrader/execution"
	"github.com/rustyeddy/autotrader/journal"
	"github.com/rustyeddy/autotrader/killswitch"
	"github.com/rustyeddy/autotrader/market"
	"github.com/rustyeddy/autotrader/metrics"
	"github.com/rustyeddy/autotrader/notify"
	"github.com/rustyeddy/autotrader/pipeline"
	"github.com/rustyeddy/autotrader/position"
	"github.com/rustyeddy/autotrader/ratelimit"
	"github.com/rustyeddy/autotrader/reconcile"
	"github.com/rustyeddy/autotrader/risk"
	"github.com/rustyeddy/autotrader/state"
	"github.com/rustyeddy/autotrader/watchdog"
)

// File names under the state directory.
const (
	killSwitchFile = "trading_state.json"
	chochFile      = "choch_memory.jsonl"
	reportsDir     = "reports"
	reportPrefix   = "reconcile"

	// historyTolerance is the price distance within which CHoCH records
	// count toward a level's success rate.
	historyTolerance = 0.0005

	// minHistoryRate flags signals whose level has a poor track record.
	minHistoryRate = 0.4
)

// app holds every long-lived component, wired from one Config.
type app struct {
	cfg *config.Config
	log *zap.SugaredLogger

	broker   broker.Broker
	ticks    *market.TickStore
	store    *state.Store
	kill     *killswitch.Switch
	registry *metrics.Registry
	tracker  *position.Tracker
	engine   *execution.Engine
	limiter  *ratelimit.Limiter
	journal  journal.Journal
	history  *state.ChochMemory
	reports  *state.ReportWriter
	env      *envcheck.Cached

	latency    *watchdog.LatencyWatchdog
	connection *watchdog.ConnectionWatchdog
	account    *watchdog.AccountHealthMonitor
	system     *watchdog.SystemHealthMonitor
	feed       *watchdog.WebsocketPinger

	reconciler *reconcile.Reconciler
	pipeline   *pipeline.Pipeline
}

// newApp builds the components needed by every subcommand: broker, state
// store, kill switch, journal and metrics. Supervisors and the pipeline
// are added by wirePipeline.
func newApp(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	if err := os.MkdirAll(cfg.State.Dir, 0755); err != nil {
		return nil, errors.Wrap(err, "state dir")
	}

	a.ticks = market.NewTickStore()
	simBroker := sim.New(cfg.Broker.SimBalance, cfg.Broker.SimCurrency,
		sim.WithLogger(log.Named("sim")), sim.WithTicks(a.ticks))

	var live broker.Broker
	if cfg.Broker.Kind == "oanda" {
		base, err := oanda.BaseURL(cfg.Broker.OandaEnv)
		if err != nil {
			return nil, err
		}
		live = oanda.NewClient(base, cfg.Broker.Token, cfg.Broker.AccountID,
			config.Seconds(cfg.Broker.TimeoutSeconds), log.Named("oanda"))
	}
	a.broker = broker.Select(ctx, live, simBroker, log)

	store, err := state.OpenStore(filepath.Join(cfg.State.Dir, killSwitchFile), log)
	if err != nil {
		return nil, err
	}
	a.store = store

	a.kill = killswitch.New(
		killswitch.WithPersister(store),
		killswitch.WithOnActivate(notify.KillSwitchAlert(ctx, a.notifier(), cfg.App.Name)),
		killswitch.WithLogger(log.Named("killswitch")),
	)
	if err := a.kill.Restore(); err != nil {
		return nil, err
	}

	if cfg.Journal.Driver != "" {
		j, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			return nil, err
		}
		a.journal = j
	}

	a.registry = metrics.NewRegistry("autotrader")
	a.tracker = position.NewTracker(position.WithLogger(log.Named("positions")))
	a.engine = execution.NewEngine(execution.WithBroker(a.broker), execution.WithLogger(log.Named("execution")))
	a.reports = state.NewReportWriter(filepath.Join(cfg.State.Dir, reportsDir), reportPrefix)

	var jsrc reconcile.JournalSource
	if a.journal != nil {
		jsrc = a.journal
	}
	a.reconciler = reconcile.New(jsrc, a.broker, log.Named("reconcile"),
		reconcile.WithOrders(a.engine),
		reconcile.WithReports(a.reports),
		reconcile.WithSink(a.registry),
	)
	return a, nil
}

func (a *app) notifier() notify.Notifier {
	if a.cfg.Notify.TelegramToken != "" && a.cfg.Notify.TelegramChatID != "" {
		return notify.NewTelegram(a.cfg.Notify.TelegramToken, a.cfg.Notify.TelegramChatID)
	}
	return notify.Log{L: a.log.Named("notify")}
}

// wirePipeline adds the supervisors, the environment validator and the
// signal pipeline.
func (a *app) wirePipeline(ctx context.Context, watch []string) error {
	cfg := a.cfg.Effective()
	log := a.log
	wd := cfg.Watchdog

	acct, err := a.broker.AccountSnapshot(ctx)
	if err != nil {
		return errors.WithMessage(err, "account snapshot")
	}

	loopCfg := watchdog.Config{
		Interval:         config.Seconds(wd.LatencyIntervalSeconds),
		Timeout:          config.Seconds(wd.SampleTimeoutSeconds),
		FailureThreshold: wd.FailureThreshold,
	}
	latCfg := watchdog.LatencyConfig{
		Config:     loopCfg,
		Alpha:      wd.LatencyAlpha,
		DegradedMs: wd.LatencyDegradedMs,
		CriticalMs: wd.LatencyCriticalMs,
	}

	sysOpts := []watchdog.SystemOption{watchdog.WithMemory(watchdog.HeapMB)}
	if wd.FeedURL != "" {
		a.feed = watchdog.NewWebsocketPinger(wd.FeedURL, log.Named("feed"))
		if err := a.feed.Connect(ctx); err != nil {
			log.Warnw("feed connect failed, watchdog will retry", "url", wd.FeedURL, "err", err)
		}
		a.latency = watchdog.NewLatency(latCfg, watchdog.TimedSampler(a.feed.Ping), a.feed.Reconnect, log)
		sysOpts = append(sysOpts, watchdog.WithFeed(a.feed.LastMessage, a.feed.Alive))
	} else {
		a.latency = watchdog.NewLatency(latCfg, watchdog.TimedSampler(a.broker.Ping), nil, log)
		sysOpts = append(sysOpts, watchdog.WithFeed(a.ticks.LastUpdate, nil))
	}
	a.latency.Subscribe(func(s watchdog.Stats) {
		a.registry.SetGauge("latency_ms", s.Smoothed)
	})
	sysOpts = append(sysOpts, watchdog.WithLatency(a.latency))

	connCfg := loopCfg
	connCfg.Interval = config.Seconds(wd.ConnectionIntervalSeconds)
	a.connection = watchdog.NewConnection("broker", connCfg, a.broker.Ping, nil, log)

	a.system = watchdog.NewSystemHealth(watchdog.SystemConfig{
		FeedMaxSilence:   config.Seconds(wd.FeedMaxSilenceSeconds),
		MemoryCriticalMB: wd.MemoryCriticalMB,
	}, log, sysOpts...)

	acctOpts := []watchdog.AccountOption{
		watchdog.WithHalter(a.kill),
		watchdog.WithSink(a.registry),
	}
	if a.journal != nil {
		acctOpts = append(acctOpts, watchdog.WithEquityRecorder(a.journal))
	}
	a.account = watchdog.NewAccountHealth(watchdog.AccountConfig{
		Config: watchdog.Config{
			Interval:         config.Seconds(cfg.Account.IntervalSeconds),
			Timeout:          config.Seconds(wd.SampleTimeoutSeconds),
			FailureThreshold: wd.FailureThreshold,
		},
		MaxDrawdownPct:  cfg.Account.MaxDrawdownPct,
		MaxDailyLossPct: cfg.Account.MaxDailyLossPct,
		AutoKill:        cfg.Account.AutoKill,
	}, a.broker, log, acctOpts...)

	a.env = envcheck.NewCached("environment", envcheck.All(
		envcheck.WritableDir(cfg.State.Dir),
		envcheck.Credentials(cfg.Broker.Kind, cfg.Broker.Token, cfg.Broker.AccountID),
		envcheck.Reachable(a.broker.Name(), a.broker.Ping),
	), time.Minute, log)

	a.limiter = ratelimit.New(ratelimit.Config{
		Window:       config.Seconds(cfg.RateLimit.WindowSeconds),
		PerSymbolMax: cfg.RateLimit.PerSymbolMax,
		GlobalMax:    cfg.RateLimit.GlobalMax,
	}, ratelimit.WithLogger(log.Named("ratelimit")))

	rates := cache.New[state.SuccessRate](cache.Config{
		TTL:     config.Seconds(cfg.Cache.TTLSeconds),
		MaxSize: cfg.Cache.MaxSize,
	}, cache.WithLogger(log.Named("cache")))
	history, err := state.OpenChochMemory(filepath.Join(cfg.State.Dir, chochFile), historyTolerance, rates, log)
	if err != nil {
		return err
	}
	a.history = history

	evaluator := risk.NewPolicyEvaluator(risk.PolicyFromConfig(cfg.Risk, acct.Currency), a.tracker, a.broker, log.Named("risk"))

	opts := []pipeline.Option{
		pipeline.WithKillSwitch(a.kill),
		pipeline.WithHealth(a.system),
		pipeline.WithEnvValidator(a.env),
		pipeline.WithRateLimiter(a.limiter),
		pipeline.WithPositions(a.tracker),
		pipeline.WithHistory(a.history, minHistoryRate),
		pipeline.WithSink(a.registry),
		pipeline.WithLogger(log.Named("pipeline")),
	}
	if len(watch) > 0 {
		quality := envcheck.NewCached("quotes",
			envcheck.FreshQuotes(a.ticks, watch, config.Seconds(wd.FeedMaxSilenceSeconds), time.Now),
			config.Seconds(wd.LatencyIntervalSeconds), log)
		opts = append(opts, pipeline.WithDataQuality(quality))
		quality.Start(ctx)
	}
	if a.journal != nil {
		opts = append(opts, pipeline.WithJournal(a.journal))
	}
	if !cfg.App.DryRun {
		opts = append(opts, pipeline.WithExecutor(a.engine))
	}
	a.pipeline = pipeline.New(evaluator, opts...)
	return nil
}

func (a *app) Close() {
	if a.feed != nil {
		a.feed.Close()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.log.Warnw("journal close", "err", err)
		}
	}
	_ = a.log.Sync()
}

func newExporter(a *app) *metrics.Exporter {
	return metrics.NewExporter(a.registry, a.cfg.Metrics.SnapshotPath,
		config.Seconds(a.cfg.Metrics.IntervalSeconds), a.log.Named("metrics"))
}
