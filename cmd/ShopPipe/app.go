package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/ShopPipe/internal/api"
	"github.com/BTreeMap/ShopPipe/internal/generator"
	"github.com/BTreeMap/ShopPipe/internal/lockfile"
	"github.com/BTreeMap/ShopPipe/internal/metrics"
	"github.com/BTreeMap/ShopPipe/internal/restock"
	"github.com/BTreeMap/ShopPipe/internal/scheduler"
	"github.com/BTreeMap/ShopPipe/internal/status"
	"github.com/BTreeMap/ShopPipe/internal/store"
	"github.com/BTreeMap/ShopPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ShopPipe/internal/whatsapp"
	"github.com/BTreeMap/ShopPipe/internal/worker"
)

// run wires every component and blocks until ctx is done or one of the
// long-running parts fails.
func run(ctx context.Context, config Config, flags Flags) error {
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	loc, err := loadLocation(*flags.timezone)
	if err != nil {
		return err
	}
	winCfg, err := buildWindowConfig(config, loc)
	if err != nil {
		return fmt.Errorf("business window: %w", err)
	}

	st, err := store.Open(*flags.appDBDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	driver, err := newDriver(ctx, config, flags)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	sup := whatsapp.NewSupervisor(driver, whatsapp.WithStateHook(m.SetConnectionState))
	gen := generator.New(st, buildGeneratorOptions(config, loc)...)
	daily := scheduler.NewDaily(gen, st,
		scheduler.WithWindow(winCfg),
		scheduler.WithEnqueueHook(m.EnqueueHook()))
	trigger := restock.NewTrigger(st, gen,
		restock.WithWindow(winCfg),
		restock.WithEnqueueHook(m.EnqueueHook()))
	w := worker.New(st, sup, append(buildWorkerOptions(config), worker.WithHooks(m.WorkerHooks()))...)
	reporter := status.NewReporter(st, sup,
		status.WithLocation(loc),
		status.WithCountsHook(m.SetQueueDepth))
	srv := api.NewServer(api.Deps{
		Store:      st,
		Connection: sup,
		Daily:      daily,
		Restock:    trigger,
		Status:     reporter,
	}, append(buildAPIOptions(flags, config), api.WithGatherer(reg))...)

	g, gctx := errgroup.WithContext(ctx)

	cron := scheduler.NewScheduler(loc)
	if err := cron.ScheduleDaily(gctx, *flags.dailySchedule, daily, m.ObserveSchedulerRun); err != nil {
		cron.Stop()
		return fmt.Errorf("invalid daily schedule %q: %w", *flags.dailySchedule, err)
	}

	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return cron.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	slog.Info("ShopPipe: running", "channel", *flags.channel, "schedule", *flags.dailySchedule, "timezone", loc.String())
	return g.Wait()
}

// newDriver builds the channel driver selected by --channel.
func newDriver(ctx context.Context, config Config, flags Flags) (whatsapp.Driver, error) {
	switch *flags.channel {
	case ChannelTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			return nil, fmt.Errorf("twilio client: %w", err)
		}
		return client, nil
	default:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, fmt.Errorf("whatsapp client: %w", err)
		}
		return client, nil
	}
}
