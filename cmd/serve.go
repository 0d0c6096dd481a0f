package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/easy-downloader/internal/config"
	"github.com/MimeLyc/easy-downloader/internal/httpapi"
	"github.com/MimeLyc/easy-downloader/internal/orchestrator"
	"github.com/MimeLyc/easy-downloader/internal/schedule"
	"github.com/MimeLyc/easy-downloader/pkg/log"
)

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronEngine interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func runServe(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", cfg.HTTP.Addr, "listen address")
	mode := fs.String("mode", string(orchestrator.ModeSingle), "initial mode: single or batch")
	uiDir := fs.String("ui", "", "serve a web UI from this directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	initial, err := orchestrator.ParseMode(*mode)
	if err != nil {
		return err
	}
	cfg.HTTP.Addr = *addr

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	ctrl := a.controller(initial)
	defer ctrl.Release()

	consent := &consentFanout{ConsentStore: a.consent}
	opts := []httpapi.Option{
		httpapi.WithConsentStore(consent),
		httpapi.WithDefaults(cfg.Defaults),
		httpapi.WithUI(*uiDir, *uiDir != ""),
	}

	var sched scheduler
	engine := cron.New()
	if cfg.Schedule.CronExpr != "" {
		// scheduled batches get their own controller so they never tear
		// down what the user is tracking
		batchCtrl := a.controller(orchestrator.ModeBatch)
		defer batchCtrl.Release()
		consent.also = append(consent.also, batchCtrl)
		svc := schedule.NewService(engine, cfg.Schedule.CronExpr, cfg.Schedule.Dir, cfg.Defaults, batchCtrl)
		opts = append(opts, httpapi.WithSchedule(svc))
		sched = svc
	}

	srv := httpapi.NewServer(ctrl, a.queue, opts...)
	return runWithComponents(ctx, cfg, sched, engine, srv)
}

func runSchedule(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	once := fs.Bool("once", false, "process the inbox once and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	ctrl := a.controller(orchestrator.ModeBatch)
	defer ctrl.Release()

	engine := cron.New()
	svc := schedule.NewService(engine, cfg.Schedule.CronExpr, cfg.Schedule.Dir, cfg.Defaults, ctrl)
	if *once {
		result, err := svc.RunOnce(ctx)
		if err != nil {
			return err
		}
		saved, err := a.waitIdle(ctx)
		err = reportDeliveries(os.Stdout, saved, err)
		fmt.Printf("%s %d files, %d batches, %d completed, %d failed, %d queued\n",
			titleStyle.Render("inbox:"), result.Files, result.Batches, result.Completed, result.Failed, result.Queued)
		for _, msg := range result.Errors {
			fmt.Println(mutedStyle.Render(msg))
		}
		return err
	}
	if cfg.Schedule.CronExpr == "" {
		return fmt.Errorf("SCHEDULE_CRON is not set; use --once to process the inbox now")
	}
	return runWithComponents(ctx, cfg, svc, engine, nil)
}

// consentFanout passes consent changes made through the API on to
// controllers the API does not drive.
type consentFanout struct {
	*config.ConsentStore
	also []*orchestrator.Controller
}

func (c *consentFanout) Update(accepted bool) (config.Consent, error) {
	saved, err := c.ConsentStore.Update(accepted)
	if err != nil {
		return saved, err
	}
	for _, ctrl := range c.also {
		ctrl.SetConsent(saved.Valid())
	}
	return saved, nil
}

// runWithComponents registers the scheduler, starts the cron engine and the
// HTTP server, and blocks until ctx ends or the server fails.
func runWithComponents(ctx context.Context, cfg *config.Config, sched scheduler, engine cronEngine, srv httpServer) error {
	if sched != nil {
		if err := sched.Schedule(ctx); err != nil {
			return err
		}
		engine.Start()
		defer engine.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	if srv != nil {
		g.Go(func() error {
			log.Info("Control API listening on http://%s", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if srv == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
