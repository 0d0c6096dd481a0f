package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MimeLyc/easy-downloader/internal/backend"
	"github.com/MimeLyc/easy-downloader/internal/config"
	"github.com/MimeLyc/easy-downloader/internal/delivery"
	"github.com/MimeLyc/easy-downloader/internal/errs"
	"github.com/MimeLyc/easy-downloader/internal/orchestrator"
	"github.com/MimeLyc/easy-downloader/pkg/log"
)

// app holds the components every command shares.
type app struct {
	cfg     *config.Config
	client  *backend.Client
	queue   *delivery.Queue
	consent *config.ConsentStore
}

func newApp(cfg *config.Config) (*app, error) {
	client, err := backend.NewClient(cfg.BackendClientConfig())
	if err != nil {
		return nil, err
	}
	consent, err := config.NewConsentStore(cfg.Storage.ConsentFile)
	if err != nil {
		return nil, fmt.Errorf("load consent: %w", err)
	}

	queue := delivery.NewQueue(1, cfg.Tracking.FetchStagger)
	queue.OnUpdate(func(d delivery.Delivery) {
		switch d.Status {
		case delivery.StatusSuccess:
			log.Info("Saved %s", d.Path)
		case delivery.StatusFailed:
			log.Warn("Delivery %s for job %s failed: %s", d.ID, d.JobID, d.Error)
		}
	})
	queue.Start(delivery.FetchWith(client, backend.DirSaver{Dir: cfg.Storage.DownloadDir}))

	return &app{
		cfg:     cfg,
		client:  client,
		queue:   queue,
		consent: consent,
	}, nil
}

func (a *app) close() {
	a.queue.Stop()
}

func (a *app) controller(mode orchestrator.Mode) *orchestrator.Controller {
	return orchestrator.New(a.client, a.queue, orchestrator.Options{
		Tracker: a.cfg.TrackerOptions(),
		Consent: a.consent.Get().Valid(),
		Mode:    mode,
	})
}

// waitDeliveries blocks until every job id has a finished delivery.
func (a *app) waitDeliveries(ctx context.Context, jobIDs []string) ([]delivery.Delivery, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		found := latestDeliveries(a.queue.List())
		ret := make([]delivery.Delivery, 0, len(jobIDs))
		for _, id := range jobIDs {
			if d, ok := found[id]; ok && d.Status.IsTerminal() {
				ret = append(ret, *d)
			}
		}
		if len(ret) == len(jobIDs) {
			return ret, nil
		}

		select {
		case <-ctx.Done():
			return ret, errs.Wrap(ctx.Err(), errs.Cancelled, "interrupted while saving files")
		case <-ticker.C:
		}
	}
}

// waitIdle waits for every queued delivery to finish.
func (a *app) waitIdle(ctx context.Context) ([]delivery.Delivery, error) {
	list := a.queue.List()
	ids := make([]string, 0, len(list))
	for _, d := range list {
		ids = append(ids, d.JobID)
	}
	return a.waitDeliveries(ctx, ids)
}

// latestDeliveries keys the newest delivery of each job by job id. List is
// oldest first.
func latestDeliveries(list []*delivery.Delivery) map[string]*delivery.Delivery {
	ret := make(map[string]*delivery.Delivery, len(list))
	for _, d := range list {
		ret[d.JobID] = d
	}
	return ret
}
