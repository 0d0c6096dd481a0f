package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MimeLyc/easy-downloader/internal/backend"
	"github.com/MimeLyc/easy-downloader/internal/config"
	"github.com/MimeLyc/easy-downloader/internal/delivery"
	"github.com/MimeLyc/easy-downloader/internal/errs"
	"github.com/MimeLyc/easy-downloader/internal/orchestrator"
	"github.com/MimeLyc/easy-downloader/internal/tracker"
	"github.com/MimeLyc/easy-downloader/internal/urls"
)

// optionFlags binds the conversion options shared by single and batch.
type optionFlags struct {
	kind, format, resolution, bitrate string
}

func bindOptionFlags(fs *flag.FlagSet, defaults backend.Options) *optionFlags {
	o := &optionFlags{}
	fs.StringVar(&o.kind, "kind", string(defaults.Kind), "video, audio or gif")
	fs.StringVar(&o.format, "format", defaults.Format, "container or codec, e.g. mp4, mp3")
	fs.StringVar(&o.resolution, "resolution", defaults.Resolution, "e.g. 720p (ignored for audio)")
	fs.StringVar(&o.bitrate, "bitrate", defaults.AudioBitrate, "audio bitrate, e.g. 192k (ignored for gif)")
	return o
}

func (o *optionFlags) options() (backend.Options, error) {
	kind, err := backend.ParseKind(o.kind)
	if err != nil {
		return backend.Options{}, errs.Wrap(err, errs.Validation, err.Error())
	}
	opts := backend.Options{Kind: kind, Format: o.format, Resolution: o.resolution, AudioBitrate: o.bitrate}
	if kind == backend.KindAudio {
		opts.Resolution = ""
	}
	if kind == backend.KindGIF {
		opts.AudioBitrate = ""
	}
	return opts, nil
}

func runSingle(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("single", flag.ContinueOnError)
	flags := bindOptionFlags(fs, cfg.Defaults)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: easy-downloader single [flags] <url>")
	}
	opts, err := flags.options()
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	ctrl := a.controller(orchestrator.ModeSingle)
	defer ctrl.Release()

	if err := ctrl.SubmitSingle(ctx, backend.JobSpec{SourceURL: fs.Arg(0), Options: opts}); err != nil {
		return err
	}

	last, err := follow(ctx, ctrl)
	if err != nil {
		return err
	}
	snap := last.Single
	if snap == nil || snap.Phase != tracker.PhaseCompleted {
		return failure(last)
	}

	saved, err := a.waitDeliveries(ctx, []string{snap.JobID})
	return reportDeliveries(os.Stdout, saved, err)
}

func runBatch(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	flags := bindOptionFlags(fs, cfg.Defaults)
	file := fs.String("file", "", "read URLs from a file, one per line (- for stdin)")
	noSave := fs.Bool("no-save", false, "track the batch but do not retrieve the files")
	zip := fs.Bool("zip", false, "retrieve the completed files as one ZIP archive")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts, err := flags.options()
	if err != nil {
		return err
	}

	lines := fs.Args()
	if *file != "" {
		fromFile, err := readURLFile(*file)
		if err != nil {
			return err
		}
		lines = append(lines, fromFile...)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	ctrl := a.controller(orchestrator.ModeBatch)
	defer ctrl.Release()

	report, err := ctrl.SubmitBatch(ctx, lines, opts)
	if err != nil {
		for _, msg := range report.Errors() {
			fmt.Fprintln(os.Stderr, errorStyle.Render(msg))
		}
		return err
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("Submitted %d videos", report.UniqueCount())))

	last, err := follow(ctx, ctrl)
	if err != nil {
		return err
	}
	snap := last.Batch
	if snap == nil || !snap.Phase.IsTerminal() {
		return failure(last)
	}
	for i, m := range snap.State.Jobs {
		source := m.JobID
		if i < len(snap.URLs) {
			source = snap.URLs[i]
		}
		fmt.Println(memberLine(m, source))
	}
	if snap.Phase != tracker.PhaseCompleted {
		return failure(last)
	}
	if *noSave {
		return nil
	}
	if *zip {
		saved, err := a.client.FetchBatchArchive(ctx, snap.BatchID, backend.DirSaver{Dir: cfg.Storage.DownloadDir})
		if err != nil {
			return err
		}
		fmt.Println(deliveryLine(delivery.Delivery{JobID: snap.BatchID, Status: delivery.StatusSuccess, Path: saved.Path, Size: saved.Size}))
		return nil
	}

	if _, err := ctrl.DownloadAll(); err != nil {
		return err
	}
	completed := make([]string, 0, len(snap.State.Jobs))
	for _, m := range snap.State.Jobs {
		if m.Status == backend.StatusCompleted {
			completed = append(completed, m.JobID)
		}
	}
	saved, err := a.waitDeliveries(ctx, completed)
	return reportDeliveries(os.Stdout, saved, err)
}

// reportDeliveries prints each finished delivery and turns any that failed
// into a Fetch error so the exit status reflects it.
func reportDeliveries(out io.Writer, saved []delivery.Delivery, err error) error {
	failed := 0
	for _, d := range saved {
		fmt.Fprintln(out, deliveryLine(d))
		if d.Status == delivery.StatusFailed {
			failed++
		}
	}
	if err != nil {
		return err
	}
	if failed > 0 {
		return errs.Newf(errs.Fetch, "%d of %d files could not be saved", failed, len(saved))
	}
	return nil
}

func runInfo(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: easy-downloader info <url>")
	}
	sourceURL := urls.Normalize(args[0])
	if !urls.IsValid(sourceURL) {
		return errs.New(errs.Validation, "Please enter a valid YouTube URL")
	}

	client, err := backend.NewClient(cfg.BackendClientConfig())
	if err != nil {
		return err
	}
	info, err := client.Info(ctx, sourceURL)
	if err != nil {
		return err
	}
	fmt.Println(infoBlock(sourceURL, info))
	return nil
}

func runConsent(cfg *config.Config, args []string, out io.Writer) error {
	store, err := config.NewConsentStore(cfg.Storage.ConsentFile)
	if err != nil {
		return err
	}

	action := "status"
	if len(args) > 0 {
		action = args[0]
	}
	switch action {
	case "status":
	case "accept":
		if _, err := store.Update(true); err != nil {
			return err
		}
	case "revoke":
		if _, err := store.Update(false); err != nil {
			return err
		}
	default:
		return fmt.Errorf("usage: easy-downloader consent [status|accept|revoke]")
	}

	current := store.Get()
	if current.Valid() {
		fmt.Fprintf(out, "%s terms version %s, accepted %s\n",
			okStyle.Render("accepted"), current.Version, current.AcceptedAt.Format("2006-01-02 15:04"))
		return nil
	}
	fmt.Fprintf(out, "%s run \"easy-downloader consent accept\" to accept the terms of use\n",
		errorStyle.Render("not accepted"))
	return nil
}

// follow prints every state change until the tracker finishes, returning
// the final state. Interrupting cancels the work with the backend.
func follow(ctx context.Context, ctrl *orchestrator.Controller) (orchestrator.State, error) {
	updates, stop := ctrl.Subscribe()
	defer stop()

	last := ctrl.Snapshot()
	printed := ""
	for {
		select {
		case <-ctx.Done():
			if err := ctrl.Cancel(context.WithoutCancel(ctx)); err != nil {
				return last, err
			}
			return last, errs.Wrap(ctx.Err(), errs.Cancelled, "cancelled")
		case st, ok := <-updates:
			if !ok {
				return ctrl.Snapshot(), nil
			}
			last = st
			line := stateLine(st)
			if line != printed {
				fmt.Println(line)
				printed = line
			}
		}
	}
}

func stateLine(st orchestrator.State) string {
	switch {
	case st.Single != nil:
		return singleLine(*st.Single)
	case st.Batch != nil:
		return batchLine(*st.Batch)
	}
	return ""
}

func failure(st orchestrator.State) error {
	switch {
	case st.Single != nil && st.Single.Error != "":
		return errors.New(st.Single.Error)
	case st.Batch != nil && st.Batch.Error != "":
		return errors.New(st.Batch.Error)
	}
	return errors.New("download did not complete")
}

// readURLFile reads one URL per line, skipping "#" comments.
func readURLFile(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
