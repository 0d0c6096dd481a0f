package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MimeLyc/easy-downloader/internal/config"
	"github.com/MimeLyc/easy-downloader/internal/errs"
	"github.com/MimeLyc/easy-downloader/pkg/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error:"), errs.UserMessage(err, err.Error()))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}
	switch args[0] {
	case "help", "-h", "--help":
		printUsage()
		return nil
	}

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log.InitLogger(log.ParseLevel(cfg.LogLevel))

	switch args[0] {
	case "single":
		return runSingle(ctx, cfg, args[1:])
	case "batch":
		return runBatch(ctx, cfg, args[1:])
	case "info":
		return runInfo(ctx, cfg, args[1:])
	case "serve":
		return runServe(ctx, cfg, args[1:])
	case "schedule":
		return runSchedule(ctx, cfg, args[1:])
	case "consent":
		return runConsent(cfg, args[1:], os.Stdout)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Println("easy-downloader: submit and track media extraction jobs")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  single <url>       convert one video and save the result")
	fmt.Println("  batch <url>...     convert up to 10 videos as one batch (--file to read a list, --zip for one archive)")
	fmt.Println("  info <url>         show video metadata without converting")
	fmt.Println("  consent [accept]   show, accept or revoke the terms of use")
	fmt.Println("  serve              run the local control API")
	fmt.Println("  schedule [--once]  submit URL lists dropped into SCHEDULE_DIR on SCHEDULE_CRON")
	fmt.Println()
	fmt.Println("Conversion flags: --kind video|audio|gif --format --resolution --bitrate")
	fmt.Println("Configuration is read from the environment and an optional .env file.")
}
