package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"compliancekit/internal/app"
	"compliancekit/internal/domain"
)

func main() {
	var (
		cfgPath string
		runJob  string
		payload string
		timeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.StringVar(&runJob, "run", "", "run one job type (e.g. DEADLINE_RECALCULATION) and exit")
	flag.StringVar(&payload, "payload", "", "json payload for -run")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "deadline for -run")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if runJob != "" {
		os.Exit(runOnce(ctx, cfgPath, domain.JobType(strings.ToUpper(strings.TrimSpace(runJob))), payload, timeout))
	}

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, cfgPath string, jobType domain.JobType, payload string, timeout time.Duration) int {
	var body any
	if strings.TrimSpace(payload) != "" {
		raw := json.RawMessage(payload)
		if !json.Valid(raw) {
			fmt.Fprintln(os.Stderr, "fatal: -payload is not valid json")
			return 2
		}
		body = raw
	}

	a, err := app.New(ctx, cfgPath, app.OneShot())
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		return 1
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopRunOnce)
	}()

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	job, err := a.RunOnce(rctx, jobType, body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "run:", err)
		return 1
	}
	out, _ := json.MarshalIndent(job, "", "  ")
	fmt.Println(string(out))
	if job.Status != domain.JobCompleted {
		return 1
	}
	return 0
}
