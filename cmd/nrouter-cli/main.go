// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-router/internal/client"
	"github.com/nishisan-dev/n-router/internal/config"
	"github.com/nishisan-dev/n-router/internal/logging"
)

const usage = `nrouter-cli - Application CLI for the dataset router

Usage:
  nrouter-cli [-config FILE] <command> [arguments]

Commands:
  request          <mac> <dataset>   async request + polling (legacy flow)
  request-sync     <mac> <dataset>   Pattern A: buffered response
  request-stream   <mac> <dataset>   Pattern B: streamed response (stdout or -out FILE)
  request-offload  <mac> <dataset>   Pattern C: presigned download URL
  status           <request_id>      request state and timings
  list-hosts                         active connectors
  health                             router health check
  metrics                            summary of the saved metrics CSV
  loadtest                           load test (see loadtest -h)
`

func main() {
	configPath := flag.String("config", "", "path to cli config file (optional)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadCLIConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	api := client.New(cfg)
	metrics := client.NewMetricsCollector(cfg.Metrics.OutputFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	cmd, args := flag.Arg(0), flag.Args()[1:]

	var cmdErr error
	switch cmd {
	case "request":
		cmdErr = cmdRequest(ctx, api, metrics, args, false)
	case "request-sync":
		cmdErr = cmdRequest(ctx, api, metrics, args, true)
	case "request-stream":
		cmdErr = cmdRequestStream(ctx, api, metrics, args)
	case "request-offload":
		cmdErr = cmdRequestOffload(ctx, api, metrics, args)
	case "status":
		cmdErr = cmdStatus(ctx, api, args)
	case "list-hosts":
		cmdErr = cmdListHosts(ctx, api)
	case "health":
		cmdErr = cmdHealth(ctx, api)
	case "metrics":
		cmdErr = cmdMetrics(metrics)
	case "loadtest":
		cmdErr = cmdLoadTest(ctx, api, args, cfg)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", cmdErr)
		os.Exit(1)
	}
}

// printResult imprime o desfecho de uma request com as métricas locais.
func printResult(result *client.Result, dataset string) {
	fmt.Println("==================================================")
	if result.Status == client.StatusCompleted {
		fmt.Println("DataSet Request Complete")
		fmt.Printf("  Request ID: %s\n", result.RequestID)
		fmt.Printf("  Dataset:    %s\n", dataset)
		fmt.Printf("  Size:       %d bytes\n", result.SizeBytes)
		if result.DownloadURL != "" {
			fmt.Printf("  URL:        %s\n", result.DownloadURL)
			if result.ExpiresAt != "" {
				fmt.Printf("  Expires:    %s\n", result.ExpiresAt)
			}
		}
		ttfb := result.TTFB()
		fmt.Printf("  TTFB:       %.3fs\n", ttfb.Seconds())
		if result.SizeBytes > 0 && ttfb > 0 {
			fmt.Printf("  Throughput: %.0f bytes/s\n", float64(result.SizeBytes)/ttfb.Seconds())
		}
	} else {
		msg := result.ErrorMessage
		if msg == "" {
			msg = result.Status
		}
		fmt.Printf("Request failed: %s\n", msg)
	}
	fmt.Println("==================================================")
}

func parseRequestArgs(args []string) (mac, dataset string, err error) {
	if len(args) != 2 {
		return "", "", fmt.Errorf("expected <mac> <dataset>")
	}
	return args[0], args[1], nil
}

func cmdRequest(ctx context.Context, api *client.APIClient, metrics *client.MetricsCollector, args []string, sync bool) error {
	mac, dataset, err := parseRequestArgs(args)
	if err != nil {
		return err
	}

	var result *client.Result
	if sync {
		result, err = api.RequestSync(ctx, mac, dataset)
	} else {
		result, err = api.RequestDataset(ctx, mac, dataset, true)
	}
	if err != nil {
		return err
	}

	metrics.Add(result, dataset, mac)
	if err := metrics.SaveCSV(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: saving metrics: %v\n", err)
	}

	printResult(result, dataset)
	return nil
}

func cmdRequestStream(ctx context.Context, api *client.APIClient, metrics *client.MetricsCollector, args []string) error {
	fs := flag.NewFlagSet("request-stream", flag.ExitOnError)
	out := fs.String("out", "", "write dataset to file instead of stdout")
	fs.Parse(args)

	mac, dataset, err := parseRequestArgs(fs.Args())
	if err != nil {
		return err
	}

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	result, err := api.RequestStream(ctx, mac, dataset, w)
	if err != nil {
		return err
	}

	metrics.Add(result, dataset, mac)
	if err := metrics.SaveCSV(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: saving metrics: %v\n", err)
	}

	// Com saída em arquivo o relatório vai para o terminal; com stdout, o
	// dataset é a saída e o relatório atrapalharia um pipe.
	if *out != "" {
		printResult(result, dataset)
	}
	return nil
}

func cmdRequestOffload(ctx context.Context, api *client.APIClient, metrics *client.MetricsCollector, args []string) error {
	mac, dataset, err := parseRequestArgs(args)
	if err != nil {
		return err
	}

	result, err := api.RequestOffload(ctx, mac, dataset)
	if err != nil {
		return err
	}

	metrics.Add(result, dataset, mac)
	if err := metrics.SaveCSV(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: saving metrics: %v\n", err)
	}

	printResult(result, dataset)
	return nil
}

func cmdStatus(ctx context.Context, api *client.APIClient, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected <request_id>")
	}

	status, err := api.Status(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Request ID: %s\n", status.RequestID)
	fmt.Printf("State:      %s\n", status.State)
	fmt.Printf("Pattern:    %s\n", status.Pattern)
	if status.Error != "" {
		fmt.Printf("Error:      %s", status.Error)
		if status.Message != "" {
			fmt.Printf(" (%s)", status.Message)
		}
		fmt.Println()
	}
	t := status.Timings
	if t.T1RouterRecv != 0 {
		fmt.Printf("Timings:    t1=%d t_dispatch=%d t_result=%d t_respond=%d\n",
			t.T1RouterRecv, t.TDispatch, t.TResultRecv, t.TRespond)
	}
	return nil
}

func cmdListHosts(ctx context.Context, api *client.APIClient) error {
	hosts, err := api.ListActiveHosts(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Active connectors: %d\n", hosts.Count)
	for _, h := range hosts.Connectors {
		fmt.Printf("  %s  %s  connected_at=%s  last_ping=%s\n",
			h.MacAddress, h.Status, h.ConnectedAt, h.LastPing)
	}
	return nil
}

func cmdHealth(ctx context.Context, api *client.APIClient) error {
	if err := api.Health(ctx); err != nil {
		return err
	}
	fmt.Println("Router is healthy")
	return nil
}

func cmdMetrics(metrics *client.MetricsCollector) error {
	if err := metrics.LoadCSV(); err != nil {
		return err
	}

	s := metrics.Summary()
	fmt.Println("=== Metrics ===")
	fmt.Printf("  Total Requests: %d\n", s.Count)
	fmt.Printf("  Successful:     %d\n", s.Successful)
	fmt.Printf("  Failed:         %d\n", s.Failed)
	if s.Successful > 0 {
		fmt.Printf("  Avg TTFB:       %.3fs\n", s.AvgTTFB.Seconds())
		fmt.Printf("  Min TTFB:       %.3fs\n", s.MinTTFB.Seconds())
		fmt.Printf("  Max TTFB:       %.3fs\n", s.MaxTTFB.Seconds())
		fmt.Printf("  Avg Throughput: %.0f bytes/s\n", s.AvgThroughput)
		fmt.Printf("  Total Bytes:    %d\n", s.TotalBytes)
	}
	return nil
}

func cmdLoadTest(ctx context.Context, api *client.APIClient, args []string, cfg *config.CLIConfig) error {
	fs := flag.NewFlagSet("loadtest", flag.ExitOnError)
	mac := fs.String("mac", "", "target connector mac (required)")
	dataset := fs.String("dataset", "dataset_1kb.json", "dataset name")
	pattern := fs.String("pattern", "A", "transfer pattern: A, B, C or all")
	requests := fs.Int("requests", 100, "total requests")
	concurrency := fs.Int("concurrency", 10, "concurrent workers")
	timeout := fs.Duration("timeout", 60*time.Second, "per-request rendezvous timeout")
	fs.Parse(args)

	if *mac == "" {
		return fmt.Errorf("loadtest: -mac is required")
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	fmt.Printf("Running load test: %d requests, %d workers, pattern %s\n", *requests, *concurrency, *pattern)

	res := client.RunLoadTest(ctx, api, client.LoadTestConfig{
		Mac:         *mac,
		Dataset:     *dataset,
		Pattern:     *pattern,
		Requests:    *requests,
		Concurrency: *concurrency,
		Timeout:     *timeout,
	}, logger)

	fmt.Println("=== Load Test Results ===")
	fmt.Printf("  Total:        %d\n", res.Total)
	fmt.Printf("  Successful:   %d\n", res.Successful)
	fmt.Printf("  Failed:       %d\n", res.Failed)
	fmt.Printf("  Duration:     %.2fs\n", res.Duration.Seconds())
	fmt.Printf("  Requests/sec: %.2f\n", res.RequestsPerSecond)
	fmt.Printf("  Total bytes:  %d\n", res.TotalBytes)
	if res.Successful > 0 {
		fmt.Println("  TTFB:")
		fmt.Printf("    min=%.3fs max=%.3fs avg=%.3fs\n", res.TTFBMin.Seconds(), res.TTFBMax.Seconds(), res.TTFBAvg.Seconds())
		fmt.Printf("    p50=%.3fs p90=%.3fs p95=%.3fs p99=%.3fs\n",
			res.TTFBP50.Seconds(), res.TTFBP90.Seconds(), res.TTFBP95.Seconds(), res.TTFBP99.Seconds())
	}
	return nil
}
