// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// LoadTestConfig parametriza uma prova de carga contra o router.
type LoadTestConfig struct {
	Mac     string
	Dataset string
	// Pattern: "A" (sync), "B" (stream), "C" (offload) ou "all" (rotaciona).
	Pattern     string
	Requests    int
	Concurrency int
	Timeout     time.Duration
}

// LoadTestResult é o agregado de uma prova de carga.
type LoadTestResult struct {
	Total      int
	Successful int
	Failed     int
	Duration   time.Duration

	TTFBMin time.Duration
	TTFBMax time.Duration
	TTFBAvg time.Duration
	TTFBP50 time.Duration
	TTFBP90 time.Duration
	TTFBP95 time.Duration
	TTFBP99 time.Duration

	TotalBytes        int64
	RequestsPerSecond float64
}

// RunLoadTest executa cfg.Requests requests com cfg.Concurrency workers e
// agrega TTFB, bytes e RPS. Cada worker reusa um client próprio.
func RunLoadTest(ctx context.Context, api *APIClient, cfg LoadTestConfig, logger *slog.Logger) *LoadTestResult {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	type outcome struct {
		ok    bool
		ttfb  time.Duration
		bytes int64
	}

	jobs := make(chan int)
	outcomes := make(chan outcome, cfg.Requests)

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range jobs {
				result, err := runOne(ctx, api, cfg, n)
				if err != nil || result.Status != StatusCompleted {
					if err == nil {
						err = fmt.Errorf("request ended with status %s: %s", result.Status, result.ErrorMessage)
					}
					logger.Debug("load test request failed", "n", n, "error", err)
					outcomes <- outcome{}
					continue
				}
				outcomes <- outcome{ok: true, ttfb: result.TTFB(), bytes: result.SizeBytes}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for n := 0; n < cfg.Requests; n++ {
			select {
			case <-ctx.Done():
				return
			case jobs <- n:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	res := &LoadTestResult{}
	var ttfbs []time.Duration
	for out := range outcomes {
		res.Total++
		if !out.ok {
			res.Failed++
			continue
		}
		res.Successful++
		res.TotalBytes += out.bytes
		ttfbs = append(ttfbs, out.ttfb)
	}
	res.Duration = time.Since(start)

	computeStatistics(res, ttfbs)
	return res
}

// runOne executa uma request no pattern configurado. "all" rotaciona A→B→C
// pelo índice da request.
func runOne(ctx context.Context, api *APIClient, cfg LoadTestConfig, n int) (*Result, error) {
	pattern := cfg.Pattern
	if pattern == "all" {
		pattern = [3]string{"A", "B", "C"}[n%3]
	}

	var opts []RequestOption
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}

	switch pattern {
	case "B":
		return api.RequestStream(ctx, cfg.Mac, cfg.Dataset, io.Discard, opts...)
	case "C":
		return api.RequestOffload(ctx, cfg.Mac, cfg.Dataset, opts...)
	default:
		return api.RequestSync(ctx, cfg.Mac, cfg.Dataset, opts...)
	}
}

// computeStatistics preenche os agregados de TTFB e RPS.
func computeStatistics(res *LoadTestResult, ttfbs []time.Duration) {
	if res.Duration > 0 {
		res.RequestsPerSecond = float64(res.Total) / res.Duration.Seconds()
	}
	if len(ttfbs) == 0 {
		return
	}

	sort.Slice(ttfbs, func(i, j int) bool { return ttfbs[i] < ttfbs[j] })

	res.TTFBMin = ttfbs[0]
	res.TTFBMax = ttfbs[len(ttfbs)-1]

	var sum time.Duration
	for _, t := range ttfbs {
		sum += t
	}
	res.TTFBAvg = sum / time.Duration(len(ttfbs))

	res.TTFBP50 = percentile(ttfbs, 0.50)
	res.TTFBP90 = percentile(ttfbs, 0.90)
	res.TTFBP95 = percentile(ttfbs, 0.95)
	res.TTFBP99 = percentile(ttfbs, 0.99)
}

// percentile retorna o valor na posição q de uma série já ordenada.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
