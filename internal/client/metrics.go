// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/nishisan-dev/n-router/internal/protocol"
)

// MetricEntry é o registro de métricas de uma request.
type MetricEntry struct {
	Timestamp string
	RequestID string
	Dataset   string
	Mac       string
	Status    string
	SizeBytes int64

	TTFB       time.Duration // t4 - t0, do ponto de vista da Application
	Throughput float64       // bytes/segundo sobre o TTFB

	T0      int64 // UnixNano do envio
	T4      int64 // UnixNano da recepção completa
	Timings protocol.Timings
}

// MetricsCollector acumula entradas de métricas e as persiste em CSV.
// Append-only: o header é escrito apenas quando o arquivo não existe.
type MetricsCollector struct {
	outputFile string

	mu      sync.Mutex
	entries []MetricEntry
}

// NewMetricsCollector cria o coletor apontando para o arquivo CSV de saída.
func NewMetricsCollector(outputFile string) *MetricsCollector {
	return &MetricsCollector{outputFile: outputFile}
}

// Add registra o resultado de uma request e retorna a entrada calculada.
func (mc *MetricsCollector) Add(result *Result, dataset, mac string) MetricEntry {
	entry := MetricEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		RequestID: result.RequestID,
		Dataset:   dataset,
		Mac:       mac,
		Status:    result.Status,
		SizeBytes: result.SizeBytes,
		TTFB:      result.TTFB(),
		Timings:   result.Timings,
	}
	if !result.T0Sent.IsZero() {
		entry.T0 = result.T0Sent.UnixNano()
	}
	if !result.T4Received.IsZero() {
		entry.T4 = result.T4Received.UnixNano()
	}
	if entry.SizeBytes > 0 && entry.TTFB > 0 {
		entry.Throughput = float64(entry.SizeBytes) / entry.TTFB.Seconds()
	}

	mc.mu.Lock()
	mc.entries = append(mc.entries, entry)
	mc.mu.Unlock()

	return entry
}

// Entries retorna uma cópia das entradas acumuladas.
func (mc *MetricsCollector) Entries() []MetricEntry {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	out := make([]MetricEntry, len(mc.entries))
	copy(out, mc.entries)
	return out
}

// Clear descarta as entradas acumuladas.
func (mc *MetricsCollector) Clear() {
	mc.mu.Lock()
	mc.entries = nil
	mc.mu.Unlock()
}

var csvHeader = []string{
	"timestamp", "request_id", "dataset_name", "mac_address",
	"status", "data_size_bytes", "ttfb_seconds", "throughput_bytes_per_sec",
	"t0", "t1_router_recv", "t_dispatch", "t_result_recv", "t_respond", "t4",
}

// SaveCSV anexa as entradas acumuladas ao arquivo de saída.
func (mc *MetricsCollector) SaveCSV() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if len(mc.entries) == 0 {
		return nil
	}

	_, statErr := os.Stat(mc.outputFile)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(mc.outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening metrics file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("writing metrics header: %w", err)
		}
	}

	for _, e := range mc.entries {
		record := []string{
			e.Timestamp, e.RequestID, e.Dataset, e.Mac,
			e.Status,
			strconv.FormatInt(e.SizeBytes, 10),
			strconv.FormatFloat(e.TTFB.Seconds(), 'f', 6, 64),
			strconv.FormatFloat(e.Throughput, 'f', 2, 64),
			strconv.FormatInt(e.T0, 10),
			strconv.FormatInt(e.Timings.T1RouterRecv, 10),
			strconv.FormatInt(e.Timings.TDispatch, 10),
			strconv.FormatInt(e.Timings.TResultRecv, 10),
			strconv.FormatInt(e.Timings.TRespond, 10),
			strconv.FormatInt(e.T4, 10),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("writing metrics record: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flushing metrics file: %w", err)
	}
	return nil
}

// LoadCSV carrega as entradas já persistidas no arquivo de saída para o
// coletor, permitindo sumarizar execuções anteriores.
func (mc *MetricsCollector) LoadCSV() error {
	f, err := os.Open(mc.outputFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening metrics file: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return fmt.Errorf("reading metrics file: %w", err)
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	for i, rec := range records {
		if i == 0 || len(rec) < len(csvHeader) {
			continue
		}
		entry := MetricEntry{
			Timestamp: rec[0],
			RequestID: rec[1],
			Dataset:   rec[2],
			Mac:       rec[3],
			Status:    rec[4],
		}
		entry.SizeBytes, _ = strconv.ParseInt(rec[5], 10, 64)
		if secs, err := strconv.ParseFloat(rec[6], 64); err == nil {
			entry.TTFB = time.Duration(secs * float64(time.Second))
		}
		entry.Throughput, _ = strconv.ParseFloat(rec[7], 64)
		mc.entries = append(mc.entries, entry)
	}
	return nil
}

// Summary é o resumo agregado das entradas acumuladas.
type Summary struct {
	Count      int
	Successful int
	Failed     int

	AvgTTFB time.Duration
	MinTTFB time.Duration
	MaxTTFB time.Duration

	AvgThroughput float64
	TotalBytes    int64
}

// Summary agrega as entradas acumuladas. TTFB e throughput consideram apenas
// requests completadas.
func (mc *MetricsCollector) Summary() Summary {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	s := Summary{Count: len(mc.entries)}
	var ttfbSum time.Duration
	var throughputSum float64
	var throughputN int

	for _, e := range mc.entries {
		if e.Status != StatusCompleted {
			s.Failed++
			continue
		}
		s.Successful++
		s.TotalBytes += e.SizeBytes

		ttfbSum += e.TTFB
		if s.MinTTFB == 0 || e.TTFB < s.MinTTFB {
			s.MinTTFB = e.TTFB
		}
		if e.TTFB > s.MaxTTFB {
			s.MaxTTFB = e.TTFB
		}
		if e.Throughput > 0 {
			throughputSum += e.Throughput
			throughputN++
		}
	}

	if s.Successful > 0 {
		s.AvgTTFB = ttfbSum / time.Duration(s.Successful)
	}
	if throughputN > 0 {
		s.AvgThroughput = throughputSum / float64(throughputN)
	}
	return s
}
