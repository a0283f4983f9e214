package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/lgreene/gravix-files/internal/config"
)

func main() {
	var targetURL string
	var apiKey string
	var qps float64
	var concurrency int
	var duration time.Duration
	var filename string
	var size int
	var logFormat string

	flag.StringVar(&targetURL, "target", "http://localhost:8080/api/v1/files", "File server upload URL")
	flag.StringVar(&apiKey, "api-key", os.Getenv("FILESTORE_API_KEY"), "API key for the file server")
	flag.Float64Var(&qps, "qps", 5.0, "Average uploads per second across all workers")
	flag.IntVar(&concurrency, "concurrency", 1, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Duration to run (0 for infinite)")
	flag.StringVar(&filename, "filename", "report.pdf", "Filename every upload uses")
	flag.IntVar(&size, "size", 1024, "Payload size in bytes")
	flag.StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	flag.Parse()

	logger := config.NewLogger("info", logFormat, nil)
	slog.SetDefault(logger)
	logger.Info("starting load generator", "target", targetURL, "qps", qps,
		"concurrency", concurrency, "duration", duration, "filename", filename)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		logger.Error("failed to build payload", "error", err)
		os.Exit(1)
	}

	gen := &generator{
		client:   &http.Client{Timeout: 10 * time.Second},
		target:   targetURL,
		apiKey:   apiKey,
		filename: filename,
		payload:  payload,
		rec:      newRecorder(),
	}
	gen.run(ctx, qps, concurrency)

	sum := gen.rec.summarize()
	logger.Info("load generator stopped",
		"requests", sum.Requests,
		"failures", sum.Failures,
		"unique_keys", sum.UniqueKeys,
		"duplicate_keys", sum.Duplicates,
		"p50_ms", sum.P50,
		"p95_ms", sum.P95,
	)
	if sum.Duplicates > 0 {
		os.Exit(2)
	}
}

type generator struct {
	client   *http.Client
	target   string
	apiKey   string
	filename string
	payload  []byte
	rec      *recorder
}

func (g *generator) run(ctx context.Context, qps float64, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	qpsPerWorker := qps / float64(concurrency)
	if qpsPerWorker <= 0 {
		qpsPerWorker = 0.1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.worker(ctx, qpsPerWorker)
		}()
	}
	wg.Wait()
}

func (g *generator) worker(ctx context.Context, qps float64) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / qps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			key, err := g.upload(ctx)
			if ctx.Err() != nil {
				return
			}
			g.rec.record(key, time.Since(start), err)
		}
	}
}

// upload posts one multipart upload and returns the key the server assigned.
func (g *generator) upload(ctx context.Context) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", g.filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(g.payload); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.target, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if g.apiKey != "" {
		req.Header.Set("X-API-Key", g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var res struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return res.Key, nil
}

type recorder struct {
	mu        sync.Mutex
	keys      map[string]int
	latencies []float64
	failures  int
}

func newRecorder() *recorder {
	return &recorder{keys: make(map[string]int)}
}

func (r *recorder) record(key string, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies = append(r.latencies, float64(latency.Microseconds())/1000)
	if err != nil {
		slog.Warn("upload failed", "error", err)
		r.failures++
		return
	}
	r.keys[key]++
}

type summary struct {
	Requests   int
	Failures   int
	UniqueKeys int
	Duplicates int
	P50        float64
	P95        float64
}

func (r *recorder) summarize() summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := summary{
		Requests:   len(r.latencies),
		Failures:   r.failures,
		UniqueKeys: len(r.keys),
	}
	for _, n := range r.keys {
		if n > 1 {
			s.Duplicates += n - 1
		}
	}
	if len(r.latencies) > 0 {
		s.P50, _ = stats.Percentile(r.latencies, 50)
		s.P95, _ = stats.Percentile(r.latencies, 95)
	}
	return s
}
