package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Base URL of the public API")
	mode := flag.String("mode", "resolve", "resolve: tenant-scoped reads, signup: tenant creation")
	slugs := flag.String("slugs", "acme", "Comma-separated tenant slugs to spread resolve traffic over")
	concurrency := flag.Int("c", 10, "Number of concurrent workers")
	duration := flag.Duration("d", 30*time.Second, "Duration of the load test")
	rps := flag.Int("rps", 1000, "Requests per second limit")
	flag.Parse()

	tenants := strings.Split(*slugs, ",")
	log.Printf("Starting %s load test on %s", *mode, *baseURL)
	log.Printf("Concurrency: %d, Duration: %s, RPS: %d, Tenants: %d", *concurrency, *duration, *rps, len(tenants))

	var wg sync.WaitGroup
	var successCount, errorCount atomic.Int64
	var statusMu sync.Mutex
	statuses := make(map[int]int64)
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), 100) // Allow bursts up to 100

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{
				Timeout: 5 * time.Second,
			}

			for n := 0; ; n++ {
				if err := limiter.Wait(ctx); err != nil {
					return
				}

				req, wantStatus, err := buildRequest(ctx, *mode, *baseURL, tenants[(workerID+n)%len(tenants)])
				if err != nil {
					log.Fatalf("build request: %v", err)
				}

				resp, err := client.Do(req)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					errorCount.Add(1)
					continue
				}

				if resp.StatusCode == wantStatus {
					successCount.Add(1)
				} else {
					errorCount.Add(1)
				}
				statusMu.Lock()
				statuses[resp.StatusCode]++
				statusMu.Unlock()
				resp.Body.Close()
			}
		}(i)
	}

	wg.Wait()

	totalRequests := successCount.Load() + errorCount.Load()
	actualRPS := float64(totalRequests) / duration.Seconds()

	log.Println("Load test finished.")
	log.Printf("Total Requests: %d", totalRequests)
	log.Printf("Successful: %d", successCount.Load())
	log.Printf("Errors: %d", errorCount.Load())
	for code, count := range statuses {
		log.Printf("  HTTP %d: %d", code, count)
	}
	log.Printf("Actual RPS: %.2f", actualRPS)
}

func buildRequest(ctx context.Context, mode, baseURL, slug string) (*http.Request, int, error) {
	switch mode {
	case "signup":
		newSlug := "lt-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		payload := fmt.Sprintf(`{"slug": %q, "name": "Load test %s", "trialDays": 0}`, newSlug, newSlug)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/tenants", bytes.NewBufferString(payload))
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, http.StatusCreated, nil
	case "resolve":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/tenant/health", nil)
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("X-Tenant-Slug", slug)
		return req, http.StatusOK, nil
	}
	return nil, 0, fmt.Errorf("unknown mode %q", mode)
}
