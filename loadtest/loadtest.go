package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Fires read requests at a running loracloud to exercise the request
// limiter; 503s are the limiter shedding load.
func main() {
	base := flag.String("url", "http://localhost:8080", "loracloud address")
	path := flag.String("path", "/offers", "endpoint to hit")
	totalRequests := flag.Int("n", 200, "number of requests")
	ratePerSecond := flag.Int("rate", 50, "requests per second")
	flag.Parse()

	ticker := time.NewTicker(time.Second / time.Duration(*ratePerSecond))
	defer ticker.Stop()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
		errs     int
	)
	client := &http.Client{Timeout: 90 * time.Second}
	start := time.Now()

	for i := 1; i <= *totalRequests; i++ {
		<-ticker.C

		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			resp, err := client.Get(*base + *path)
			if err != nil {
				fmt.Printf("Request %d: error sending request: %v\n", n, err)
				mu.Lock()
				errs++
				mu.Unlock()
				return
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)

			mu.Lock()
			statuses[resp.StatusCode]++
			mu.Unlock()
		}(i)
	}

	wg.Wait()

	codes := make([]int, 0, len(statuses))
	for c := range statuses {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	fmt.Printf("All requests completed in %s\n", time.Since(start).Round(time.Millisecond))
	for _, c := range codes {
		fmt.Printf("  %d: %d\n", c, statuses[c])
	}
	if errs > 0 {
		fmt.Printf("  transport errors: %d\n", errs)
	}
}
