// Command sse-load holds many project streams open and counts the events
// they receive.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/client"
	"taskboard/domain"
)

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

type counters struct {
	events   atomic.Uint64
	attempts atomic.Uint64
	failures atomic.Uint64
}

func main() {
	base := getenv("TASKBOARD_URL", "http://localhost:8080")
	project := os.Getenv("PROJECT_ID")
	conns := getenvInt("SSE_CONNECTIONS", 200)
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second
	bearer := os.Getenv("TEST_BEARER")
	if project == "" || bearer == "" {
		log.Fatal("PROJECT_ID and TEST_BEARER are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	c := client.New(base, bearer)
	var n counters
	var wg sync.WaitGroup
	wg.Add(conns)
	for range conns {
		go func() {
			defer wg.Done()
			hold(ctx, c, project, &n)
		}()
	}

	go func() {
		select {
		case <-time.After(60 * time.Second):
			if n.events.Load() == 0 {
				fmt.Println("no events received in 60s")
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	failures, attempts, events := n.failures.Load(), n.attempts.Load(), n.events.Load()
	failureRate := 0.0
	if attempts > 0 {
		failureRate = float64(failures) / float64(attempts)
	}
	fmt.Printf("connections=%d duration_sec=%d events_received=%d connection_failures=%d\n", conns, int(duration.Seconds()), events, failures)
	if events == 0 || failureRate > 0.01 {
		os.Exit(1)
	}
}

// hold keeps one stream open, reconnecting with backoff, until ctx is done.
func hold(ctx context.Context, c *client.Client, project string, n *counters) {
	backoff := time.Second
	for ctx.Err() == nil {
		n.attempts.Add(1)
		err := c.Stream(ctx, project, func(domain.Event) error {
			n.events.Add(1)
			backoff = time.Second
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		n.failures.Add(1)
		log.WithError(err).Debug("stream dropped")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}
