package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tokligence/tokligence-relay/pkg/relay"
)

type Stats struct {
	streams   int64
	completed int64
	failed    int64
	rejected  int64
	deltas    int64

	mu    sync.Mutex
	ttfd  []time.Duration // time to first delta
	total []time.Duration
}

func (s *Stats) record(ttfd, total time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttfd > 0 {
		s.ttfd = append(s.ttfd, ttfd)
	}
	s.total = append(s.total, total)
}

func main() {
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	concurrency := flag.Int("c", 20, "concurrent sessions, one stream at a time each")
	rps := flag.Float64("rps", 0, "target submits per second across all workers (0 = unlimited)")
	baseURL := flag.String("url", "http://localhost:8085", "relay base URL")
	personaFlag := flag.String("persona", "", "persona id (default: first listed persona)")
	prompt := flag.String("prompt", "Reply with a short greeting.", "user content to submit")
	flag.Parse()

	client, err := relay.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatalf("client: %v", err)
	}
	ctx := context.Background()
	personaID, err := pickPersona(ctx, client, *personaFlag)
	if err != nil {
		log.Fatalf("persona: %v", err)
	}

	sessions := make([]uuid.UUID, *concurrency)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range sessions {
		g.Go(func() error {
			s, err := client.CreateSession(gctx, personaID, fmt.Sprintf("loadtest-%d", i))
			if err != nil {
				return err
			}
			sessions[i] = s.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("create sessions: %v", err)
	}

	fmt.Printf("Starting load test:\n")
	fmt.Printf("  URL: %s\n", *baseURL)
	fmt.Printf("  Persona: %s\n", personaID)
	fmt.Printf("  Duration: %s\n", *duration)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Printf("  Target RPS: %.2f\n", *rps)
	fmt.Println()

	limiter := rate.NewLimiter(rate.Inf, 0)
	if *rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(*rps), 1)
	}
	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	stats := &Stats{}
	start := time.Now()
	var wg sync.WaitGroup
	for _, sessionID := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Wait(runCtx); err != nil {
					return
				}
				runOne(runCtx, client, sessionID, *prompt, stats)
			}
		}()
	}
	wg.Wait()
	report(stats, time.Since(start))
}

func pickPersona(ctx context.Context, client *relay.Client, flagValue string) (uuid.UUID, error) {
	if flagValue != "" {
		return uuid.Parse(flagValue)
	}
	personas, err := client.ListPersonas(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if len(personas) == 0 {
		return uuid.Nil, errors.New("relay has no personas; import one first")
	}
	return personas[0].ID, nil
}

func runOne(ctx context.Context, client *relay.Client, sessionID uuid.UUID, prompt string, stats *Stats) {
	begin := time.Now()
	atomic.AddInt64(&stats.streams, 1)
	stream, err := client.Submit(ctx, sessionID, prompt)
	if err != nil {
		var apiErr *relay.APIError
		if errors.As(err, &apiErr) {
			atomic.AddInt64(&stats.rejected, 1)
			return
		}
		if ctx.Err() == nil {
			atomic.AddInt64(&stats.failed, 1)
		}
		return
	}
	defer stream.Close()

	var firstDelta time.Duration
	for {
		ev, err := stream.Next()
		if err != nil {
			if !errors.Is(err, relay.ErrStreamEnded) && ctx.Err() == nil {
				atomic.AddInt64(&stats.failed, 1)
			}
			return
		}
		switch ev.Type {
		case relay.EventDelta:
			atomic.AddInt64(&stats.deltas, 1)
			if firstDelta == 0 {
				firstDelta = time.Since(begin)
			}
		case relay.EventComplete:
			atomic.AddInt64(&stats.completed, 1)
			stats.record(firstDelta, time.Since(begin))
		case relay.EventError:
			atomic.AddInt64(&stats.failed, 1)
		}
	}
}

func report(stats *Stats, elapsed time.Duration) {
	sort.Slice(stats.ttfd, func(i, j int) bool { return stats.ttfd[i] < stats.ttfd[j] })
	sort.Slice(stats.total, func(i, j int) bool { return stats.total[i] < stats.total[j] })

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("Benchmark Results")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Streams Submitted:  %d\n", stats.streams)
	fmt.Printf("Completed:          %d\n", stats.completed)
	fmt.Printf("Failed:             %d\n", stats.failed)
	fmt.Printf("Rejected (4xx/5xx): %d\n", stats.rejected)
	fmt.Printf("Deltas Received:    %d\n", stats.deltas)
	fmt.Printf("Duration:           %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("Streams/sec:        %.2f\n", float64(stats.completed)/elapsed.Seconds())
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("P50 First Delta:    %.2f ms\n", ms(percentile(stats.ttfd, 0.50)))
	fmt.Printf("P95 First Delta:    %.2f ms\n", ms(percentile(stats.ttfd, 0.95)))
	fmt.Printf("P50 Stream Time:    %.2f ms\n", ms(percentile(stats.total, 0.50)))
	fmt.Printf("P95 Stream Time:    %.2f ms\n", ms(percentile(stats.total, 0.95)))
	fmt.Printf("P99 Stream Time:    %.2f ms\n", ms(percentile(stats.total, 0.99)))
	fmt.Println(strings.Repeat("=", 60))
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
