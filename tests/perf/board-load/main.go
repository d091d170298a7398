// Command board-load holds many board streams open while a writer mutates
// tasks, and fails when the streams stop seeing board refreshes.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type loadConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Streams     int           `mapstructure:"stream_connections"`
	Duration    time.Duration `mapstructure:"duration"`
	WriteEvery  time.Duration `mapstructure:"write_interval"`
	QuietPeriod time.Duration `mapstructure:"quiet_period"`
}

type counters struct {
	attempts atomic.Uint64
	failures atomic.Uint64
	boards   atomic.Uint64
	writes   atomic.Uint64
}

func main() {
	v := viper.New()
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("stream_connections", 200)
	v.SetDefault("duration", 2*time.Minute)
	v.SetDefault("write_interval", 500*time.Millisecond)
	v.SetDefault("quiet_period", time.Minute)
	v.AutomaticEnv()
	var cfg loadConfig
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var c counters
	client := &http.Client{}
	var wg sync.WaitGroup
	wg.Add(cfg.Streams)
	for range cfg.Streams {
		go func() {
			defer wg.Done()
			stream(ctx, client, base+"/api/board/stream", &c)
		}()
	}
	go write(ctx, client, base+"/api/tasks", cfg.WriteEvery, &c)

	go func() {
		select {
		case <-time.After(cfg.QuietPeriod):
			if c.boards.Load() == 0 {
				log.Errorf("no board events received in %s", cfg.QuietPeriod)
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	attempts, failures, boards := c.attempts.Load(), c.failures.Load(), c.boards.Load()
	failureRate := 0.0
	if attempts > 0 {
		failureRate = float64(failures) / float64(attempts)
	}
	log.WithFields(log.Fields{
		"streams":             cfg.Streams,
		"duration_sec":        int(cfg.Duration.Seconds()),
		"board_events":        boards,
		"writes":              c.writes.Load(),
		"connection_failures": failures,
	}).Info("board load finished")
	if boards == 0 || failureRate > 0.01 {
		os.Exit(1)
	}
}

func stream(ctx context.Context, client *http.Client, url string, c *counters) {
	backoff := time.Second
	for ctx.Err() == nil {
		c.attempts.Add(1)
		if err := readStream(ctx, client, url, c); err != nil && ctx.Err() == nil {
			c.failures.Add(1)
			log.WithError(err).Debug("board stream failed")
			time.Sleep(backoff)
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = time.Second
	}
}

func readStream(ctx context.Context, client *http.Client, url string, c *counters) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream status %d", resp.StatusCode)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		if sc.Text() == "event: board" {
			c.boards.Add(1)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed by server")
}

func write(ctx context.Context, client *http.Client, url string, every time.Duration, c *counters) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		body := fmt.Sprintf(`{"title":"load %d"}`, n)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			log.WithError(err).Debug("create task failed")
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusCreated {
			c.writes.Add(1)
		}
	}
}
