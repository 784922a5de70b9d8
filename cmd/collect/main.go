package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/andr-235/parseVK-sub000/internal/config"
	"github.com/andr-235/parseVK-sub000/internal/crawler"
	"github.com/andr-235/parseVK-sub000/internal/pkg/logger"
	"github.com/andr-235/parseVK-sub000/internal/pkg/redisqueue"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
)

type options struct {
	Config         string        `long:"config" short:"c" env:"CONFIG_PATH" default:"configs/config.json" description:"Path to JSON config file"`
	Source         string        `long:"source" short:"s" required:"true" description:"Source name (avito, farpost, ...)"`
	BaseURL        string        `long:"base-url" description:"Listing page to start from; defaults to the source's configured base urls"`
	MaxPages       int           `long:"max-pages" description:"Maximum pages per base url (0 = configured default)"`
	PublishedAfter string        `long:"published-after" description:"Cutoff as RFC3339 timestamp or a duration back from now (e.g. 24h)"`
	RequestDelay   time.Duration `long:"request-delay" description:"Delay between pages (0 = configured default)"`
	Enqueue        bool          `long:"enqueue" description:"Push the job to the Redis queue instead of running it here"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	after, err := parsePublishedAfter(opts.PublishedAfter, time.Now())
	if err != nil {
		log.Fatalf("invalid --published-after: %v", err)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	appLogger := logger.NewDefault(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Enqueue {
		if err := enqueue(ctx, cfg, opts, after); err != nil {
			log.Fatalf("enqueue: %v", err)
		}
		return
	}

	// 单次运行不需要消费队列
	cfg.App.EnableRedisQueue = false
	service, err := crawler.NewService(ctx, cfg, appLogger)
	if err != nil {
		log.Fatalf("init collector service: %v", err)
	}

	result, collectErr := service.Collect(ctx, opts.Source, crawler.CollectOptions{
		BaseURL:        opts.BaseURL,
		MaxPages:       opts.MaxPages,
		PublishedAfter: after,
		RequestDelay:   opts.RequestDelay,
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}

	if result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			log.Printf("encode result: %v", err)
		}
	}
	if collectErr != nil {
		log.Printf("collect failed: %v", collectErr)
		os.Exit(1)
	}
}

// enqueue 把采集请求放入 Redis 队列，由 collector 守护进程执行。
func enqueue(ctx context.Context, cfg *config.Config, opts options, after *time.Time) error {
	source := strings.ToLower(strings.TrimSpace(opts.Source))
	if _, ok := cfg.Source(source); !ok {
		return fmt.Errorf("%w: %s", crawler.ErrUnknownSource, opts.Source)
	}
	q := redisqueue.NewClient(cfg.Redis.Addr, cfg.Redis.Password)
	defer func() { _ = q.Close() }()

	job := &redisqueue.CollectJob{
		JobID:          uuid.NewString(),
		Source:         source,
		BaseURL:        opts.BaseURL,
		MaxPages:       opts.MaxPages,
		PublishedAfter: after,
		RequestDelayMs: opts.RequestDelay.Milliseconds(),
	}
	if err := q.PushJob(ctx, job); err != nil {
		return err
	}
	fmt.Println(job.JobID)
	return nil
}

// parsePublishedAfter 接受 RFC3339 时间或相对 now 的时长，空字符串表示不截断。
func parsePublishedAfter(v string, now time.Time) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("%q is neither RFC3339 nor a duration", v)
	}
	if d < 0 {
		d = -d
	}
	t := now.Add(-d)
	return &t, nil
}
