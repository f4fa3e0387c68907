package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"dispatchd/internal/adapter/history"
	"dispatchd/internal/domain"
	"dispatchd/internal/infra/config"
	"dispatchd/internal/infra/logger"
	"dispatchd/internal/infra/tracer"
	"dispatchd/internal/usecase/dispatch"
	"dispatchd/internal/usecase/eventbus"
	"dispatchd/internal/usecase/scheduling"
	"dispatchd/internal/usecase/worker"
)

func main() {
	var (
		configPath    = flag.String("config", "config.yaml", "path to the YAML config file")
		batchPath     = flag.String("batch", "", "path to a YAML batch file to execute")
		maxConcurrent = flag.Int("max-concurrent", 0, "batch-wide parallelism window (0 = unbounded)")
		showHistory   = flag.Int("history", 0, "print the N most recent task records and exit")
	)
	flag.Parse()

	if err := run(*configPath, *batchPath, *maxConcurrent, *showHistory); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, batchPath string, maxConcurrent, showHistory int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	var store domain.HistoryStore
	if cfg.History.Enabled {
		sqlStore, err := history.NewSQLiteStore(cfg.History.Path)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		store = sqlStore
	}

	if showHistory > 0 {
		if store == nil {
			return fmt.Errorf("history is not enabled in %s", configPath)
		}
		return printHistory(ctx, store, showHistory)
	}

	bus := eventbus.New(log)
	defer bus.Close()

	d := dispatch.New(dispatch.Config{
		MaxRetries:       cfg.Dispatcher.MaxRetries,
		RetryDelay:       cfg.Dispatcher.RetryDelay,
		RetryBackoff:     cfg.Dispatcher.RetryBackoff,
		AssignTimeout:    cfg.Dispatcher.AssignTimeout,
		MaxConcurrent:    cfg.Dispatcher.MaxConcurrent,
		SubmitRatePerSec: cfg.Dispatcher.SubmitRatePerSec,
		SubmitBurst:      cfg.Dispatcher.SubmitBurst,
		BreakerEnabled:   cfg.Dispatcher.CircuitBreaker.Enabled,
		Breaker: worker.BreakerConfig{
			MaxFailures: cfg.Dispatcher.CircuitBreaker.MaxFailures,
			Timeout:     cfg.Dispatcher.CircuitBreaker.Timeout,
			Interval:    cfg.Dispatcher.CircuitBreaker.Interval,
		},
	}, log, bus, store)

	if len(cfg.WorkerTypes) == 0 {
		return fmt.Errorf("no worker_types declared in %s", configPath)
	}
	for _, wt := range cfg.WorkerTypes {
		err := d.Register(domain.WorkerType(wt.Type), domain.WorkerMetadata{
			Priority:      wt.Priority,
			MaxConcurrent: wt.MaxConcurrent,
			Capabilities:  wt.Capabilities,
			Keywords:      wt.Keywords,
		}, func() domain.Runner { return NewExecRunner(log) })
		if err != nil {
			return err
		}
	}

	var sched *scheduling.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduling.New(func(ctx context.Context, task *domain.Task) {
			d.Execute(ctx, task, dispatch.Options{})
		}, log)
		for _, st := range cfg.Scheduler.Tasks {
			err := sched.Add(scheduling.ScheduledTask{
				Name:     st.Name,
				Schedule: st.Schedule,
				Type:     domain.WorkerType(st.Type),
				Inputs:   domain.Inputs(st.Inputs),
				Priority: st.Priority,
				OneShot:  st.OneShot,
			})
			if err != nil {
				return err
			}
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	if batchPath != "" {
		tasks, err := loadBatch(batchPath)
		if err != nil {
			return err
		}
		log.Info("running batch", "tasks", len(tasks), "max_concurrent", maxConcurrent)
		d.ExecuteBatch(ctx, tasks, maxConcurrent)
		printResults(tasks)
		printStatistics(d)
		return nil
	}

	if sched == nil {
		return fmt.Errorf("nothing to do: pass -batch or enable the scheduler")
	}

	log.Info("dispatchd running on scheduler", "tasks", len(cfg.Scheduler.Tasks))
	<-ctx.Done()
	log.Info("shutting down")
	printStatistics(d)
	return nil
}

// batchFile is the YAML shape of a -batch file.
type batchFile struct {
	Tasks []*domain.Task `yaml:"tasks"`
}

func loadBatch(path string) ([]*domain.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var file batchFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse batch file: %w", err)
	}
	if len(file.Tasks) == 0 {
		return nil, fmt.Errorf("batch file %s declares no tasks", path)
	}
	for _, t := range file.Tasks {
		if t.ID == "" {
			t.ID = worker.NewID()
		}
		t.Status = domain.TaskPending
		t.CreatedAt = time.Now()
	}
	return file.Tasks, nil
}

func printResults(tasks []*domain.Task) {
	for _, t := range tasks {
		line := fmt.Sprintf("%-28s %-10s %-10s", t.ID, t.Type, t.Status)
		if t.Result != nil {
			line += fmt.Sprintf(" attempts=%d duration=%s", t.Result.Attempts, t.Result.Duration.Round(time.Millisecond))
			if t.Result.FailureMsg != "" {
				line += " error=" + t.Result.FailureMsg
			}
		}
		fmt.Println(line)
	}
}

func printStatistics(d *dispatch.Dispatcher) {
	stats := d.Statistics()
	types := make([]string, 0, len(stats))
	for typ := range stats {
		types = append(types, string(typ))
	}
	sort.Strings(types)

	fmt.Println("\ntype        load   total  ok  failed  avg")
	for _, typ := range types {
		s := stats[domain.WorkerType(typ)]
		fmt.Printf("%-10s  %d/%d    %-5d  %-3d %-6d  %s\n",
			typ, s.CurrentLoad, s.MaxConcurrent,
			s.TotalExecutions, s.SuccessfulExecutions, s.FailedExecutions,
			s.AverageDuration.Round(time.Millisecond))
	}
}

func printHistory(ctx context.Context, store domain.HistoryStore, n int) error {
	records, err := store.Recent(ctx, n)
	if err != nil {
		return err
	}
	for _, r := range records {
		line := fmt.Sprintf("%s  %-28s %-10s %-10s attempts=%d duration=%dms",
			r.RecordedAt, r.TaskID, r.Type, r.Status, r.Attempts, r.Duration)
		if r.FailureMsg != "" {
			line += " error=" + r.FailureMsg
		}
		fmt.Println(line)
	}
	return nil
}
