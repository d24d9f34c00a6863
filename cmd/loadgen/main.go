// Command loadgen enqueues synthetic jobs for load testing a worker.
package main

import (
	"context"
	"encoding/hex"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/graphile/worker-sub000/internal/db"
	"github.com/graphile/worker-sub000/internal/queue"
)

func main() {
	dsn := pflag.StringP("connection", "c", os.Getenv("DATABASE_URL"), "Database connection string")
	numJobs := pflag.Int("jobs", 1000, "Number of jobs to enqueue")
	batchSize := pflag.Int("batch-size", 100, "Jobs per AddJobs call")
	tasks := pflag.StringSlice("tasks", []string{"loadgen"}, "Task identifiers to pick from")
	queues := pflag.StringSlice("queues", nil, "Queue names to pick from; jobs without a queue run in parallel")
	priorities := pflag.IntSlice("priorities", []int{-10, 0, 10}, "Priorities to pick from")
	runAtPercent := pflag.Int("run-at-percent", 10, "Percentage of jobs scheduled up to an hour ahead")
	keyPercent := pflag.Int("key-percent", 0, "Percentage of jobs carrying one of 100 job keys")
	payloadSize := pflag.Int("payload-size", 100, "Random payload bytes per job")
	seed := pflag.Int64("seed", time.Now().UnixNano(), "Random seed")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if *dsn == "" {
		logger.Error("database url is required via --connection or DATABASE_URL")
		os.Exit(1)
	}
	if len(*tasks) == 0 {
		logger.Error("at least one task identifier is required")
		os.Exit(1)
	}
	if *batchSize <= 0 {
		*batchSize = 1
	}

	ctx := context.Background()
	pg, err := db.NewPool(ctx, *dsn, db.PoolOptions{ApplicationName: "graphile-worker-loadgen", Logger: logger})
	if err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer pg.Close()
	svc := queue.NewService(pg, queue.WithLogger(logger))

	r := rand.New(rand.NewSource(*seed))
	start := time.Now()
	logger.Info("enqueueing", "jobs", *numJobs, "batch_size", *batchSize, "seed", *seed)

	batch := make([]queue.JobSpec, 0, *batchSize)
	added := 0
	flush := func() {
		if len(batch) == 0 {
			return
		}
		jobs, err := svc.AddJobs(ctx, batch)
		if err != nil {
			logger.Error("add jobs failed", "error", err, "added", added)
			os.Exit(1)
		}
		added += len(jobs)
		batch = batch[:0]
	}

	for i := 0; i < *numJobs; i++ {
		data := make([]byte, *payloadSize)
		r.Read(data)
		spec := queue.JobSpec{
			Identifier: (*tasks)[r.Intn(len(*tasks))],
			Payload:    map[string]any{"n": i, "data": hex.EncodeToString(data)},
		}
		if len(*queues) > 0 {
			spec.QueueName = (*queues)[r.Intn(len(*queues))]
		}
		if len(*priorities) > 0 {
			p := (*priorities)[r.Intn(len(*priorities))]
			spec.Priority = &p
		}
		if r.Intn(100) < *runAtPercent {
			at := time.Now().Add(time.Duration(r.Intn(3600)) * time.Second)
			spec.RunAt = &at
		}
		if r.Intn(100) < *keyPercent {
			spec.JobKey = "loadgen-" + strconv.Itoa(r.Intn(100))
		}
		batch = append(batch, spec)
		if len(batch) == *batchSize {
			flush()
		}
	}
	flush()

	elapsed := time.Since(start)
	logger.Info("done", "added", added, "elapsed", elapsed, "jobs_per_second", float64(added)/elapsed.Seconds())
}
