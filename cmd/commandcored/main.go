/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/aresrobotics/commandcore/pkg/ack"
	"github.com/aresrobotics/commandcore/pkg/audit"
	"github.com/aresrobotics/commandcore/pkg/batch"
	"github.com/aresrobotics/commandcore/pkg/cancellation"
	"github.com/aresrobotics/commandcore/pkg/config"
	"github.com/aresrobotics/commandcore/pkg/events"
	"github.com/aresrobotics/commandcore/pkg/processor"
	"github.com/aresrobotics/commandcore/pkg/queue"
	"github.com/aresrobotics/commandcore/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration; defaults apply when empty")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	opts, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("loading configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db store.Store = store.Noop{}
	if opts.EnablePersistence {
		sqlStore, err := store.Open(opts.DatabaseURL, log)
		if err != nil {
			log.Fatal("opening command store", zap.Error(err))
		}
		defer func() { _ = sqlStore.Close() }()
		db = sqlStore
	}

	rec := events.NewDedupeRecorder(
		events.NewLoadSheddingRecorder(events.NewLogRecorder(log), 10, 50),
		time.Second,
	)
	auditSink := audit.NewZapSink(log)

	clk := clock.RealClock{}
	q := queue.New(opts, clk, db, rec, log)
	tracker := ack.NewTracker(opts, clk, rec, log)
	proc := processor.New(opts, clk, db, q, tracker, rec, log)
	manager := cancellation.NewManager(opts, clk, db, q, tracker, proc, rec, auditSink, log)
	executor := batch.NewExecutor(opts, clk, proc, tracker, manager, manager, proc.Schemas(), rec, auditSink, log)

	if err := proc.Start(ctx); err != nil {
		log.Fatal("starting processor", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if proc.Status().StoreDegraded {
			http.Error(w, "store degraded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"processor":     proc.Status(),
			"queue":         q.Stats(),
			"tracker":       tracker.Stats(),
			"cancellations": manager.Stats(),
			"batches":       executor.Stats(),
		})
	})
	mux.HandleFunc("/batches", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(executor.ListBatches())
	})
	srv := &http.Server{Addr: opts.MetricsAddr, Handler: mux}
	go func() {
		log.Info("serving metrics", zap.String("addr", opts.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	proc.Stop()
	os.Exit(0)
}
