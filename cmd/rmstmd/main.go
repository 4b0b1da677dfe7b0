// Command rmstmd runs a standalone resource manager state machine
// daemon for local inspection: a fixed set of partitions, each backed
// by an in-process demo Raft stand-in, exposed over the read-only
// inspection HTTP surface. It does not participate in a real cluster;
// wiring a genuine consensus and coordinator layer is left to the
// embedding partition service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"rmstm/internal/config"
	"rmstm/internal/httpapi"
	"rmstm/internal/metrics"
	"rmstm/internal/rmstm"
)

type noopCoordinator struct{}

func (noopCoordinator) RouteTransactionDecision(ctx context.Context, pid rmstm.ProducerIdentity, seq rmstm.TxSeq) (rmstm.TxDecision, error) {
	return rmstm.TxDecisionAbort, nil
}

type noopProducerManager struct{}

func (noopProducerManager) CleanupProducerState(pid rmstm.ProducerIdentity) {}

type partitionSet struct {
	machines map[int32]*rmstm.Machine
}

func (p *partitionSet) Machine(partition int32) (*rmstm.Machine, bool) {
	m, ok := p.machines[partition]
	return m, ok
}

func (p *partitionSet) Partitions() []int32 {
	out := make([]int32, 0, len(p.machines))
	for id := range p.machines {
		out = append(out, id)
	}
	return out
}

func main() {
	configPath := flag.String("config", "rmstm.yaml", "path to the daemon config file")
	partitionCount := flag.Int("partitions", 4, "number of demo partitions to run")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	mtr := metrics.New(registry)

	set := &partitionSet{machines: make(map[int32]*rmstm.Machine)}

	for i := 0; i < *partitionCount; i++ {
		partition := int32(i)
		var machine *rmstm.Machine
		raft := newDemoRaftLog(func(batch rmstm.RecordBatch) {
			if err := machine.Apply(batch); err != nil {
				logger.Warn("apply failed", "partition", partition, "error", err)
			}
		})
		snapshots := rmstm.NewSnapshotStore(filepath.Join(cfg.DataDir, fmt.Sprintf("partition-%d", partition)))
		machine = rmstm.New(partition, cfg.Machine.ToMachineConfig(), raft, noopCoordinator{}, noopProducerManager{}, snapshots, logger)
		machine.WithMetrics(mtr.ForPartition(partition))
		set.machines[partition] = machine
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, m := range set.machines {
		if err := m.Start(ctx); err != nil {
			logger.Error("failed to start partition machine", "error", err)
			os.Exit(1)
		}
	}

	httpConfig := httpapi.DefaultConfig()
	httpConfig.Addr = cfg.HTTPAddr
	server := httpapi.NewServer(set, httpConfig, logger, registry)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			logger.Error("inspection server stopped", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	cancel()
	for _, m := range set.machines {
		m.Stop()
		if err := m.TakeLocalSnapshot(); err != nil {
			logger.Warn("final snapshot failed", "error", err)
		}
	}
}
