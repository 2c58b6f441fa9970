package replperf

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvmeof-bench/replperf/internal/constants"
	"github.com/nvmeof-bench/replperf/internal/histogram"
	"github.com/nvmeof-bench/replperf/internal/latency"
	"github.com/nvmeof-bench/replperf/internal/logging"
	"github.com/nvmeof-bench/replperf/internal/nsctx"
	"github.com/nvmeof-bench/replperf/internal/ratelimit"
	"github.com/nvmeof-bench/replperf/internal/replica"
	"github.com/nvmeof-bench/replperf/internal/taskpool"
	"github.com/nvmeof-bench/replperf/internal/transport"
	"github.com/nvmeof-bench/replperf/internal/transport/aio"
	"github.com/nvmeof-bench/replperf/internal/transport/loopback"
	"github.com/nvmeof-bench/replperf/internal/transport/uring"
	"github.com/nvmeof-bench/replperf/internal/worker"
)

// defaultLoopbackCapacityBytes sizes an in-memory namespace when no real
// target file backs it; chosen large enough for the Zipf/sequential
// wraparound scenarios in §8 to exercise a nontrivial offset range.
const defaultLoopbackCapacityBytes = 1 << 30

// fillPattern seeds every allocated payload, matching the source's
// "fill with a recognizable byte" convention for verifying DMA aliasing
// rather than content.
const fillPattern byte = 0xA5

// Engine owns the process-wide state spun up from a Config: the
// namespace registry, one worker per set bit of the core mask, and the
// latency-aggregation pipeline feeding the host CSV. Grounded on the
// teacher's backend.go orchestration role (the thing cmd/ublk-mem/main.go
// builds once and runs), generalized from one ublk device's queue set to
// N workers each replicating across N namespaces.
type Engine struct {
	Config   *Config
	Registry *Registry
	Log      *logging.Logger

	workers  []*worker.Worker
	exitFlag int32

	latencyAgg    *latency.Aggregator
	hostWriter    *latency.Writer
	samplerStop   chan struct{}
	writerDone    chan struct{}
}

// NewEngine builds an Engine from cfg: registers one namespace per
// configured target, and constructs one worker (with its own coordinator,
// rate gate, and namespace-worker contexts, each context with its own
// transport instance) per set bit of cfg.CoreMask.
func NewEngine(cfg *Config, log *logging.Logger) (*Engine, error) {
	if log == nil {
		log = logging.Default()
	}
	if len(cfg.Transports) == 0 {
		return nil, NewError("new_engine", ErrCodeConfigInvalid, "no -r/--transport targets configured")
	}
	if cfg.IOSizeBytes <= 0 {
		return nil, NewError("new_engine", ErrCodeConfigInvalid, "io-size must be positive")
	}

	registry := NewRegistry()
	transportKindByNSID := make(map[int]TransportSpec, len(cfg.Transports))

	for i, ts := range cfg.Transports {
		capacityBytes := probeCapacityBytes(ts)
		spec := transport.NamespaceSpec{
			Kind:           transport.Kind(ts.Kind),
			Target:         ts.TrAddr,
			BlockSize:      constants.DefaultBlockSize,
			IOSizeBlocks:   cfg.IOSizeBytes / constants.DefaultBlockSize,
			MaxIOSizeBytes: cfg.IOSizeBytes,
			IOUnitSize:     cfg.IOSizeBytes,
			AlignBytes:     constants.DefaultDMAAlignment,
		}
		if spec.IOSizeBlocks <= 0 {
			spec.IOSizeBlocks = 1
		}
		spec.SizeInIOs = SizeInIOs(capacityBytes, cfg.IOSizeBytes, cfg.IOLimit)

		ns := registry.Register(spec, uint64(i)+1)
		ns.ZipfTheta = cfg.ZipfTheta
		transportKindByNSID[ns.ID] = ts
	}

	wrapAt := registry.MinSizeInIOs()

	coreIDs := coreIDsFromMask(cfg.CoreMask)
	if len(coreIDs) == 0 {
		coreIDs = []int{-1}
	}

	e := &Engine{
		Config:      cfg,
		Registry:    registry,
		Log:         log,
		latencyAgg:  latency.New(64),
		samplerStop: make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
	if cfg.HostCSVPath != "" {
		e.hostWriter = latency.NewWriter(cfg.HostCSVPath)
	}

	// Every namespace was built from the same cfg.IOSizeBytes above, so
	// any one of their specs carries the payload sizing the shared pool
	// needs; registry.All() is non-empty because cfg.Transports was
	// validated non-empty.
	firstSpec := registry.All()[0].Spec
	pool := taskpool.New(firstSpec.MaxIOSizeBytes, firstSpec.IOUnitSize, firstSpec.AlignBytes)

	for wi, coreID := range coreIDs {
		contexts := make([]*nsctx.Context, 0, len(registry.All()))
		for _, ns := range registry.All() {
			// Every worker gets its own transport instance per namespace:
			// §5 guarantees each worker's completion polling is
			// single-threaded, which only holds if no two worker
			// goroutines ever reap off the same transport's internal
			// completion state.
			tr, err := buildTransport(transportKindByNSID[ns.ID])
			if err != nil {
				return nil, WrapError("new_engine", err)
			}

			hist := buildHistogram(cfg.LatencyHistogram)
			ctx := nsctx.New(ns.ID, ns.Spec, tr, hist, ns.RNGSeed+uint64(wi))
			if ns.ZipfTheta > 0 {
				ctx.WithZipf(ns.ZipfTheta)
			} else if cfg.Pattern.IsRandom() {
				ctx.WithRandom()
			}
			contexts = append(contexts, ctx)
		}

		coord := replica.New(pool, contexts, log)
		coord.ReplicaFactor = cfg.ReplicaNum
		coord.SendMainLast = cfg.FinalSendMainRep
		coord.RWMixPercent = cfg.Pattern.RWPercentage()
		if cfg.Pattern == PatternRW || cfg.Pattern == PatternRandRW {
			coord.RWMixPercent = cfg.RWMixRead
		}
		coord.ContinueOnError = cfg.ContinueOnError
		coord.NumberIOs = cfg.NumberIOs
		coord.QueueDepth = cfg.IODepth
		coord.Pattern = fillPattern
		coord.WrapAt = wrapAt
		coord.Latency = e.latencyAgg

		var gate *ratelimit.Gate
		if cfg.IONumPerSecond > 0 {
			gate = ratelimit.New(cfg.IONumPerSecond, cfg.BatchSize)
			gate.Submit = coord.SubmitReplicated
			coord.Gate = gate
		}

		numQPairs := cfg.NumQPairs
		if numQPairs <= 0 {
			numQPairs = constants.DefaultQueuePairsPerWorker
		}

		w := &worker.Worker{
			CoreID:          coreID,
			IsMain:          wi == 0,
			Contexts:        contexts,
			Coord:           coord,
			Gate:            gate,
			Log:             log,
			QueueDepth:      cfg.IODepth,
			NumQPairs:       numQPairs,
			NumUnusedQPairs: cfg.NumUnusedQPairs,
			WarmupTime:      cfg.WarmupTime,
			RunTime:         cfg.RunTime,
			PrintInterval:   constants.StatsReportInterval,
			IOSizeBytes:     cfg.IOSizeBytes,
			ExitFlag:        &e.exitFlag,
		}

		e.workers = append(e.workers, w)
	}

	return e, nil
}

// buildTransport maps a TransportSpec's Kind onto a concrete transport,
// defaulting to loopback (in-memory) for "nvme"/"" since RDMA/PCIe
// fabric connectivity is outside this engine's process boundary.
func buildTransport(ts TransportSpec) (transport.Transport, error) {
	switch ts.Kind {
	case "aio":
		return aio.New(), nil
	case "uring":
		return uring.New(0), nil
	case "", "nvme", "loopback":
		return loopback.New(), nil
	default:
		return nil, NewError("build_transport", ErrCodeConfigInvalid, fmt.Sprintf("unknown transport kind %q", ts.Kind))
	}
}

// probeCapacityBytes estimates a namespace's backing size: the real file
// size for a path-addressed target, or a fixed loopback default when no
// file exists at TrAddr (the common case for in-memory testing).
func probeCapacityBytes(ts TransportSpec) int64 {
	if ts.TrAddr != "" {
		if fi, err := os.Stat(ts.TrAddr); err == nil {
			return fi.Size()
		}
	}
	return defaultLoopbackCapacityBytes
}

// buildHistogram maps the -L/-LL verbosity level onto a Histogram
// implementation: 0 disables tracking, 1 keeps a coarse summary, and 2+
// keeps full-precision buckets.
func buildHistogram(level int) histogram.Histogram {
	switch {
	case level <= 0:
		return histogram.NoOp{}
	case level == 1:
		return histogram.NewHDR(int64(60*time.Second), 2)
	default:
		return histogram.NewHDR(int64(60*time.Second), 5)
	}
}

// coreIDsFromMask returns the set bit positions of mask in ascending
// order, per §6's -c/--core-mask hex mask of cores to run workers on.
func coreIDsFromMask(mask uint64) []int {
	var ids []int
	for i := 0; i < 64; i++ {
		if mask&(1<<uint(i)) != 0 {
			ids = append(ids, i)
		}
	}
	return ids
}

// Run starts the latency sampler and every worker, blocks until they all
// reach drain (by deadline or by RequestStop), and returns the end-of-run
// aggregate report.
func (e *Engine) Run(ctx context.Context) (*AggregateReport, error) {
	go e.latencyAgg.RunSampler(time.Second, e.samplerStop)

	go func() {
		defer close(e.writerDone)
		if e.hostWriter == nil {
			return
		}
		deadline := time.Duration(float64(e.Config.RunTime)*1.2) + 6*time.Second
		if err := e.hostWriter.Drain(e.latencyAgg.Snapshots(), deadline); err != nil && e.Log != nil {
			e.Log.WithError(err).Error("latency writer drain failed")
		}
	}()

	start := time.Now()
	barrier := worker.NewStartBarrier(len(e.workers))

	errs := make([]error, len(e.workers))
	var wg sync.WaitGroup
	for i, w := range e.workers {
		wg.Add(1)
		go func(i int, w *worker.Worker) {
			defer wg.Done()
			errs[i] = w.Run(ctx, barrier)
		}(i, w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	close(e.samplerStop)
	<-e.writerDone

	var contexts []*nsctx.Context
	for _, w := range e.workers {
		contexts = append(contexts, w.Contexts...)
	}
	report := BuildReport(elapsed, contexts)

	for i, err := range errs {
		if err != nil {
			return report, fmt.Errorf("worker %d: %w", i, err)
		}
	}
	return report, e.aggregateContextErrors(contexts)
}

// aggregateContextErrors folds every context's terminal status into a
// single error, per §7's "main function aggregates across all contexts
// after wait_all" propagation rule.
func (e *Engine) aggregateContextErrors(contexts []*nsctx.Context) error {
	for _, ctx := range contexts {
		if ctx.Status != nil {
			return WrapError("run", ctx.Status)
		}
	}
	return nil
}

// RequestStop sets the shared exit flag every worker polls once per main
// loop iteration, per §5's "global exit flag (atomic boolean)."
func (e *Engine) RequestStop() {
	atomic.StoreInt32(&e.exitFlag, 1)
}
