package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nvmeof-bench/replperf"
	"github.com/nvmeof-bench/replperf/internal/logging"
)

// transportFlags accumulates repeated -r/--transport occurrences.
type transportFlags []replperf.TransportSpec

func (t *transportFlags) String() string {
	parts := make([]string, len(*t))
	for i, ts := range *t {
		parts[i] = ts.TrAddr
	}
	return strings.Join(parts, ",")
}

func (t *transportFlags) Set(value string) error {
	ts, err := parseTransportSpec(value)
	if err != nil {
		return err
	}
	*t = append(*t, ts)
	return nil
}

// parseTransportSpec parses the "key:value key:value ..." syntax §6
// describes for -r/--transport, e.g.
// "trtype:PCIe traddr:0000:00:00.0 ns:1".
func parseTransportSpec(s string) (replperf.TransportSpec, error) {
	var ts replperf.TransportSpec
	for _, field := range strings.Fields(s) {
		kv := strings.SplitN(field, ":", 2)
		if len(kv) != 2 {
			return ts, fmt.Errorf("transport: malformed key:value pair %q", field)
		}
		key, val := kv[0], kv[1]
		switch key {
		case "trtype":
			ts.Kind = val
		case "adrfam":
			ts.AdrFam = val
		case "traddr":
			ts.TrAddr = val
		case "trsvcid":
			ts.TrSvcID = val
		case "subnqn":
			ts.SubNQN = val
		case "ns":
			ts.NS = val
		case "hostnqn":
			ts.HostNQN = val
		default:
			// Unknown keys are transport/runtime tuning per §6's
			// pass-through list; ignored rather than rejected.
		}
	}
	return ts, nil
}

// registerPassthroughFlags registers every flag §6 calls out as "transport/runtime
// tuning, passed through unchanged" so argv parsing doesn't reject them,
// without this engine acting on any of them.
func registerPassthroughFlags(fs *flag.FlagSet) {
	boolFlags := []string{"R", "V", "D", "H", "I", "N", "S", "Z", "z", "k", "A", "s", "g", "C", "i", "e", "m", "G", "T",
		"disable-ktls", "enable-ktls", "use-every-core", "no-huge"}
	for _, name := range boolFlags {
		fs.Bool(name, false, "transport/runtime tuning passthrough (not interpreted by this engine)")
	}

	stringFlags := []string{"transport-stats", "iova-mode", "io-queue-size", "tls-version", "psk-path",
		"psk-identity", "zerocopy-threshold", "zerocopy-threshold-sock-impl", "transport-tos", "rdma-srq-size"}
	for _, name := range stringFlags {
		fs.String(name, "", "transport/runtime tuning passthrough (not interpreted by this engine)")
	}
}

// parseArgs builds a Config from argv, returning (config, helpRequested,
// error). On a parse error the caller should exit 1; on helpRequested the
// caller should exit 0 after usage has already been printed.
func parseArgs(argv []string) (*replperf.Config, bool, error) {
	fs := flag.NewFlagSet("replperf", flag.ContinueOnError)
	cfg := replperf.DefaultConfig()

	var transports transportFlags
	var coreMaskHex string
	var latencyL, latencyLL bool

	fs.IntVar(&cfg.IODepth, "q", cfg.IODepth, "in-flight logical I/O budget per worker")
	fs.IntVar(&cfg.IODepth, "io-depth", cfg.IODepth, "in-flight logical I/O budget per worker")

	fs.IntVar(&cfg.IOSizeBytes, "o", cfg.IOSizeBytes, "bytes per I/O")
	fs.IntVar(&cfg.IOSizeBytes, "io-size", cfg.IOSizeBytes, "bytes per I/O")

	var pattern string
	fs.StringVar(&pattern, "w", string(cfg.Pattern), "io pattern: read,write,rw,randread,randwrite,randrw")
	fs.StringVar(&pattern, "io-pattern", string(cfg.Pattern), "io pattern: read,write,rw,randread,randwrite,randrw")

	fs.IntVar(&cfg.RWMixRead, "M", cfg.RWMixRead, "read percentage for rw/randrw")
	fs.IntVar(&cfg.RWMixRead, "rwmixread", cfg.RWMixRead, "read percentage for rw/randrw")

	var runSecs, warmupSecs float64
	fs.Float64Var(&runSecs, "t", cfg.RunTime.Seconds(), "run duration in seconds")
	fs.Float64Var(&runSecs, "time", cfg.RunTime.Seconds(), "run duration in seconds")
	fs.Float64Var(&warmupSecs, "a", 0, "warm-up duration in seconds")
	fs.Float64Var(&warmupSecs, "warmup-time", 0, "warm-up duration in seconds")

	fs.StringVar(&coreMaskHex, "c", "", "hex mask of cores to run workers on")
	fs.StringVar(&coreMaskHex, "core-mask", "", "hex mask of cores to run workers on")

	fs.Var(&transports, "r", "transport spec 'key:value ...' (repeatable)")
	fs.Var(&transports, "transport", "transport spec 'key:value ...' (repeatable)")

	fs.IntVar(&cfg.ReplicaNum, "n", cfg.ReplicaNum, "replica count")
	fs.IntVar(&cfg.ReplicaNum, "rep-num", cfg.ReplicaNum, "replica count")

	fs.BoolVar(&cfg.FinalSendMainRep, "f", cfg.FinalSendMainRep, "emit primary sibling last")
	fs.BoolVar(&cfg.FinalSendMainRep, "final-send-main-rep", cfg.FinalSendMainRep, "emit primary sibling last")

	fs.IntVar(&cfg.IOLimit, "K", cfg.IOLimit, "restrict each namespace's logical capacity to capacity/N")
	fs.IntVar(&cfg.IOLimit, "io-limit", cfg.IOLimit, "restrict each namespace's logical capacity to capacity/N")

	fs.IntVar(&cfg.IONumPerSecond, "E", cfg.IONumPerSecond, "enable open-loop rate limiter at N IOs/sec")
	fs.IntVar(&cfg.IONumPerSecond, "io-num-per-second", cfg.IONumPerSecond, "enable open-loop rate limiter at N IOs/sec")

	fs.IntVar(&cfg.BatchSize, "B", cfg.BatchSize, "submission batch size for the rate limiter")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "submission batch size for the rate limiter")

	var numberIOs uint64
	fs.Uint64Var(&numberIOs, "d", 0, "submission budget per context")
	fs.Uint64Var(&numberIOs, "number-ios", 0, "submission budget per context")

	fs.IntVar(&cfg.NumQPairs, "P", cfg.NumQPairs, "active queue pairs per namespace")
	fs.IntVar(&cfg.NumQPairs, "num-qpairs", cfg.NumQPairs, "active queue pairs per namespace")

	fs.IntVar(&cfg.NumUnusedQPairs, "U", cfg.NumUnusedQPairs, "additional idle queue pairs per namespace")
	fs.IntVar(&cfg.NumUnusedQPairs, "num-unused-qpairs", cfg.NumUnusedQPairs, "additional idle queue pairs per namespace")

	fs.Float64Var(&cfg.ZipfTheta, "F", 0, "zipf theta for random offsets")
	fs.Float64Var(&cfg.ZipfTheta, "zipf", 0, "zipf theta for random offsets")

	fs.BoolVar(&latencyL, "L", false, "enable software latency histogram (summary)")
	fs.BoolVar(&latencyLL, "LL", false, "enable software latency histogram (full buckets)")

	fs.IntVar(&cfg.ContinueOnError, "Q", 0, "re-queue instead of aborting on submission error; rate-limit logs to every Nth")
	fs.IntVar(&cfg.ContinueOnError, "continue-on-error", 0, "re-queue instead of aborting on submission error; rate-limit logs to every Nth")

	registerPassthroughFlags(fs)

	if err := fs.Parse(argv); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, err
	}

	cfg.Pattern = replperf.IOPattern(pattern)
	cfg.RunTime = time.Duration(runSecs * float64(time.Second))
	cfg.WarmupTime = time.Duration(warmupSecs * float64(time.Second))
	cfg.NumberIOs = numberIOs
	cfg.Transports = transports

	if latencyLL {
		cfg.LatencyHistogram = 2
	} else if latencyL {
		cfg.LatencyHistogram = 1
	}

	if coreMaskHex != "" {
		mask, err := strconv.ParseUint(strings.TrimPrefix(coreMaskHex, "0x"), 16, 64)
		if err != nil {
			return nil, false, fmt.Errorf("invalid -c/--core-mask %q: %w", coreMaskHex, err)
		}
		cfg.CoreMask = mask
	}

	return cfg, false, nil
}

func main() {
	logger := logging.NewLogger(logging.DefaultConfig())
	logging.SetDefault(logger)

	cfg, helpRequested, err := parseArgs(os.Args[1:])
	if helpRequested {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	engine, err := replperf.NewEngine(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			dumpStacks(logger)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		engine.RequestStop()
		cancel()
	}()

	report, runErr := engine.Run(ctx)
	if report != nil {
		report.WriteText(os.Stdout)
	}
	if runErr != nil {
		logger.Error("run finished with errors", "error", runErr)
		os.Exit(1)
	}
}

func dumpStacks(logger *logging.Logger) {
	logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

	filename := fmt.Sprintf("replperf-stacks-%d.txt", time.Now().Unix())
	f, err := os.Create(filename)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "Goroutine stack dump\nProcess ID: %d\n\n", os.Getpid())
	f.Write(buf[:n])
	fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
	pprof.Lookup("goroutine").WriteTo(f, 2)
}
