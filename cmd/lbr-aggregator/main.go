// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	commonversion "github.com/prometheus/common/version"
	"github.com/prometheus/procfs"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/lbr-aggregator/pkg/aggregate"
	"github.com/parca-dev/lbr-aggregator/pkg/buildinfo"
	"github.com/parca-dev/lbr-aggregator/pkg/config"
	"github.com/parca-dev/lbr-aggregator/pkg/lbr"
	"github.com/parca-dev/lbr-aggregator/pkg/logger"
	"github.com/parca-dev/lbr-aggregator/pkg/perfscript"
	"github.com/parca-dev/lbr-aggregator/pkg/process"
	"github.com/parca-dev/lbr-aggregator/pkg/report"
	"github.com/parca-dev/lbr-aggregator/pkg/resolve"
)

var version = "dev"

type flags struct {
	LogLevel    string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	LogFormat   string `kong:"enum='logfmt,json',help='Log format.',default='logfmt'"`
	HTTPAddress string `kong:"help='Address to serve metrics on. Disabled when empty.'"`
	ConfigPath  string `default:"" help:"Path to config file."`
	Version     bool   `kong:"help='Print version and exit.'"`

	MemlimitRatio float64 `kong:"help='Ratio of the cgroup or system memory limit to set as GOMEMLIMIT. 0 leaves it unset.',default='0.9'"`

	Input    string `kong:"arg,optional,help='perf script output or perf.data file to read. Reads stdin when empty or -.',default='-'"`
	PerfPath string `kong:"help='perf executable used to read perf.data files.',default='perf'"`

	// Parser and trace builder:
	Dialect                string `kong:"enum='basic,extended',help='LBR token dialect.',default='basic'"`
	KernelBase             string `kong:"help='Addresses at or above this one are kernel addresses.',default='${default_kernel_base}'"`
	IgnoreKernelInterrupts bool   `kong:"help='Drop LBR entries touching kernel addresses.',default='true',negatable"`
	SkylakeFix             bool   `kong:"help='Skip the first LBR entries of each sample affected by the Skylake erratum.'"`
	Workers                int    `kong:"help='Number of goroutines folding samples.',default='1'"`

	// Address resolution:
	Binary            []string `kong:"help='ELF files whose function symbols resolve addresses.'"`
	Bias              uint64   `kong:"help='Load bias added to the symbols of --binary.',default='0'"`
	PerfMap           []string `kong:"help='JIT perf map files (/tmp/perf-<pid>.map) whose entries resolve addresses.'"`
	Kallsyms          string   `kong:"help='kallsyms file resolving kernel addresses, e.g. /proc/kallsyms. Only useful with --no-ignore-kernel-interrupts.'"`
	PID               int      `kong:"help='Resolve addresses against the executable mappings of this process.',default='0'"`
	ProcMaps          bool     `kong:"help='Read the mappings of --pid from /proc instead of recorded mmap events.'"`
	MmapEvents        []string `kong:"help='Files holding perf script --show-mmap-events or --show-task-events output, read in order.'"`
	ObjectSuffix      string   `kong:"help='Only resolve into mappings whose path ends with this suffix.'"`
	ResolverCacheSize int      `kong:"help='Number of resolved addresses to cache.',default='4096'"`

	// Output:
	Output string `kong:"help='Output file. Text output is gzip-compressed when it ends in .gz.',default='-'"`
	Format string `kong:"enum='text,pprof',help='Output format.',default='text'"`
}

func main() {
	flags := flags{}
	kong.Parse(&flags, kong.Vars{
		"default_kernel_base": "0x" + strconv.FormatUint(lbr.DefaultKernelBase, 16),
	})

	info, infoErr := buildinfo.Fetch()
	if flags.Version {
		if infoErr != nil {
			fmt.Fprintln(os.Stderr, infoErr)
			os.Exit(1)
		}
		fmt.Println(versionString(info))
		return
	}

	logger := logger.NewLogger(flags.LogLevel, flags.LogFormat, "lbr-aggregator")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector("lbr_aggregator"),
	)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Debug(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	if _, err := setMemoryLimit(logger, flags.MemlimitRatio); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMEMLIMIT automatically", "err", err)
	}

	if err := run(logger, reg, flags); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, reg *prometheus.Registry, flags flags) error {
	cfg := &config.Config{}
	if flags.ConfigPath != "" {
		cfgFile, err := config.LoadFile(flags.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		cfg = cfgFile
	}

	aggCfg, err := aggregatorConfig(flags, cfg)
	if err != nil {
		return err
	}
	format, err := report.ParseFormat(flags.Format)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runner *perfscript.Runner
	perfData := false
	if isStdin(flags.Input) {
		flags.Input = "-"
	} else if perfData, err = perfscript.IsPerfData(flags.Input); err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	if perfData {
		if runner, err = perfscript.NewRunner(logger, flags.PerfPath); err != nil {
			return err
		}
	}

	resolver, err := buildResolver(ctx, logger, flags, cfg, runner)
	if err != nil {
		return err
	}
	cache := resolve.NewCache(reg, resolver, flags.ResolverCacheSize)
	defer cache.Close()

	level.Debug(logger).Log("msg", "lbr-aggregator initialized",
		"version", version,
		"config", fmt.Sprintf("%+v", flags),
		"file_config", cfg.String(),
	)

	var g okrun.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: aggregation")
			defer level.Debug(logger).Log("msg", "stopped: aggregation")

			in, err := openInput(ctx, flags.Input, runner)
			if err != nil {
				return err
			}
			defer in.Close()

			agg := aggregate.NewAggregator(logger, reg, cache, aggCfg)
			rs, runErr := agg.Run(ctx, in)

			// The partial state is still written when the input broke off.
			if err := writeOutput(flags.Output, format, rs, cache); err != nil {
				return errors.Join(runErr, fmt.Errorf("failed to write output: %w", err))
			}
			return runErr
		}, func(error) {
			cancel()
		})
	}

	if flags.HTTPAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{
			Addr:              flags.HTTPAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting metrics server", "addr", flags.HTTPAddress)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	g.Add(okrun.SignalHandler(ctx, os.Interrupt))
	return g.Run()
}

func aggregatorConfig(flags flags, cfg *config.Config) (aggregate.Config, error) {
	dialect, err := lbr.ParseDialect(flags.Dialect)
	if err != nil {
		return aggregate.Config{}, err
	}
	var kernelBase config.Address
	if err := kernelBase.UnmarshalText([]byte(flags.KernelBase)); err != nil {
		return aggregate.Config{}, fmt.Errorf("--kernel-base: %w", err)
	}

	c := aggregate.Config{
		Parser: lbr.ParserOptions{
			Dialect:                dialect,
			IgnoreKernelInterrupts: flags.IgnoreKernelInterrupts,
			KernelBase:             uint64(kernelBase),
		},
		NeedsSkylakeFix: flags.SkylakeFix,
		Workers:         flags.Workers,
	}
	cfg.ApplyParserOptions(&c.Parser)
	if cfg.NeedsSkylakeFix != nil {
		c.NeedsSkylakeFix = *cfg.NeedsSkylakeFix
	}
	if cfg.Workers != nil {
		c.Workers = *cfg.Workers
	}
	return c, nil
}

// buildResolver chains the configured address resolvers. Every address
// resolves when none is configured.
func buildResolver(ctx context.Context, logger log.Logger, flags flags, cfg *config.Config, runner *perfscript.Runner) (resolve.Resolver, error) {
	var chain resolve.Chain

	if funcs := cfg.Functions(); len(funcs) > 0 {
		chain = append(chain, resolve.NewRanges(funcs...))
	}

	for _, path := range flags.Binary {
		r, err := resolve.NewELFResolver(path, flags.Bias)
		if err != nil {
			return nil, fmt.Errorf("failed to load symbols: %w", err)
		}
		level.Info(logger).Log("msg", "loaded function symbols", "path", path, "functions", r.Len())
		chain = append(chain, r)
	}

	for _, path := range flags.PerfMap {
		r, err := resolve.NewPerfMapResolver(logger, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read perf map: %w", err)
		}
		chain = append(chain, r)
	}

	if flags.Kallsyms != "" {
		r, err := resolve.NewKallsymsResolver(logger, flags.Kallsyms)
		if err != nil {
			return nil, fmt.Errorf("failed to read kernel symbols: %w", err)
		}
		chain = append(chain, r)
	}

	if flags.PID > 0 {
		r, err := mappingResolver(ctx, logger, flags, runner)
		if err != nil {
			return nil, err
		}
		chain = append(chain, r)
	}

	if len(chain) == 0 {
		level.Debug(logger).Log("msg", "no address resolver configured, every address resolves")
		return resolve.All, nil
	}
	return chain, nil
}

func mappingResolver(ctx context.Context, logger log.Logger, flags flags, runner *perfscript.Runner) (resolve.Resolver, error) {
	if flags.ProcMaps {
		fs, err := procfs.NewDefaultFS()
		if err != nil {
			return nil, err
		}
		return resolve.NewProcMapsResolver(fs, flags.PID, flags.ObjectSuffix)
	}

	tracker := process.NewTracker(logger)
	for _, path := range flags.MmapEvents {
		if err := readEventsFile(tracker, path); err != nil {
			return nil, err
		}
	}
	if len(flags.MmapEvents) == 0 && runner != nil {
		// Forks copy what the parent has mapped, so mmap events go first.
		for _, events := range []func(context.Context, string) (io.ReadCloser, error){runner.MmapEvents, runner.TaskEvents} {
			rc, err := events(ctx, flags.Input)
			if err != nil {
				return nil, err
			}
			err = tracker.ReadEvents(rc)
			if cerr := rc.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read perf events: %w", err)
			}
		}
	}

	ms := tracker.Mappings(flags.PID)
	if len(ms) == 0 {
		level.Warn(logger).Log("msg", "no executable mappings recorded for process", "pid", flags.PID)
	}
	return resolve.NewMappingResolver(tracker, flags.PID, flags.ObjectSuffix), nil
}

func readEventsFile(tracker *process.Tracker, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := tracker.ReadEvents(f); err != nil {
		return fmt.Errorf("failed to read events from %s: %w", path, err)
	}
	return nil
}

func isStdin(path string) bool {
	return path == "" || path == "-"
}

func openInput(ctx context.Context, path string, runner *perfscript.Runner) (io.ReadCloser, error) {
	switch {
	case isStdin(path):
		return io.NopCloser(os.Stdin), nil
	case runner != nil:
		return runner.Branches(ctx, path)
	default:
		return os.Open(path)
	}
}

func writeOutput(path string, format report.Format, rs *aggregate.RunState, resolver resolve.Resolver) error {
	if path == "-" {
		return report.Write(os.Stdout, format, rs, resolver, false)
	}
	return report.WriteFile(path, format, rs, resolver)
}

// versionString combines the release version with the VCS settings embedded
// at build time.
func versionString(info *buildinfo.Info) string {
	if commonversion.Version == "" {
		commonversion.Version = version
	}
	commonversion.Revision = info.Revision
	commonversion.BuildDate = info.Time
	return commonversion.Print("lbr-aggregator") + "\n  build:\t" + info.String()
}

// setMemoryLimit sets GOMEMLIMIT to ratio of the cgroup memory limit, or of
// the system memory outside a cgroup. The trace tables grow with the input,
// so the GC should work harder before the process is OOM killed.
func setMemoryLimit(logger log.Logger, ratio float64) (int64, error) {
	if ratio == 0 {
		return 0, nil
	}
	if ratio < 0 || ratio > 1 {
		return 0, fmt.Errorf("memory limit ratio must be in (0, 1], got %v", ratio)
	}

	limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(ratio),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)
	if err != nil {
		return 0, err
	}
	level.Debug(logger).Log("msg", "set GOMEMLIMIT", "limit", humanize.IBytes(uint64(limit)), "ratio", ratio)
	return limit, nil
}
