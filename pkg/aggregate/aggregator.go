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

package aggregate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/lbr-aggregator/pkg/hash"
	"github.com/parca-dev/lbr-aggregator/pkg/lbr"
	"github.com/parca-dev/lbr-aggregator/pkg/resolve"
	"github.com/parca-dev/lbr-aggregator/pkg/trace"
)

const defaultBatchSize = 256

// ErrInput wraps failures of the input source. They abort a run.
var ErrInput = errors.New("reading input")

type Config struct {
	Parser          lbr.ParserOptions
	NeedsSkylakeFix bool
	// Workers > 1 shards samples by PID across that many goroutines.
	Workers   int
	BatchSize int
}

type metrics struct {
	samplesParsed    prometheus.Counter
	samplesMalformed prometheus.Counter
	samplesNoLBR     prometheus.Counter
	entries          prometheus.Counter
	traces           prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	samples := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbr_aggregator_samples_total",
			Help: "Total number of branch samples read, by parse result.",
		},
		[]string{"result"},
	)
	return &metrics{
		samplesParsed:    samples.WithLabelValues("parsed"),
		samplesMalformed: samples.WithLabelValues("malformed"),
		samplesNoLBR:     samples.WithLabelValues("no_lbr"),
		entries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lbr_aggregator_entries_total",
			Help: "Total number of LBR entries kept after filtering.",
		}),
		traces: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lbr_aggregator_traces_total",
			Help: "Total number of fall-through traces reconstructed.",
		}),
	}
}

// Aggregator turns perf script branch output into trace tables.
type Aggregator struct {
	logger  log.Logger
	metrics *metrics

	parser  *lbr.Parser
	builder *trace.Builder

	workers   int
	batchSize int
}

func NewAggregator(logger log.Logger, reg prometheus.Registerer, resolver resolve.Resolver, cfg Config) *Aggregator {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Aggregator{
		logger:    logger,
		metrics:   newMetrics(reg),
		parser:    lbr.NewParser(cfg.Parser),
		builder:   trace.NewBuilder(resolver, cfg.NeedsSkylakeFix),
		workers:   workers,
		batchSize: batchSize,
	}
}

type line struct {
	no   int
	text string
}

// Run consumes r until EOF. Malformed lines are counted and skipped. A read
// error aborts the run; the state accumulated up to that point is returned
// together with the error.
func (a *Aggregator) Run(ctx context.Context, r io.Reader) (*RunState, error) {
	start := time.Now()

	hr, err := hash.NewReader(r)
	if err != nil {
		return NewRunState(), fmt.Errorf("create input hash: %w", err)
	}

	var rs *RunState
	if a.workers == 1 {
		rs = NewRunState()
		err = a.readLines(ctx, hr, func(l line) error {
			a.process(rs, l)
			return nil
		})
	} else {
		rs, err = a.runSharded(ctx, hr)
	}

	c := rs.Counters
	logger := log.With(a.logger,
		"samples", c.TotalSamples,
		"entries", c.TotalEntries,
		"no_lbr", c.SamplesWithNoLBR,
		"traces", c.TotalTraces,
		"errors", c.ParseErrors,
		"input_size", humanize.Bytes(hr.Size()),
		"input_hash", fmt.Sprintf("%016x", hr.Sum64()),
		"duration", time.Since(start),
	)
	if err != nil {
		level.Error(logger).Log("msg", "branch aggregation aborted", "err", err)
		return rs, err
	}
	if c.ParseErrors > 0 {
		level.Warn(logger).Log("msg", "some samples failed to be parsed, run with debug logging to see them")
	}
	level.Info(logger).Log("msg", "branch aggregation finished")
	return rs, nil
}

func (a *Aggregator) readLines(ctx context.Context, r io.Reader, f func(line) error) error {
	br := bufio.NewReader(r)
	no := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		text, err := br.ReadString('\n')
		// A failed read may leave a truncated line behind; it is not a sample.
		if len(text) > 0 && (err == nil || errors.Is(err, io.EOF)) {
			no++
			if lbr.IsBranchRecord(text) {
				if ferr := f(line{no: no, text: text}); ferr != nil {
					return ferr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: line %d: %w", ErrInput, no+1, err)
		}
	}
}

func (a *Aggregator) process(rs *RunState, l line) {
	s, err := a.parser.ParseSample(l.text)
	if err != nil {
		rs.RecordParseError()
		a.metrics.samplesMalformed.Inc()
		level.Debug(a.logger).Log("msg", "failed to parse branch sample", "line", l.no, "err", err)
		return
	}

	d := a.builder.Build(s)
	rs.Fold(s, d)

	a.metrics.samplesParsed.Inc()
	if len(s.Entries) == 0 {
		a.metrics.samplesNoLBR.Inc()
	}
	a.metrics.entries.Add(float64(len(s.Entries)))
	a.metrics.traces.Add(float64(d.NumTraces))
}

// runSharded hands lines to workers by PID so that the samples of a process
// are folded by the same worker, then merges the per-worker states.
func (a *Aggregator) runSharded(ctx context.Context, r io.Reader) (*RunState, error) {
	states := make([]*RunState, a.workers)
	chans := make([]chan []line, a.workers)
	for i := range chans {
		states[i] = NewRunState()
		chans[i] = make(chan []line, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range chans {
		i := i
		g.Go(func() error {
			for batch := range chans[i] {
				for _, l := range batch {
					a.process(states[i], l)
				}
			}
			return nil
		})
	}

	var readErr error
	g.Go(func() error {
		defer func() {
			for _, ch := range chans {
				close(ch)
			}
		}()

		// Workers drain their channel until it is closed, so sends never
		// block for good, even after a read error or cancellation.
		batches := make([][]line, a.workers)
		send := func(i int) {
			if len(batches[i]) == 0 {
				return
			}
			chans[i] <- batches[i]
			batches[i] = make([]line, 0, a.batchSize)
		}

		readErr = a.readLines(gctx, r, func(l line) error {
			i := a.shard(l.text)
			batches[i] = append(batches[i], l)
			if len(batches[i]) >= a.batchSize {
				send(i)
			}
			return nil
		})
		// Lines read before a failure still belong to the partial state.
		for i := range batches {
			send(i)
		}
		return readErr
	})

	err := g.Wait()

	rs := NewRunState()
	for _, s := range states {
		rs.Merge(s)
	}
	if readErr != nil {
		err = readErr
	}
	return rs, err
}

func (a *Aggregator) shard(text string) int {
	pid := strings.TrimSpace(text)
	if i := strings.IndexAny(pid, " \t"); i != -1 {
		pid = pid[:i]
	}
	return int(xxhash.Sum64String(pid) % uint64(a.workers))
}
