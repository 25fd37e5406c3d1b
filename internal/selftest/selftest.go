// Package selftest drives the mirror and queue packages the way an external
// caller would and reports whether mirrored memory behaves as promised on
// this host.
package selftest

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/mirror-ring/internal/logging"
	"github.com/srediag/mirror-ring/pkg/mirror"
)

var internalLogger = logging.New("selftest", nil)

// Config configures Run.
type Config struct {
	// Workers is the size of the goroutine pool running cases concurrently.
	Workers int
	// Rounds repeats the whole matrix.
	Rounds int
	// MinCopies and MaxCopies bound the copy counts tried, inclusive.
	MinCopies int
	MaxCopies int
	// PageMultiples lists chunk sizes in pages.
	PageMultiples []int
	// StreamBytes is the payload pushed through the streaming check. Zero skips it.
	StreamBytes int
	// Seed makes payloads reproducible.
	Seed uint64
}

// DefaultConfig mirrors the classic matrix: 2..9 copies of 1, 2, 10 and 100 pages.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		Rounds:        1,
		MinCopies:     2,
		MaxCopies:     9,
		PageMultiples: []int{1, 2, 10, 100},
		StreamBytes:   8 << 20,
		Seed:          1,
	}
}

// Result is the outcome of one matrix case.
type Result struct {
	Name      string
	Copies    int
	ChunkSize int
	Duration  time.Duration
	Err       error
}

// Report collects every result of a run.
type Report struct {
	Results []Result
	Stream  *StreamResult
}

// Failed returns the number of failed cases, the streaming check included.
func (r *Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	if r.Stream != nil && r.Stream.Err != nil {
		n++
	}
	return n
}

// Run executes the matrix on a worker pool and then the streaming check.
// It returns an error only when the harness itself cannot run; case
// failures are recorded in the Report.
func Run(ctx context.Context, alloc *mirror.Allocator, cfg Config) (*Report, error) {
	if alloc == nil {
		alloc = mirror.DefaultAllocator()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Rounds <= 0 {
		cfg.Rounds = 1
	}
	if cfg.MinCopies < 2 || cfg.MaxCopies < cfg.MinCopies {
		return nil, fmt.Errorf("selftest: invalid copy range [%d, %d]", cfg.MinCopies, cfg.MaxCopies)
	}

	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("selftest: worker pool: %w", err)
	}
	defer pool.Release()

	results := cmap.New[Result]()
	ps := mirror.PageSize()
	var wg sync.WaitGroup
	for round := 0; round < cfg.Rounds; round++ {
		for copies := cfg.MinCopies; copies <= cfg.MaxCopies; copies++ {
			for _, pages := range cfg.PageMultiples {
				if err := ctx.Err(); err != nil {
					wg.Wait()
					return nil, err
				}
				name := fmt.Sprintf("round=%d/copies=%d/pages=%d", round, copies, pages)
				seed := cfg.Seed + uint64(round)<<32 + uint64(copies)<<16 + uint64(pages)
				c := matrixCase{name: name, copies: copies, chunkSize: pages * ps, seed: seed}
				wg.Add(1)
				err := pool.Submit(func() {
					defer wg.Done()
					res := runCase(alloc, c)
					if res.Err != nil {
						internalLogger.Errorf("%s: %v", res.Name, res.Err)
					}
					results.Set(res.Name, res)
				})
				if err != nil {
					wg.Done()
					wg.Wait()
					return nil, fmt.Errorf("selftest: submit %s: %w", name, err)
				}
			}
		}
	}
	wg.Wait()

	report := &Report{Results: make([]Result, 0, results.Count())}
	for _, res := range results.Items() {
		report.Results = append(report.Results, res)
	}
	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].Name < report.Results[j].Name
	})

	if cfg.StreamBytes > 0 {
		report.Stream = RunStream(ctx, alloc, cfg.StreamBytes, cfg.Seed)
	}
	return report, nil
}

type matrixCase struct {
	name      string
	copies    int
	chunkSize int
	seed      uint64
}

// runCase writes random bytes through chunk 0 and checks chunk j, then
// writes through chunk j and checks chunk 0, for every j.
func runCase(alloc *mirror.Allocator, c matrixCase) (res Result) {
	start := time.Now()
	res = Result{Name: c.name, Copies: c.copies, ChunkSize: c.chunkSize}
	defer func() { res.Duration = time.Since(start) }()

	r, err := alloc.Allocate(c.chunkSize, c.copies)
	if err != nil {
		res.Err = err
		return res
	}
	defer func() {
		if err := r.Release(); err != nil && res.Err == nil {
			res.Err = err
		}
	}()

	rng := rand.New(rand.NewPCG(c.seed, c.seed^0x9e3779b97f4a7c15))
	first := r.Chunk(0)
	for j := 0; j < c.copies; j++ {
		other := r.Chunk(j)
		fillRandom(rng, first)
		if !bytes.Equal(first, other) {
			res.Err = fmt.Errorf("writing to chunk 0 did not update chunk %d", j)
			break
		}
		fillRandom(rng, other)
		if !bytes.Equal(first, other) {
			res.Err = fmt.Errorf("writing to chunk %d did not update chunk 0", j)
			break
		}
	}
	return res
}

func fillRandom(rng *rand.Rand, b []byte) {
	for len(b) >= 8 {
		v := rng.Uint64()
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		b = b[8:]
	}
	for i := range b {
		b[i] = byte(rng.Uint32())
	}
}
