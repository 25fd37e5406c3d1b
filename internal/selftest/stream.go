package selftest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/cespare/xxhash/v2"

	"github.com/srediag/mirror-ring/api"
	"github.com/srediag/mirror-ring/pkg/mirror"
	"github.com/srediag/mirror-ring/pkg/queue"
)

const (
	maxRecord       = 16 << 10
	pendingRecords  = 64
	streamQueueSize = 4 << 10
)

// StreamResult is the outcome of the streaming check.
type StreamResult struct {
	Bytes    int
	Records  int
	Capacity int
	Duration time.Duration
	Err      error
}

// record describes one write made by the producer.
type record struct {
	seq  int
	size int
	sum  uint64
}

// RunStream pushes total bytes of random records through a small Queue from
// one goroutine while another drains it, and checks every record against the
// checksum the producer computed. The queue starts tiny so that it grows
// while data wraps around its end.
func RunStream(ctx context.Context, alloc *mirror.Allocator, total int, seed uint64) *StreamResult {
	start := time.Now()
	res := &StreamResult{}
	q, err := queue.New(&queue.Config{
		InitialCapacity: streamQueueSize,
		Allocator:       alloc,
	})
	if err != nil {
		res.Err = err
		return res
	}
	defer func() {
		if err := q.Close(); err != nil && res.Err == nil {
			res.Err = err
		}
	}()

	pending := queuepkg.NewRingBuffer(pendingRecords)
	produced := make(chan error, 1)
	go func() {
		err := produce(ctx, q, pending, total, seed)
		if err != nil {
			pending.Dispose()
		}
		produced <- err
	}()

	res.Bytes, res.Records, err = consume(ctx, q, pending, total)
	if err != nil {
		pending.Dispose()
	}
	if perr := <-produced; perr != nil && err == nil {
		err = perr
	}
	res.Err = err
	res.Capacity = q.Capacity()
	res.Duration = time.Since(start)
	return res
}

func produce(ctx context.Context, w api.Ring, pending *queuepkg.RingBuffer, total int, seed uint64) error {
	rng := rand.New(rand.NewPCG(seed, ^seed))
	buf := make([]byte, maxRecord)
	for seq, sent := 0, 0; sent < total; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(1+rng.IntN(maxRecord), total-sent)
		p := buf[:n]
		fillRandom(rng, p)
		if _, err := w.Write(p); err != nil {
			return fmt.Errorf("write record %d: %w", seq, err)
		}
		if err := pending.Put(record{seq: seq, size: n, sum: xxhash.Sum64(p)}); err != nil {
			return fmt.Errorf("publish record %d: %w", seq, err)
		}
		sent += n
	}
	return nil
}

func consume(ctx context.Context, r api.Ring, pending *queuepkg.RingBuffer, total int) (int, int, error) {
	buf := make([]byte, maxRecord)
	received, records := 0, 0
	for received < total {
		if err := ctx.Err(); err != nil {
			return received, records, err
		}
		item, err := pending.Poll(time.Second)
		if errors.Is(err, queuepkg.ErrTimeout) {
			continue
		}
		if err != nil {
			return received, records, fmt.Errorf("wait for record: %w", err)
		}
		rec := item.(record)
		p := buf[:rec.size]
		// the record was written before it was published
		if _, err := io.ReadFull(r, p); err != nil {
			return received, records, fmt.Errorf("read record %d: %w", rec.seq, err)
		}
		if sum := xxhash.Sum64(p); sum != rec.sum {
			return received, records, fmt.Errorf("record %d: checksum %x, want %x", rec.seq, sum, rec.sum)
		}
		received += rec.size
		records++
	}
	if n := r.AvailableBytes(); n != 0 {
		return received, records, fmt.Errorf("%d bytes left over after the last record", n)
	}
	return received, records, nil
}
