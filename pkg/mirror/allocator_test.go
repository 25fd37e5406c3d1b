package mirror

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"testing"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/mirror-ring/internal/shm"
	"github.com/srediag/mirror-ring/pkg/telemetry"
)

func skipUnlessMirrorable(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skipf("mirrored regions are not implemented on %s", runtime.GOOS)
	}
}

// faultyVM wraps the host VM and injects failures into Reserve and Alias.
type faultyVM struct {
	shm.VM

	mu         sync.Mutex
	reserveErr error
	failAlias  func(n int) error
	reserves   int
	aliases    int
	released   []int
}

func (f *faultyVM) Reserve(size, span int) (*shm.Segment, error) {
	f.mu.Lock()
	f.reserves++
	err := f.reserveErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.VM.Reserve(size, span)
}

func (f *faultyVM) Alias(seg *shm.Segment, at unsafe.Pointer) error {
	f.mu.Lock()
	f.aliases++
	n := f.aliases
	fail := f.failAlias
	f.mu.Unlock()
	if fail != nil {
		if err := fail(n); err != nil {
			return err
		}
	}
	return f.VM.Alias(seg, at)
}

func (f *faultyVM) Release(addr unsafe.Pointer, length int) error {
	f.mu.Lock()
	f.released = append(f.released, length)
	f.mu.Unlock()
	return f.VM.Release(addr, length)
}

func metricValue(t *testing.T, m *telemetry.Metrics, name string) float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(m))
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var sum float64
		for _, mm := range f.GetMetric() {
			sum += value(mm)
		}
		return sum
	}
	return 0
}

func value(m *dto.Metric) float64 {
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}

type AllocatorTestSuite struct {
	suite.Suite
	ps int
}

func (s *AllocatorTestSuite) SetupSuite() {
	skipUnlessMirrorable(s.T())
	s.ps = PageSize()
}

func (s *AllocatorTestSuite) TestRejectsInvalidArguments() {
	cases := []struct {
		name      string
		chunkSize int
		copies    int
	}{
		{"zero size", 0, 2},
		{"negative size", -s.ps, 2},
		{"unaligned size", s.ps + 1, 2},
		{"half page", s.ps / 2, 2},
		{"one copy", s.ps, 1},
		{"zero copies", s.ps, 0},
		{"overflow", s.ps, int(^uint(0) >> 1)},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			vm := &faultyVM{VM: shm.Host()}
			a := NewAllocator(withVM(vm))
			r, err := a.Allocate(tc.chunkSize, tc.copies)
			s.Nil(r)
			s.ErrorIs(err, ErrInvalidArgument)
			s.Zero(vm.reserves, "no OS call may happen for invalid arguments")
		})
	}
}

func (s *AllocatorTestSuite) TestMirroringMatrix() {
	rng := rand.New(rand.NewPCG(1, 2))
	for copies := 2; copies < 10; copies++ {
		for _, pages := range []int{1, 2, 10, 100} {
			size := pages * s.ps
			s.Run(fmt.Sprintf("copies=%d/pages=%d", copies, pages), func() {
				r, err := Allocate(size, copies)
				s.Require().NoError(err)
				defer func() { s.NoError(r.Release()) }()
				s.Equal(size*copies, len(r.Bytes()))

				first := r.Chunk(0)
				for j := 0; j < copies; j++ {
					other := r.Chunk(j)
					fill(rng, first)
					s.True(bytes.Equal(first, other), "write to chunk 0 not visible in chunk %d", j)
					fill(rng, other)
					s.True(bytes.Equal(first, other), "write to chunk %d not visible in chunk 0", j)
				}
			})
		}
	}
}

func (s *AllocatorTestSuite) TestSingleByteWritesAreMirrored() {
	const copies = 4
	r, err := Allocate(2*s.ps, copies)
	s.Require().NoError(err)
	defer func() { s.NoError(r.Release()) }()

	mem := r.Bytes()
	for _, off := range []int{0, 1, s.ps - 1, s.ps, 2*s.ps - 1} {
		for i := 0; i < copies; i++ {
			v := byte(off + i + 1)
			mem[i*r.ChunkSize()+off] = v
			for j := 0; j < copies; j++ {
				s.Equal(v, mem[j*r.ChunkSize()+off], "offset %d chunk %d after write to chunk %d", off, j, i)
			}
		}
	}
}

func (s *AllocatorTestSuite) TestLastChunkUpdatesFirst() {
	r, err := Allocate(s.ps, 5)
	s.Require().NoError(err)
	defer func() { s.NoError(r.Release()) }()

	copy(r.Chunk(4), "from the end")
	s.Equal("from the end", string(r.Chunk(0)[:12]))
	copy(r.Chunk(0), "from the top")
	s.Equal("from the top", string(r.Chunk(4)[:12]))
}

func (s *AllocatorTestSuite) TestThreeCopiesScenario() {
	r, err := Allocate(s.ps, 3)
	s.Require().NoError(err)
	defer func() { s.NoError(r.Release()) }()

	mem := r.Bytes()
	copy(mem, []byte{1, 2, 3})
	s.Equal([]byte{1, 2, 3}, mem[s.ps:s.ps+3])
	s.Equal([]byte{1, 2, 3}, mem[2*s.ps:2*s.ps+3])
	s.Equal(uintptr(r.Base()), uintptr(unsafe.Pointer(&mem[0])))
}

func (s *AllocatorTestSuite) TestReleaseTwice() {
	r, err := Allocate(s.ps, 2)
	s.Require().NoError(err)
	s.Require().NoError(r.Release())
	s.ErrorIs(r.Release(), ErrReleased)
	s.Nil(r.Bytes())
}

func (s *AllocatorTestSuite) TestChunkOutOfRangePanics() {
	r, err := Allocate(s.ps, 2)
	s.Require().NoError(err)
	defer func() { s.NoError(r.Release()) }()
	s.Panics(func() { r.Chunk(2) })
	s.Panics(func() { r.Chunk(-1) })
}

func (s *AllocatorTestSuite) TestCollisionIsRetried() {
	vm := &faultyVM{VM: shm.Host()}
	// second alias of the first attempt and first alias of the second attempt collide
	vm.failAlias = func(n int) error {
		if n == 2 || n == 3 {
			return shm.ErrCollision
		}
		return nil
	}
	m, err := telemetry.NewMetrics(nil)
	s.Require().NoError(err)
	a := NewAllocator(withVM(vm), WithMetrics(m))

	r, err := a.Allocate(s.ps, 3)
	s.Require().NoError(err)
	s.Equal(3, vm.reserves)
	s.Equal(5, vm.aliases)
	s.Equal([]int{2 * s.ps, 2 * s.ps, 2 * s.ps, s.ps, 2 * s.ps}, vm.released,
		"each attempt punches the tail; collisions roll back only the mapped chunks")
	s.Equal(2.0, metricValue(s.T(), m, "mirror_ring_collisions_total"))
	s.Equal(float64(3*s.ps), metricValue(s.T(), m, "mirror_ring_mapped_bytes"))

	mem := r.Bytes()
	mem[5] = 42
	s.Equal(byte(42), mem[s.ps+5])
	s.Equal(byte(42), mem[2*s.ps+5])
	s.Require().NoError(r.Release())
	s.Zero(metricValue(s.T(), m, "mirror_ring_mapped_bytes"))
}

func (s *AllocatorTestSuite) TestFatalAliasErrorReleasesPartialRegion() {
	boom := errors.New("boom")
	vm := &faultyVM{VM: shm.Host()}
	vm.failAlias = func(n int) error {
		if n == 3 {
			return boom
		}
		return nil
	}
	a := NewAllocator(withVM(vm))

	r, err := a.Allocate(s.ps, 4)
	s.Nil(r)
	s.ErrorIs(err, ErrOutOfMemory)
	s.ErrorIs(err, boom)
	s.Equal(1, vm.reserves, "fatal errors are not retried")
	s.Equal([]int{3 * s.ps, 3 * s.ps}, vm.released)
}

func (s *AllocatorTestSuite) TestReserveFailure() {
	vm := &faultyVM{VM: shm.Host(), reserveErr: errors.New("no memory")}
	a := NewAllocator(withVM(vm))
	_, err := a.Allocate(s.ps, 2)
	s.ErrorIs(err, ErrOutOfMemory)
	s.Equal(1, vm.reserves)
	s.Empty(vm.released)
}

func (s *AllocatorTestSuite) TestConcurrentAllocations() {
	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				r, err := Allocate((1+i%3)*s.ps, 2+w%4)
				if err != nil {
					errs <- err
					return
				}
				mem := r.Bytes()
				mem[0] = byte(w)
				if mem[r.Len()-r.ChunkSize()] != byte(w) {
					errs <- fmt.Errorf("worker %d: last chunk does not mirror chunk 0", w)
					_ = r.Release()
					return
				}
				if err := r.Release(); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}
}

func TestAllocatorTestSuite(t *testing.T) {
	suite.Run(t, new(AllocatorTestSuite))
}

func TestPageSizeIsCached(t *testing.T) {
	var wg sync.WaitGroup
	sizes := make([]int, 16)
	for i := range sizes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sizes[i] = PageSize()
		}(i)
	}
	wg.Wait()
	for _, ps := range sizes {
		assert.Equal(t, sizes[0], ps)
	}
	assert.Greater(t, sizes[0], 0)
}

func fill(rng *rand.Rand, b []byte) {
	for i := range b {
		b[i] = byte(rng.Uint32())
	}
}
