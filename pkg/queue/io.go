package queue

import (
	"errors"
	"io"

	"github.com/srediag/mirror-ring/pkg/mirror"
)

var errNegativeRead = errors.New("queue: reader returned negative count from Read")

// ReadFrom reads from r straight into the free space until io.EOF, growing
// the queue a page at a time. It stops with an error wrapping ErrNoSpace
// when the queue is full and cannot grow.
func (q *Queue) ReadFrom(r io.Reader) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.region == nil {
		return 0, ErrClosed
	}
	minRead := mirror.PageSize()
	var total int64
	for {
		if free := q.capacity - q.used; free < minRead {
			if err := q.ensure(minRead); err != nil && free == 0 {
				return total, err
			}
		}
		m, err := r.Read(q.Writable())
		if m < 0 {
			panic(errNegativeRead)
		}
		q.AdvanceWritePointer(m)
		total += int64(m)
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// WriteTo drains the queue into w with one Write call per contiguous run.
func (q *Queue) WriteTo(w io.Writer) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.region == nil {
		return 0, ErrClosed
	}
	var total int64
	for q.used > 0 {
		p := q.Readable()
		m, err := w.Write(p)
		if m < 0 || m > len(p) {
			panic("queue: invalid Write count")
		}
		q.AdvanceReadPointer(m)
		total += int64(m)
		if err != nil {
			return total, err
		}
		if m != len(p) {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}
