package selftest

import (
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// WriteTo renders the report as one line per case followed by a summary.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for _, res := range r.Results {
		status := "ok"
		if res.Err != nil {
			status = "FAIL"
		}
		fmt.Fprintf(buf, "%-4s %-28s %8d bytes x %d  %v", status, res.Name, res.ChunkSize, res.Copies, res.Duration)
		if res.Err != nil {
			fmt.Fprintf(buf, "  %v", res.Err)
		}
		buf.WriteByte('\n')
	}
	if s := r.Stream; s != nil {
		status := "ok"
		if s.Err != nil {
			status = "FAIL"
		}
		fmt.Fprintf(buf, "%-4s %-28s %d bytes in %d records, ring grew to %d  %v",
			status, "stream", s.Bytes, s.Records, s.Capacity, s.Duration)
		if s.Err != nil {
			fmt.Fprintf(buf, "  %v", s.Err)
		}
		buf.WriteByte('\n')
	}
	total := len(r.Results)
	if r.Stream != nil {
		total++
	}
	fmt.Fprintf(buf, "%d/%d checks passed\n", total-r.Failed(), total)

	return buf.WriteTo(w)
}
