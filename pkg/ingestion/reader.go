package ingestion

import (
	"bytes"
	"context"
	"errors"
	"io"
)

const readChunkSize = 32 * 1024

// ReadWithProgress reads r to EOF and reports percent complete on progress.
// Reported values never decrease and the last one sent on success is 100.
// A size of zero or less means unknown; only the final 100 is reported.
// progress may be nil.
func ReadWithProgress(ctx context.Context, r io.Reader, size int64, progress chan<- int) ([]byte, error) {
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}

	last := -1
	report := func(pct int) error {
		if progress == nil || pct <= last {
			return nil
		}
		select {
		case progress <- pct:
			last = pct
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	chunk := make([]byte, readChunkSize)
	var read int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			read += int64(n)
			if size > 0 {
				pct := int(read * 100 / size)
				if pct > 99 {
					pct = 99
				}
				if rerr := report(pct); rerr != nil {
					return nil, rerr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	if err := report(100); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
