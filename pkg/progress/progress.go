// Package progress renders one byte-progress view over the streams that
// feed an upload or a validation.
package progress

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

// NewBar builds the byte progress bar used across the pipelines.
func NewBar(total int64, description string) *progressbar.ProgressBar {
	return progressbar.DefaultBytes(total, description)
}

// Reader counts the bytes flowing through it into a shared bar. With
// raiseTotal set, the bar's total is re-raised whenever actual bytes pass
// it, so the displayed percentage never exceeds 100%.
type Reader struct {
	r          io.Reader
	bar        *progressbar.ProgressBar
	raiseTotal bool
	count      int64
}

// NewReader wraps r. bar may be nil when nothing should be rendered.
func NewReader(r io.Reader, bar *progressbar.ProgressBar, raiseTotal bool) *Reader {
	return &Reader{r: r, bar: bar, raiseTotal: raiseTotal}
}

func (cr *Reader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.count += int64(n)
		if cr.bar != nil {
			if cr.raiseTotal && cr.count > cr.bar.GetMax64() {
				cr.bar.ChangeMax64(cr.count)
			}
			cr.bar.Add(n) //nolint:errcheck // Why: rendering only
		}
	}
	return n, err
}

// Count reports how many bytes have flowed through so far.
func (cr *Reader) Count() int64 {
	return cr.count
}
