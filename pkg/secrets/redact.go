package secrets

import (
	"bytes"
	"io"
	"sort"
	"strings"
)

// Mask replaces secret values in captured output.
const Mask = "***"

// Redact replaces every occurrence of each value in s with the mask.
func Redact(s string, values []string) string {
	for _, v := range sortedValues(values) {
		s = strings.ReplaceAll(s, v, Mask)
	}
	return s
}

// Redactor is an io.Writer that masks exact secret values in the stream,
// including values split across Write calls. Call Flush once the stream
// ends to release any held-back tail.
type Redactor struct {
	w       io.Writer
	values  [][]byte
	pending []byte
}

func NewRedactor(w io.Writer, values []string) *Redactor {
	sorted := sortedValues(values)
	bs := make([][]byte, 0, len(sorted))
	for _, v := range sorted {
		bs = append(bs, []byte(v))
	}
	return &Redactor{w: w, values: bs}
}

func (r *Redactor) Write(p []byte) (int, error) {
	if len(r.values) == 0 {
		return r.w.Write(p)
	}

	r.pending = append(r.pending, p...)
	r.mask()

	// hold back any tail that could be the start of a secret value
	hold := r.holdback()
	emit := len(r.pending) - hold
	if emit > 0 {
		if _, err := r.w.Write(r.pending[:emit]); err != nil {
			return len(p), err
		}
		r.pending = append(r.pending[:0], r.pending[emit:]...)
	}
	return len(p), nil
}

// Flush masks and writes out anything still pending.
func (r *Redactor) Flush() error {
	if len(r.pending) == 0 {
		return nil
	}
	r.mask()
	_, err := r.w.Write(r.pending)
	r.pending = r.pending[:0]
	return err
}

func (r *Redactor) mask() {
	for _, v := range r.values {
		r.pending = bytes.ReplaceAll(r.pending, v, []byte(Mask))
	}
}

// holdback returns the length of the longest suffix of pending that is a
// proper prefix of any secret value.
func (r *Redactor) holdback() int {
	max := 0
	for _, v := range r.values {
		if len(v)-1 > max {
			max = len(v) - 1
		}
	}
	if max > len(r.pending) {
		max = len(r.pending)
	}
	for k := max; k > 0; k-- {
		suffix := r.pending[len(r.pending)-k:]
		for _, v := range r.values {
			if bytes.HasPrefix(v, suffix) {
				return k
			}
		}
	}
	return 0
}

// longest first, so values containing other values mask cleanly
func sortedValues(values []string) []string {
	sorted := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			sorted = append(sorted, v)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i]) > len(sorted[j])
	})
	return sorted
}
