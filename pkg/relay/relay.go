// Package relay implements bidirectional_copy: given two duplex byte
// streams, copy each direction until EOF or error, propagating EOF to the
// peer by shutting down its write half.
package relay

import (
	"io"

	"golang.org/x/sync/errgroup"
)

// HalfCloser is implemented by streams that can shut down their write half
// independently of a full Close, to propagate EOF without severing the
// still-open read half.
type HalfCloser interface {
	CloseWrite() error
}

// Result reports the byte counts moved in each direction.
type Result struct {
	AToB int64
	BToA int64
}

// Copy runs two logical half-duplex copies, A->B and B->A, concurrently.
// Each half reads until EOF or error, writes to the other side, then shuts
// down the peer's write half. Copy returns once both halves complete. An
// error on one half does not abort the other; both are given the chance to
// drain before Copy returns the first error observed, if any.
func Copy(a, b io.ReadWriter) (Result, error) {
	var result Result
	var g errgroup.Group

	g.Go(func() error {
		n, err := io.Copy(b, a)
		result.AToB = n
		shutdownWrite(b)
		return err
	})
	g.Go(func() error {
		n, err := io.Copy(a, b)
		result.BToA = n
		shutdownWrite(a)
		return err
	})

	err := g.Wait()
	return result, err
}

func shutdownWrite(w io.Writer) {
	if hc, ok := w.(HalfCloser); ok {
		_ = hc.CloseWrite()
	}
}
