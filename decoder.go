package socket

import (
	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// textDecoder turns inbound chunks in a charset into UTF-8.
// Bytes of a character split across chunks are held until the rest arrives.
type textDecoder struct {
	t       transform.Transformer
	pending []byte
	scratch []byte
}

func newTextDecoder(enc encoding.Encoding) *textDecoder {
	return &textDecoder{
		t:       enc.NewDecoder(),
		scratch: make([]byte, 4096),
	}
}

// reset drops any partial character, for use when the connection changes.
func (d *textDecoder) reset() {
	if d == nil {
		return
	}
	d.pending = nil
	d.t.Reset()
}

func (d *textDecoder) decode(chunk []byte) ([]byte, error) {
	src := chunk
	if len(d.pending) > 0 {
		src = append(d.pending, chunk...)
		d.pending = nil
	}

	out := make([]byte, 0, len(src))
	for len(src) > 0 {
		nDst, nSrc, err := d.t.Transform(d.scratch, src, false)
		out = append(out, d.scratch[:nDst]...)
		src = src[nSrc:]

		switch {
		case err == nil:
			if nSrc == 0 {
				d.pending = append([]byte(nil), src...)
				return out, nil
			}
		case errors.Is(err, transform.ErrShortDst):
		case errors.Is(err, transform.ErrShortSrc):
			d.pending = append([]byte(nil), src...)
			return out, nil
		default:
			return nil, errors.Wrap(err, "decode inbound text")
		}
	}
	return out, nil
}

// encodeText converts UTF-8 text to enc for writing to the wire.
func encodeText(enc encoding.Encoding, s string) ([]byte, error) {
	b, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, errors.Wrap(err, "encode outgoing text")
	}
	return b, nil
}

// lookupCharset resolves a WHATWG charset label such as "utf-8" or "latin1".
func lookupCharset(name string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, errors.Wrapf(ErrUnknownCharset, "%q", name)
	}
	return enc, nil
}
