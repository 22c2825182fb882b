// Package wire implements the codec adapter of spec.md §4.1: it frames
// MessagePack values into and out of a streaming byte buffer. It is the
// concrete Codec the rest of the module programs against through the
// msgpackrpc.Codec interface; the byte-level MessagePack format itself
// is treated as an external dependency (spec.md §1), here
// github.com/vmihailenco/msgpack/v5.
package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec implements msgpackrpc.Codec. A Codec is not safe for concurrent
// use from multiple goroutines without external synchronization — same
// contract as birpc.Codec's WriteMessage note, except here the caller
// (the owning Engine/transport, which already serializes per
// connection per spec.md §5) is expected to provide it.
type Codec struct {
	useList bool

	buf bytes.Buffer
}

// Option configures a Codec.
type Option func(*Codec)

// WithTupleArrays makes decoded arrays come back as an immutable Tuple
// instead of a plain []interface{} (spec.md §4.1 "configurable between
// an immutable tuple-like and a mutable list-like representation;
// default: list-like"). Top-level message frames are always decoded as
// []interface{} regardless of this option — it only affects arrays
// nested inside params/result.
func WithTupleArrays() Option {
	return func(c *Codec) { c.useList = false }
}

// New creates a Codec. The default decodes nested arrays as mutable
// []interface{} (useList=true in spec.md §6 terms).
func New(opts ...Option) *Codec {
	c := &Codec{useList: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode packs v (always a 3- or 4-element []interface{} message tuple,
// by construction of the engine) into MessagePack bytes. A failed encode
// never poisons the Codec: the only state Encode touches is a throwaway
// buffer local to this call.
func (c *Codec) Encode(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode failed: %w", err)
	}
	return data, nil
}

// Feed appends data to the internal accumulator and decodes every
// MessagePack value that is now fully present, in arrival order. A
// partial trailing value is left buffered for the next Feed call, the
// "lazy, non-restartable sequence" of spec.md §4.1.
func (c *Codec) Feed(data []byte) ([]interface{}, error) {
	c.buf.Write(data)

	var out []interface{}
	for {
		if c.buf.Len() == 0 {
			return out, nil
		}

		r := bytes.NewReader(c.buf.Bytes())
		before := r.Len()

		dec := msgpack.NewDecoder(r)
		dec.UseInternedStrings(true)

		v, err := decodeOne(dec)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// Not enough bytes yet for a full value; wait
				// for the next Feed call.
				return out, nil
			}
			// A genuine decode error poisons only the buffered
			// bytes that caused it; reset so a later, well-formed
			// message isn't blocked behind garbage forever.
			c.buf.Reset()
			return out, fmt.Errorf("wire: decode failed: %w", err)
		}

		consumed := before - r.Len()
		c.buf.Next(consumed)
		out = append(out, c.normalizeDecoded(v, 0))
	}
}

func decodeOne(dec *msgpack.Decoder) (interface{}, error) {
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Tuple is the immutable-flavored array representation selected by
// WithTupleArrays (spec.md §4.1 "configurable between an immutable
// tuple-like and a mutable list-like representation"). It adds no mutator
// methods, only positional read access via At/Len; being a slice type,
// its elements can still be assigned by index.
type Tuple []interface{}

// At returns the i'th element.
func (t Tuple) At(i int) interface{} { return t[i] }

// Len returns the number of elements.
func (t Tuple) Len() int { return len(t) }

// normalizeDecoded walks a decoded value, converting nested MessagePack
// arrays ([]interface{}) to the configured representation. depth is 0
// for the outermost message frame and 1 for its elements (the params or
// result slot); arrays at those two depths stay []interface{}
// regardless of useList so the engine's tag/arity/params checks keep
// working.
func (c *Codec) normalizeDecoded(v interface{}, depth int) interface{} {
	switch val := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = c.normalizeDecoded(e, depth+1)
		}
		if depth > 1 && !c.useList {
			return Tuple(out)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[k] = c.normalizeDecoded(e, depth+1)
		}
		return out
	default:
		return v
	}
}
