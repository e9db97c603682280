package engine

import (
	"encoding/binary"
	"time"

	"github.com/fuselabs/crossfill/internal/domain"
)

// Predicate opcodes. A predicate is a prefix-encoded expression tree; the
// engine evaluates it against the clock before any state mutation.
const (
	predOpTrue       byte = 0x00
	predOpFalse      byte = 0x01
	predOpNot        byte = 0x02
	predOpAnd        byte = 0x03
	predOpOr         byte = 0x04
	predOpTimeBefore byte = 0x05 // followed by 8-byte big-endian unix seconds
	predOpTimeAfter  byte = 0x06 // followed by 8-byte big-endian unix seconds
)

// maxPredicateDepth bounds expression nesting for hostile input.
const maxPredicateDepth = 16

// evalPredicate evaluates an encoded predicate at time now. An empty payload
// is vacuously true. Malformed encodings fail as ErrInvalidExtension; a
// well-formed predicate that evaluates false surfaces upstream as
// ErrPredicateIsNotTrue.
func evalPredicate(data []byte, now time.Time) (bool, error) {
	if len(data) == 0 {
		return true, nil
	}
	v, rest, err := evalPred(data, now, 0)
	if err != nil {
		return false, err
	}
	if len(rest) != 0 {
		return false, domain.ErrInvalidExtension
	}
	return v, nil
}

func evalPred(data []byte, now time.Time, depth int) (bool, []byte, error) {
	if depth > maxPredicateDepth || len(data) == 0 {
		return false, nil, domain.ErrInvalidExtension
	}

	op, rest := data[0], data[1:]
	switch op {
	case predOpTrue:
		return true, rest, nil
	case predOpFalse:
		return false, rest, nil
	case predOpNot:
		v, rest, err := evalPred(rest, now, depth+1)
		return !v, rest, err
	case predOpAnd, predOpOr:
		left, rest, err := evalPred(rest, now, depth+1)
		if err != nil {
			return false, nil, err
		}
		right, rest, err := evalPred(rest, now, depth+1)
		if err != nil {
			return false, nil, err
		}
		if op == predOpAnd {
			return left && right, rest, nil
		}
		return left || right, rest, nil
	case predOpTimeBefore, predOpTimeAfter:
		if len(rest) < 8 {
			return false, nil, domain.ErrInvalidExtension
		}
		ts := int64(binary.BigEndian.Uint64(rest[:8]))
		if op == predOpTimeBefore {
			return now.Unix() < ts, rest[8:], nil
		}
		return now.Unix() >= ts, rest[8:], nil
	default:
		return false, nil, domain.ErrInvalidExtension
	}
}

// PredTimeBefore encodes a "now < ts" predicate. Maker-side helper.
func PredTimeBefore(ts time.Time) []byte {
	out := make([]byte, 9)
	out[0] = predOpTimeBefore
	binary.BigEndian.PutUint64(out[1:], uint64(ts.Unix()))
	return out
}

// PredTimeAfter encodes a "now >= ts" predicate. Maker-side helper.
func PredTimeAfter(ts time.Time) []byte {
	out := make([]byte, 9)
	out[0] = predOpTimeAfter
	binary.BigEndian.PutUint64(out[1:], uint64(ts.Unix()))
	return out
}

// PredAnd joins two encoded predicates.
func PredAnd(a, b []byte) []byte {
	out := make([]byte, 0, 1+len(a)+len(b))
	out = append(out, predOpAnd)
	out = append(out, a...)
	return append(out, b...)
}
