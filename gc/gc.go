// Package gc implements garbage collection over the object graph: any
// Object not reachable from a Snapshot.root is unreferenced and safe to
// delete. Reachability is computed with a single recursive CTE
// (store.StreamReachableIDs); above opts.ExactThreshold objects the
// reachable set is folded into a tuned Bloom filter instead of held as
// a Go set, trading a small false-positive rate (never false-negative)
// for bounded memory.
package gc

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"

	"backset/store"
)

// falsePositiveRate is the Bloom filter's target false-positive rate.
// A false positive here means a garbage object is mistakenly kept
// (never a live object mistakenly collected), so it only costs disk
// space, never correctness.
const falsePositiveRate = 0.05

// Options configures a Collect run.
type Options struct {
	// ExactThreshold is the object count below which Collect builds an
	// exact in-memory reachable set instead of a Bloom filter. The
	// Bloom sizing formulas degenerate at very small N (m/k round to
	// useless values), so small repositories get an exact sweep.
	ExactThreshold int64
}

const defaultExactThreshold = 1024

func (o Options) withDefaults() Options {
	if o.ExactThreshold <= 0 {
		o.ExactThreshold = defaultExactThreshold
	}
	return o
}

// Collect streams every Object unreachable from any Snapshot.root. The
// caller owns deletion order: delete the store row before the remote
// object, never the reverse, so a crash mid-sweep can only leak a
// remote blob, never dangle a row that points at nothing (§3, §4.G).
func Collect(ctx context.Context, st *store.Store, opts Options) (<-chan store.Object, error) {
	opts = opts.withDefaults()

	n, err := st.CountObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("gc: count objects: %w", err)
	}
	if n == 0 {
		out := make(chan store.Object)
		close(out)
		return out, nil
	}

	if n < opts.ExactThreshold {
		return collectExact(ctx, st)
	}
	return collectBloom(ctx, st, n)
}

// collectExact holds the full reachable set in memory and streams
// every object not in it. Used below opts.ExactThreshold, where a
// Bloom filter's sizing formulas would otherwise degenerate.
func collectExact(ctx context.Context, st *store.Store) (<-chan store.Object, error) {
	reachable := make(map[string]struct{})
	if err := st.StreamReachableIDs(ctx, func(id []byte) error {
		reachable[string(id)] = struct{}{}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("gc: exact reachability: %w", err)
	}

	out := make(chan store.Object)
	go func() {
		defer close(out)
		_ = st.StreamObjects(ctx, func(obj *store.Object) error {
			if _, ok := reachable[string(obj.ID.Bytes())]; ok {
				return nil
			}
			select {
			case out <- *obj:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
	}()
	return out, nil
}

// collectBloom sizes a Bloom filter for n objects at falsePositiveRate,
// sets a bit per (salt, objid) pair for every reachable id, then
// streams every object and yields those missing any of their k bits.
//
// m = ceil(n * ln(p) / ln(1/2^ln2))
// k = max(1, round(ln2 * m / n))
//
// matching the source's sizing formulas exactly.
func collectBloom(ctx context.Context, st *store.Store, n int64) (<-chan store.Object, error) {
	p := falsePositiveRate
	mf := math.Ceil((float64(n) * math.Log(p)) / math.Log(1/math.Pow(2, math.Log(2))))
	kf := math.Round(math.Log(2) * mf / float64(n))
	if kf < 1 {
		kf = 1
	}
	m := int64(mf)
	k := int(kf)

	salts := make([]*big.Int, k)
	for i := range salts {
		buf := make([]byte, 32) // 256 bits, matching the source's getrandbits(256)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("gc: salt: %w", err)
		}
		salts[i] = new(big.Int).SetBytes(buf)
	}

	mBig := big.NewInt(m)
	bits := newBitset(m)

	if err := st.StreamReachableIDs(ctx, func(id []byte) error {
		objInt := new(big.Int).SetBytes(id)
		for _, salt := range salts {
			bits.set(bitIndex(salt, objInt, mBig))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("gc: bloom reachability: %w", err)
	}

	out := make(chan store.Object)
	go func() {
		defer close(out)
		_ = st.StreamObjects(ctx, func(obj *store.Object) error {
			objInt := new(big.Int).SetBytes(obj.ID.Bytes())
			maybeReachable := true
			for _, salt := range salts {
				if !bits.test(bitIndex(salt, objInt, mBig)) {
					maybeReachable = false
					break
				}
			}
			if maybeReachable {
				return nil
			}
			select {
			case out <- *obj:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
	}()
	return out, nil
}

// bitIndex computes (salt XOR objid) mod m as a bit position.
func bitIndex(salt, objInt, m *big.Int) int64 {
	h := new(big.Int).Xor(salt, objInt)
	h.Mod(h, m)
	return h.Int64()
}

// bitset is a fixed-size bit array sized directly in bits.
type bitset struct {
	bytes []byte
}

func newBitset(nbits int64) *bitset {
	return &bitset{bytes: make([]byte, (nbits+7)/8)}
}

func (b *bitset) set(i int64) {
	b.bytes[i/8] |= 1 << uint(i%8)
}

func (b *bitset) test(i int64) bool {
	return b.bytes[i/8]&(1<<uint(i%8)) != 0
}
