package vector

// DefaultBucketDims is the number of sign bits packed into a bucket key.
const DefaultBucketDims = 10

// BucketKey samples dims evenly spaced coordinates of v (step = len(v)/dims, at least 1)
// and packs one bit per sample, most significant first. A bit is set when the sampled
// coordinate is positive; samples past the end of v contribute a zero bit.
// v is expected to be normalized, but only the signs matter.
func BucketKey(v []float32, dims int) int64 {
	if dims <= 0 {
		dims = DefaultBucketDims
	}
	step := len(v) / dims
	if step == 0 {
		step = 1
	}
	var key int64
	for i := 0; i < dims; i++ {
		key <<= 1
		if idx := i * step; idx < len(v) && v[idx] > 0 {
			key |= 1
		}
	}
	return key
}

// NeighborKeys returns key followed by every key at Hamming distance 1 within dims bits.
// The result always has dims+1 entries.
func NeighborKeys(key int64, dims int) []int64 {
	if dims <= 0 {
		dims = DefaultBucketDims
	}
	keys := make([]int64, 0, dims+1)
	keys = append(keys, key)
	for bit := dims - 1; bit >= 0; bit-- {
		keys = append(keys, key^(1<<uint(bit)))
	}
	return keys
}

// NeighborKeysRadius returns key followed by every distinct key within the given Hamming
// radius. Radius 1 is equivalent to NeighborKeys; radius >= dims enumerates every key.
func NeighborKeysRadius(key int64, dims, radius int) []int64 {
	if dims <= 0 {
		dims = DefaultBucketDims
	}
	if radius <= 1 {
		if radius <= 0 {
			return []int64{key}
		}
		return NeighborKeys(key, dims)
	}
	if radius > dims {
		radius = dims
	}
	seen := map[int64]bool{key: true}
	keys := []int64{key}
	frontier := []int64{key}
	for r := 0; r < radius; r++ {
		var next []int64
		for _, k := range frontier {
			for bit := dims - 1; bit >= 0; bit-- {
				n := k ^ (1 << uint(bit))
				if seen[n] {
					continue
				}
				seen[n] = true
				keys = append(keys, n)
				next = append(next, n)
			}
		}
		frontier = next
	}
	return keys
}

// Buckets maps bucket keys to positions in a caller-owned slice of records.
// Every position is added under exactly one key.
type Buckets struct {
	dims    int
	entries map[int64][]int
	size    int
}

// NewBuckets returns an empty bucket map for keys of the given width.
func NewBuckets(dims int) *Buckets {
	if dims <= 0 {
		dims = DefaultBucketDims
	}
	return &Buckets{dims: dims, entries: make(map[int64][]int)}
}

// Add files pos under key.
func (b *Buckets) Add(key int64, pos int) {
	b.entries[key] = append(b.entries[key], pos)
	b.size++
}

// Lookup returns the positions stored under exactly key.
func (b *Buckets) Lookup(key int64) []int {
	return b.entries[key]
}

// Candidates returns the positions stored in key's neighborhood of the given radius.
// Buckets are disjoint, so the result holds no duplicates.
func (b *Buckets) Candidates(key int64, radius int) []int {
	var out []int
	for _, k := range NeighborKeysRadius(key, b.dims, radius) {
		out = append(out, b.entries[k]...)
	}
	return out
}

// Dims returns the key width.
func (b *Buckets) Dims() int { return b.dims }

// Len returns the number of positions stored.
func (b *Buckets) Len() int { return b.size }

// Keys returns the number of non-empty buckets.
func (b *Buckets) Keys() int { return len(b.entries) }
