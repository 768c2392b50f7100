package core

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Particle is one of the three classification lanes a bit atom is
// assigned to, cycling by bit_index mod 3.
type Particle string

const (
	Proton   Particle = "proton"
	Neutron  Particle = "neutron"
	Electron Particle = "electron"
)

var particlesByBitIndex = [3]Particle{Proton, Neutron, Electron}

// particleFor returns the deterministic particle assignment for bitIndex.
func particleFor(bitIndex int) Particle {
	return particlesByBitIndex[bitIndex%3]
}

// BitAtom is the smallest classification unit: one bit of payload plus its
// particle lane, frequency, and position.
type BitAtom struct {
	Bit        uint8    `json:"bit"`
	Particle   Particle `json:"particle"`
	Frequency  int      `json:"frequency"`
	ByteIndex  int      `json:"byte_index"`
	BitIndex   int      `json:"bit_index"`
	Hash       [32]byte `json:"hash"`
}

// frequencySeed derives the deterministic PRNG seed for (address, shardID)
// per the Open Question decision recorded in SPEC_FULL.md §13: SHA-256 of the two
// concatenated, fed as the seed to a ChaCha8 source.
func frequencySeed(address, shardID string) [32]byte {
	return Sum256([]byte(address), []byte(shardID))
}

// DeriveFrequency returns a reproducible value in [1,1000] for the given
// (address, shardID) seed. Same inputs always produce the same frequency.
func DeriveFrequency(address, shardID string) int {
	seed := frequencySeed(address, shardID)
	src := rand.NewChaCha8(seed)
	return 1 + int(src.Uint64()%1000)
}

// NewBitAtom constructs a BitAtom with the deterministic particle
// assignment and recomputed hash.
func NewBitAtom(bit uint8, byteIndex, bitIndex int, frequency int) *BitAtom {
	a := &BitAtom{
		Bit:       bit,
		Particle:  particleFor(bitIndex),
		Frequency: frequency,
		ByteIndex: byteIndex,
		BitIndex:  bitIndex,
	}
	a.Hash = a.computeHash()
	return a
}

func (a *BitAtom) computeHash() [32]byte {
	buf := []byte{a.Bit, byte(a.Particle[0]), byte(a.ByteIndex >> 8), byte(a.ByteIndex), byte(a.BitIndex)}
	return Sum256([]byte(a.Particle), buf)
}

// ValidateAtom recomputes hash and compares.
func ValidateAtom(a *BitAtom) bool {
	return a.Hash == a.computeHash()
}

// ClassifyBytes produces bit atoms for every byte in payload, MSB first,
// frequency derived from (address, shardID).
func ClassifyBytes(payload []byte, address, shardID string) []*BitAtom {
	freq := DeriveFrequency(address, shardID)
	atoms := make([]*BitAtom, 0, len(payload)*8)
	for byteIdx, b := range payload {
		for bitIdx := 0; bitIdx < 8; bitIdx++ {
			bit := (b >> (7 - bitIdx)) & 1
			atoms = append(atoms, NewBitAtom(bit, byteIdx, bitIdx, freq))
		}
	}
	return atoms
}

// AggregateKind names a level in the bonding hierarchy above bit.
type AggregateKind string

const (
	KindByte AggregateKind = "byte"
	KindKB   AggregateKind = "kb"
	KindMB   AggregateKind = "mb"
	KindGB   AggregateKind = "gb"
	KindTB   AggregateKind = "tb"
)

// childCountFor returns the required child count to bond into kind: byte
// bonds 24 bit atoms (8 per particle); every level above bonds exactly
// 1024 children of the level below.
func childCountFor(kind AggregateKind) int {
	if kind == KindByte {
		return 24
	}
	return 1024
}

// AggregateAtom is a Byte/KB/MB/GB/TB node in the bonding hierarchy.
type AggregateAtom struct {
	Kind         AggregateKind `json:"kind"`
	Index        int           `json:"index"`
	Timestamp    int64         `json:"timestamp"`
	AtomicWeight int           `json:"atomic_weight"`
	Frequency    float64       `json:"frequency"`

	bitChildren   []*BitAtom
	aggrChildren  []*AggregateAtom
}

// BondByte bonds exactly 24 bit atoms (8 per particle, in bit_index order)
// into one Byte aggregate atom.
func BondByte(index int, timestamp int64, children []*BitAtom) (*AggregateAtom, error) {
	want := childCountFor(KindByte)
	if len(children) != want {
		return nil, fmt.Errorf("atom: bond byte: %w: got %d want %d", ErrInsufficientAtoms, len(children), want)
	}
	counts := map[Particle]int{}
	sum := 0
	for _, c := range children {
		counts[c.Particle]++
		sum += c.Frequency
	}
	for _, p := range particlesByBitIndex {
		if counts[p] != 8 {
			return nil, fmt.Errorf("atom: bond byte: %w: particle %s has %d bits, want 8", ErrInsufficientAtoms, p, counts[p])
		}
	}
	freq := meanFrequency(intFrequencies(children))
	return &AggregateAtom{
		Kind:         KindByte,
		Index:        index,
		Timestamp:    timestamp,
		AtomicWeight: sum,
		Frequency:    freq,
		bitChildren:  children,
	}, nil
}

// nextLevel returns the aggregate kind bonded from kind.
func nextLevel(kind AggregateKind) (AggregateKind, bool) {
	switch kind {
	case KindByte:
		return KindKB, true
	case KindKB:
		return KindMB, true
	case KindMB:
		return KindGB, true
	case KindGB:
		return KindTB, true
	default:
		return "", false
	}
}

// BondAggregate bonds exactly 1024 children of the same kind into one
// aggregate atom at the next level.
func BondAggregate(index int, timestamp int64, children []*AggregateAtom) (*AggregateAtom, error) {
	want := childCountFor(KindKB)
	if len(children) != want {
		return nil, fmt.Errorf("atom: bond aggregate: %w: got %d want %d", ErrInsufficientAtoms, len(children), want)
	}
	next, ok := nextLevel(children[0].Kind)
	if !ok {
		return nil, fmt.Errorf("atom: bond aggregate: no level above %s", children[0].Kind)
	}
	sum := 0
	freqs := make([]float64, 0, len(children))
	for _, c := range children {
		if c.Kind != children[0].Kind {
			return nil, fmt.Errorf("atom: bond aggregate: mixed child kinds %s/%s", c.Kind, children[0].Kind)
		}
		sum += c.AtomicWeight
		freqs = append(freqs, c.Frequency)
	}
	return &AggregateAtom{
		Kind:         next,
		Index:        index,
		Timestamp:    timestamp,
		AtomicWeight: sum,
		Frequency:    roundTo2(meanFloat(freqs)),
		aggrChildren: children,
	}, nil
}

func intFrequencies(atoms []*BitAtom) []float64 {
	out := make([]float64, len(atoms))
	for i, a := range atoms {
		out[i] = float64(a.Frequency)
	}
	return out
}

func meanFrequency(values []float64) float64 {
	return roundTo2(meanFloat(values))
}

func meanFloat(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// roundTo2 rounds to two fractional digits using banker's rounding
// (round-half-to-even), as required for aggregate frequency derivation.
func roundTo2(v float64) float64 {
	scaled := v * 100
	floor := float64(int64(scaled))
	diff := scaled - floor
	switch {
	case diff < 0.5:
		return floor / 100
	case diff > 0.5:
		return (floor + 1) / 100
	default:
		if int64(floor)%2 == 0 {
			return floor / 100
		}
		return (floor + 1) / 100
	}
}

// ValidateBond checks that children truly compose parent: count, particle
// composition at byte level, and frequency derivation.
func ValidateBond(parent *AggregateAtom, bitChildren []*BitAtom, aggrChildren []*AggregateAtom) bool {
	if parent.Kind == KindByte {
		rebuilt, err := BondByte(parent.Index, parent.Timestamp, bitChildren)
		if err != nil {
			return false
		}
		return rebuilt.AtomicWeight == parent.AtomicWeight && rebuilt.Frequency == parent.Frequency
	}
	rebuilt, err := BondAggregate(parent.Index, parent.Timestamp, aggrChildren)
	if err != nil {
		return false
	}
	return rebuilt.AtomicWeight == parent.AtomicWeight && rebuilt.Frequency == parent.Frequency
}

// BounceRate is 1000/frequency, Infinity when frequency is zero (spec §9:
// carried as an explicit sentinel, not a silently-wrong float).
func BounceRate(frequency int) float64 {
	if frequency == 0 {
		return math.Inf(1)
	}
	return 1000 / float64(frequency)
}

// InfFloat marshals to the JSON number it holds, except +Inf which
// serializes as the string "Infinity" — encoding/json rejects bare Inf
// floats, and the wire format must carry the sentinel explicitly rather
// than silently truncating it.
type InfFloat float64

func (f InfFloat) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(f), 1) {
		return []byte(`"Infinity"`), nil
	}
	if math.IsInf(float64(f), -1) {
		return []byte(`"-Infinity"`), nil
	}
	return marshalRecordBody(float64(f))
}

func (f *InfFloat) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"Infinity"`:
		*f = InfFloat(math.Inf(1))
		return nil
	case `"-Infinity"`:
		*f = InfFloat(math.Inf(-1))
		return nil
	default:
		var v float64
		if err := unmarshalRecordBody(data, &v); err != nil {
			return err
		}
		*f = InfFloat(v)
		return nil
	}
}

// BounceRateEntry is the per (address, particle, bit_index) record audits
// use to reconcile shard metadata with the frequency ledgers.
type BounceRateEntry struct {
	Address    string   `json:"address"`
	Particle   Particle `json:"particle"`
	BitIndex   int      `json:"bit_index"`
	Frequency  int      `json:"frequency"`
	BounceRate InfFloat `json:"bounce_rate"`
	IV         []byte   `json:"iv"`
	AuthTag    []byte   `json:"auth_tag"`
	Timestamp  int64    `json:"timestamp"`
	TokenID    string   `json:"token_id"`
}

// NewBounceRateEntry builds the entry for a given bit atom's position.
func NewBounceRateEntry(address string, particle Particle, bitIndex, frequency int, iv, authTag []byte, timestamp int64, tokenID string) *BounceRateEntry {
	return &BounceRateEntry{
		Address:    address,
		Particle:   particle,
		BitIndex:   bitIndex,
		Frequency:  frequency,
		BounceRate: InfFloat(BounceRate(frequency)),
		IV:         iv,
		AuthTag:    authTag,
		Timestamp:  timestamp,
		TokenID:    tokenID,
	}
}
