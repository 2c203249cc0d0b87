// Package idgen generates session identifiers from a cryptographically secure
// random source.
package idgen

import (
	"crypto/rand"
	"errors"
	"io"
	"math"
	"math/bits"
	"sync"
)

const (
	// Alphabet is the default 36-symbol identifier alphabet.
	Alphabet = "1234567890abcdefghijklmnopqrstuvwxyz"
	// DefaultSize is the default identifier length.
	DefaultSize = 16

	poolSizeMultiplier = 128
)

var (
	ErrEmptyAlphabet = errors.New("alphabet must not be empty")
	ErrAlphabetSize  = errors.New("alphabet must not exceed 256 symbols")
)

// Pool hands out random bytes from a buffer refilled from a secure source,
// amortizing calls into the system random generator. Safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	src    io.Reader
	buf    []byte
	offset int
}

// NewPool creates a pool backed by crypto/rand.
func NewPool() *Pool {
	return NewPoolFrom(rand.Reader)
}

// NewPoolFrom creates a pool backed by src.
func NewPoolFrom(src io.Reader) *Pool {
	return &Pool{src: src}
}

// NextBytes returns n fresh random bytes.
func (p *Pool) NextBytes(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case len(p.buf) < n:
		p.buf = make([]byte, n*poolSizeMultiplier)
		if err := p.fill(); err != nil {
			return nil, err
		}
	case p.offset+n > len(p.buf):
		if err := p.fill(); err != nil {
			return nil, err
		}
	}

	out := make([]byte, n)
	copy(out, p.buf[p.offset:p.offset+n])
	p.offset += n
	return out, nil
}

func (p *Pool) fill() error {
	p.offset = 0
	if _, err := io.ReadFull(p.src, p.buf); err != nil {
		p.buf = nil
		return err
	}
	return nil
}

// Generator draws identifiers over a fixed alphabet. Random bytes are masked
// to the smallest power of two covering the alphabet and out-of-range values
// are rejected, which keeps the symbol distribution uniform.
type Generator struct {
	alphabet string
	size     int
	mask     byte
	step     int
	pool     *Pool
}

// NewGenerator creates a generator for alphabet with the given default size.
func NewGenerator(alphabet string, size int, pool *Pool) (*Generator, error) {
	if len(alphabet) == 0 {
		return nil, ErrEmptyAlphabet
	}
	if len(alphabet) > 256 {
		return nil, ErrAlphabetSize
	}
	mask := (2 << (bits.Len(uint(len(alphabet)-1|1)) - 1)) - 1
	step := int(math.Ceil(1.6 * float64(mask) * float64(size) / float64(len(alphabet))))
	if step < 1 {
		step = 1
	}
	return &Generator{
		alphabet: alphabet,
		size:     size,
		mask:     byte(mask),
		step:     step,
		pool:     pool,
	}, nil
}

// Generate returns an identifier of the default size.
func (g *Generator) Generate() (string, error) {
	return g.GenerateSize(g.size)
}

// GenerateSize returns an identifier of the given size.
func (g *Generator) GenerateSize(size int) (string, error) {
	if size <= 0 {
		return "", nil
	}
	id := make([]byte, 0, size)
	for {
		chunk, err := g.pool.NextBytes(g.step)
		if err != nil {
			return "", err
		}
		for _, b := range chunk {
			idx := int(b & g.mask)
			if idx < len(g.alphabet) {
				id = append(id, g.alphabet[idx])
			}
			if len(id) >= size {
				return string(id), nil
			}
		}
	}
}

var defaultGenerator = func() *Generator {
	g, err := NewGenerator(Alphabet, DefaultSize, NewPool())
	if err != nil {
		panic(err)
	}
	return g
}()

// NewID returns a default-length identifier from the shared generator.
// It panics only if the system random source fails.
func NewID() string {
	id, err := defaultGenerator.Generate()
	if err != nil {
		panic("idgen: random source failed: " + err.Error())
	}
	return id
}
