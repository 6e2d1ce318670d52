package ports

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rawblock/expense-engine/pkg/models"
)

// FakeClock is a settable clock for tests.
type FakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFakeClock(t time.Time) *FakeClock { return &FakeClock{t: t.UTC()} }

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// MemoryBlobStore keeps blobs in a map. Used in tests and dev mode.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(_ context.Context, key string, data []byte) (string, error) {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.blobs[key] = cp
	s.mu.Unlock()
	return "mem://" + key, nil
}

func (s *MemoryBlobStore) Get(_ context.Context, ref string) ([]byte, error) {
	key := ref
	if len(ref) > 6 && ref[:6] == "mem://" {
		key = ref[6:]
	}
	s.mu.RLock()
	data, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, models.E(models.KindNotFound, "blob %s not found", ref)
	}
	return data, nil
}

func (s *MemoryBlobStore) SignedURL(_ context.Context, ref string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("%s?expires=%d", ref, int64(ttl.Seconds())), nil
}

// ScriptedOCR returns queued results in order, then repeats the last one.
// Queue an error to simulate a transient provider failure.
type ScriptedOCR struct {
	mu      sync.Mutex
	Results []*OCRResult
	Errs    []error
	Calls   int
}

func (o *ScriptedOCR) Extract(_ context.Context, _ []byte, _ map[string]string) (*OCRResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.Calls
	o.Calls++
	if i < len(o.Errs) && o.Errs[i] != nil {
		return nil, o.Errs[i]
	}
	if len(o.Results) == 0 {
		return &OCRResult{Fields: map[string]OCRField{}}, nil
	}
	if i >= len(o.Results) {
		i = len(o.Results) - 1
	}
	return o.Results[i], nil
}

// ScriptedLLM delegates to a function, letting tests shape any response.
type ScriptedLLM struct {
	mu    sync.Mutex
	Fn    func(req CompletionRequest) (*CompletionResult, error)
	Calls []CompletionRequest
}

func (l *ScriptedLLM) Complete(_ context.Context, req CompletionRequest) (*CompletionResult, error) {
	l.mu.Lock()
	l.Calls = append(l.Calls, req)
	fn := l.Fn
	l.mu.Unlock()
	if fn == nil {
		return nil, models.E(models.KindProviderUnavailable, "no completion handler scripted")
	}
	return fn(req)
}

// CallCount is safe for concurrent use.
func (l *ScriptedLLM) CallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Calls)
}

// JSONResult wraps a value as a completion result for scripting convenience.
func JSONResult(v any, tokens int) (*CompletionResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &CompletionResult{Content: raw, UsageTokens: tokens, ProviderID: "scripted"}, nil
}

// HashEmbedder produces a deterministic unit vector from the SHA-256 of the
// input text. Identical strings embed identically, so exact-text similarity
// is 1.0 and unrelated strings land near orthogonal — enough for tests and
// for dev mode without a network provider.
type HashEmbedder struct {
	Dim   int
	mu    sync.Mutex
	calls int
}

func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls += len(texts)
	e.mu.Unlock()

	dim := e.Dim
	if dim <= 0 {
		dim = 384
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, dim)
		seed := sha256.Sum256([]byte(text))
		var norm float64
		for j := range vec {
			// Stretch the 32-byte digest across the vector with per-index rehashing.
			var buf [40]byte
			copy(buf[:32], seed[:])
			binary.LittleEndian.PutUint64(buf[32:], uint64(j))
			h := sha256.Sum256(buf[:])
			v := float32(int16(binary.LittleEndian.Uint16(h[:2]))) / math.MaxInt16
			vec[j] = v
			norm += float64(v) * float64(v)
		}
		norm = math.Sqrt(norm)
		if norm > 0 {
			for j := range vec {
				vec[j] = float32(float64(vec[j]) / norm)
			}
		}
		out[i] = vec
	}
	return out, nil
}

// Calls reports how many texts have been embedded.
func (e *HashEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
