package translation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"careline/cmd/internal/apperr"
	"careline/cmd/internal/audit"
	"careline/cmd/internal/message"
)

type fakeMessages struct {
	mu   sync.Mutex
	msgs map[string]message.Message
}

func (f *fakeMessages) Get(_ context.Context, actorID, id string) (message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if actorID == "stranger" {
		return message.Message{}, apperr.E("message.Get", apperr.ErrUnauthorized, "")
	}
	m, ok := f.msgs[id]
	if !ok {
		return message.Message{}, apperr.E("message.Get", apperr.ErrNotFound, "")
	}
	return m, nil
}

func (f *fakeMessages) edit(id, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.msgs[id]
	m.Content = content
	m.EditVersion++
	f.msgs[id] = m
}

type fakeProvider struct {
	calls    atomic.Int32
	failures atomic.Int32
	delay    time.Duration
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Translate(ctx context.Context, text, target string) (Result, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.failures.Add(-1) >= 0 {
		return Result{}, apperr.ExternalError{Op: "fake", Provider: "fake", Err: errors.New("503")}
	}
	return Result{Text: "[" + target + "] " + text, SourceLanguage: "en"}, nil
}

type captureSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureSink) Record(_ context.Context, e audit.Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

func (c *captureSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func newCache(t *testing.T, store Store, p *fakeProvider) (*Cache, *fakeMessages, *captureSink) {
	t.Helper()
	msgs := &fakeMessages{msgs: map[string]message.Message{
		"m1": {ID: "m1", ConversationID: "c1", SenderID: "patient", Content: "I feel dizzy"},
	}}
	sink := &captureSink{}
	c, err := NewCache(store, p, msgs, sink,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetry(3, time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return c, msgs, sink
}

func TestConcurrentMissesShareOneProviderCall(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{delay: 50 * time.Millisecond}
	c, _, sink := newCache(t, NewInMemoryStore(), p)

	const n = 25
	results := make([]Translation, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Translate(context.Background(), "doctor", "m1", "es")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("call %d returned %+v, want %+v", i, results[i], results[0])
		}
	}
	if got := p.calls.Load(); got != 1 {
		t.Fatalf("provider calls=%d want=1", got)
	}
	if sink.len() != 1 {
		t.Fatalf("audits=%d want=1", sink.len())
	}

	if _, err := c.Translate(context.Background(), "doctor", "m1", "ES "); err != nil {
		t.Fatalf("cached Translate: %v", err)
	}
	if got := p.calls.Load(); got != 1 {
		t.Fatalf("cache hit called provider: calls=%d", got)
	}
}

func TestEditIsANewKey(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	c, msgs, _ := newCache(t, NewInMemoryStore(), p)
	ctx := context.Background()

	first, err := c.Translate(ctx, "doctor", "m1", "fr")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	msgs.edit("m1", "I feel much better")
	second, err := c.Translate(ctx, "doctor", "m1", "fr")
	if err != nil {
		t.Fatalf("Translate after edit: %v", err)
	}
	if first.Text == second.Text || second.EditVersion != 1 || p.calls.Load() != 2 {
		t.Fatalf("edit not reflected: %+v -> %+v (calls=%d)", first, second, p.calls.Load())
	}
}

func TestProviderFailuresAreRetried(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	p.failures.Store(2)
	c, _, _ := newCache(t, NewInMemoryStore(), p)

	if _, err := c.Translate(context.Background(), "doctor", "m1", "de"); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got := p.calls.Load(); got != 3 {
		t.Fatalf("calls=%d want=3", got)
	}

	down := &fakeProvider{}
	down.failures.Store(100)
	c, _, sink := newCache(t, NewInMemoryStore(), down)
	_, err := c.Translate(context.Background(), "doctor", "m1", "de")
	if !errors.Is(err, apperr.ErrExternalService) {
		t.Fatalf("expected external service error, got %v", err)
	}
	if got := down.calls.Load(); got != 3 {
		t.Fatalf("calls=%d want=3", got)
	}
	if sink.len() != 0 {
		t.Fatalf("failed translations must not be audited")
	}
}

func TestTranslateRejects(t *testing.T) {
	t.Parallel()

	c, _, _ := newCache(t, NewInMemoryStore(), &fakeProvider{})
	ctx := context.Background()

	if _, err := c.Translate(ctx, "doctor", "m1", "not a language!"); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := c.Translate(ctx, "stranger", "m1", "es"); !apperr.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := c.Translate(ctx, "doctor", "missing", "es"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPebbleStoreKeepsFirstWrite(t *testing.T) {
	t.Parallel()

	st, err := OpenPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPebbleStore: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	k := Key{MessageID: "m1", EditVersion: 0, TargetLanguage: "es"}
	if _, ok, err := st.Get(ctx, k); err != nil || ok {
		t.Fatalf("empty store Get=%v,%v", ok, err)
	}
	first := Translation{MessageID: "m1", TargetLanguage: "es", Text: "uno", Provider: "fake", CreatedAt: time.Unix(10, 0).UTC()}
	if err := st.Put(ctx, first); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Put(ctx, Translation{MessageID: "m1", TargetLanguage: "es", Text: "dos"}); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	got, ok, err := st.Get(ctx, k)
	if err != nil || !ok || got.Text != "uno" || !got.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("Get=%+v,%v,%v", got, ok, err)
	}
}

func TestLibreTranslate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/translate" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req libreRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		switch req.Target {
		case "xx":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"xx is not supported"}`))
		case "zz":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"overloaded"}`))
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"translatedText":   "hola",
				"detectedLanguage": map[string]any{"language": "en", "confidence": 98},
			})
		}
	}))
	defer srv.Close()

	p := NewLibreTranslate(srv.URL+"/", "k", time.Second)
	ctx := context.Background()

	res, err := p.Translate(ctx, "hello", "es")
	if err != nil || res.Text != "hola" || res.SourceLanguage != "en" {
		t.Fatalf("Translate=%+v,%v", res, err)
	}
	if _, err := p.Translate(ctx, "hello", "xx"); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := p.Translate(ctx, "hello", "zz"); !apperr.Retryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}
