package ai

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/portfolio-assistant-go/internal/config"
	"github.com/portfolio-assistant-go/internal/knowledge"
	"github.com/portfolio-assistant-go/internal/services/cache"
	"github.com/portfolio-assistant-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type generatorFunc func(ctx context.Context, systemContext, query string) (string, error)

func (f generatorFunc) Generate(ctx context.Context, systemContext, query string) (string, error) {
	return f(ctx, systemContext, query)
}

type recorderStub struct {
	mu       sync.Mutex
	answers  []string
	outcomes []string
	rules    []string
	hits     int
	misses   int
}

func (r *recorderStub) RecordAnswer(source string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers = append(r.answers, source)
}

func (r *recorderStub) RecordRemoteRequest(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recorderStub) RecordFallbackRule(rule string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

func (r *recorderStub) RecordCacheHit()  { r.hits++ }
func (r *recorderStub) RecordCacheMiss() { r.misses++ }

func defaultProfile(t *testing.T) *knowledge.Profile {
	t.Helper()
	p, err := knowledge.Default()
	require.NoError(t, err)
	return p
}

func fallbackOnly(t *testing.T) *Assistant {
	return NewAssistant(nil, defaultProfile(t), nil, nil, logger.Discard())
}

func ruleResponse(t *testing.T, p *knowledge.Profile, name string) string {
	t.Helper()
	for _, r := range p.Rules {
		if r.Name == name {
			return r.Response
		}
	}
	t.Fatalf("rule %q not found", name)
	return ""
}

func TestAnswerNeverEmpty(t *testing.T) {
	a := fallbackOnly(t)
	queries := []string{
		"",
		"   ",
		"hello",
		"xyzzy plugh",
		"¿Cuáles son tus habilidades?",
		"🚀🚀🚀",
		"tell me about the 3d project",
		"what blockchain SKILLS does he have",
	}
	for _, q := range queries {
		assert.NotEmpty(t, a.Answer(context.Background(), q), "query %q", q)
	}
}

func TestFallbackDeterminism(t *testing.T) {
	a := fallbackOnly(t)
	p := defaultProfile(t)
	ctx := context.Background()

	assert.Equal(t, ruleResponse(t, p, "greeting"), a.Answer(ctx, "hello"))
	assert.Equal(t, ruleResponse(t, p, "3d-project"), a.Answer(ctx, "tell me about the 3d project"))
	assert.Equal(t, a.Answer(ctx, "hello"), a.Answer(ctx, "HELLO"))
}

func TestSpecificTopicBeatsGenericAbout(t *testing.T) {
	a := fallbackOnly(t)
	p := defaultProfile(t)

	reply := a.Reply(context.Background(), "what are his skills on the 3d project")
	assert.NotEqual(t, ruleResponse(t, p, "about"), reply.Text)
	assert.Equal(t, "3d-project", reply.Rule)

	reply = a.Reply(context.Background(), "tell me about alex's skills")
	assert.Equal(t, "skills", reply.Rule)

	reply = a.Reply(context.Background(), "who is alex?")
	assert.Equal(t, "about", reply.Rule)
}

func TestDefaultCatchAll(t *testing.T) {
	a := fallbackOnly(t)
	p := defaultProfile(t)

	for _, q := range []string{"xyzzy plugh", ""} {
		reply := a.Reply(context.Background(), q)
		assert.Equal(t, p.Default, reply.Text)
		assert.Equal(t, knowledge.DefaultRuleName, reply.Rule)
		assert.Equal(t, SourceFallback, reply.Source)
	}
}

func TestAnswerIdempotent(t *testing.T) {
	a := fallbackOnly(t)
	for _, q := range []string{"hello", "how can I contact him", "xyzzy plugh"} {
		assert.Equal(t, a.Answer(context.Background(), q), a.Answer(context.Background(), q))
	}
}

func TestGracefulDegradation(t *testing.T) {
	p := defaultProfile(t)
	baseline := fallbackOnly(t)

	tests := []struct {
		name string
		gen  Generator
	}{
		{
			name: "thrown error",
			gen: generatorFunc(func(context.Context, string, string) (string, error) {
				return "", &RemoteError{Type: ErrTransport, Err: errors.New("connection reset")}
			}),
		},
		{
			name: "status 500",
			gen: generatorFunc(func(context.Context, string, string) (string, error) {
				return "", &RemoteError{Type: ErrRemoteStatus, StatusCode: 500}
			}),
		},
		{
			name: "empty candidates",
			gen: generatorFunc(func(context.Context, string, string) (string, error) {
				return "", &RemoteError{Type: ErrMalformed, Message: "no candidates"}
			}),
		},
		{
			name: "blank text without error",
			gen: generatorFunc(func(context.Context, string, string) (string, error) {
				return "  \n", nil
			}),
		},
		{
			name: "panic",
			gen: generatorFunc(func(context.Context, string, string) (string, error) {
				panic("boom")
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAssistant(tt.gen, p, nil, nil, logger.Discard())
			for _, q := range []string{"hello", "tell me about the 3d project", "xyzzy plugh", ""} {
				reply := a.Reply(context.Background(), q)
				assert.Equal(t, baseline.Answer(context.Background(), q), reply.Text)
				assert.Equal(t, SourceFallback, reply.Source)
			}
		})
	}
}

func TestRemoteAnswerReturnedVerbatim(t *testing.T) {
	p := defaultProfile(t)
	var gotContext, gotQuery string
	gen := generatorFunc(func(_ context.Context, systemContext, query string) (string, error) {
		gotContext, gotQuery = systemContext, query
		return "  Alex loves Go.\n", nil
	})

	reply := NewAssistant(gen, p, nil, nil, logger.Discard()).Reply(context.Background(), "what does alex like?")
	assert.Equal(t, "  Alex loves Go.\n", reply.Text)
	assert.Equal(t, SourceRemote, reply.Source)
	assert.Equal(t, p.Background, gotContext)
	assert.Equal(t, "what does alex like?", gotQuery)
}

func TestRemoteAnswersAreCached(t *testing.T) {
	calls := 0
	gen := generatorFunc(func(context.Context, string, string) (string, error) {
		calls++
		return "remote answer", nil
	})
	answerCache := cache.NewCache(&config.CacheConfig{Enabled: true, TTL: time.Minute, MaxSize: 10}, logger.Discard())
	metrics := &recorderStub{}
	a := NewAssistant(gen, defaultProfile(t), answerCache, metrics, logger.Discard())

	first := a.Reply(context.Background(), "What are his skills?")
	second := a.Reply(context.Background(), "  what are his   SKILLS? ")

	assert.Equal(t, SourceRemote, first.Source)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, "remote answer", second.Text)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, metrics.hits)
	assert.Equal(t, 1, metrics.misses)
	assert.Equal(t, []string{"remote", "cache"}, metrics.answers)
}

func TestFallbackAnswersAreNotCached(t *testing.T) {
	fail := true
	gen := generatorFunc(func(context.Context, string, string) (string, error) {
		if fail {
			return "", &RemoteError{Type: ErrRemoteStatus, StatusCode: 429}
		}
		return "remote answer", nil
	})
	answerCache := cache.NewCache(&config.CacheConfig{Enabled: true, TTL: time.Minute, MaxSize: 10}, logger.Discard())
	a := NewAssistant(gen, defaultProfile(t), answerCache, nil, logger.Discard())

	assert.Equal(t, SourceFallback, a.Reply(context.Background(), "hello").Source)

	fail = false
	reply := a.Reply(context.Background(), "hello")
	assert.Equal(t, SourceRemote, reply.Source)
	assert.Equal(t, "remote answer", reply.Text)
}

func TestMetricsOutcomes(t *testing.T) {
	metrics := &recorderStub{}
	NewAssistant(nil, defaultProfile(t), nil, metrics, logger.Discard()).Answer(context.Background(), "hello")
	assert.Equal(t, []string{string(ErrConfigAbsent)}, metrics.outcomes)
	assert.Equal(t, []string{"greeting"}, metrics.rules)
	assert.Equal(t, []string{"fallback"}, metrics.answers)

	metrics = &recorderStub{}
	gen := generatorFunc(func(context.Context, string, string) (string, error) {
		return "", &RemoteError{Type: ErrMalformed}
	})
	NewAssistant(gen, defaultProfile(t), nil, metrics, logger.Discard()).Answer(context.Background(), "xyzzy")
	assert.Equal(t, []string{string(ErrMalformed)}, metrics.outcomes)
	assert.Equal(t, []string{knowledge.DefaultRuleName}, metrics.rules)
}

func TestNilProfileStillAnswers(t *testing.T) {
	a := NewAssistant(nil, nil, nil, nil, logger.Discard())
	assert.Equal(t, lastResort, a.Answer(context.Background(), "hello"))
}

func TestConcurrentAnswers(t *testing.T) {
	a := fallbackOnly(t)
	want := a.Answer(context.Background(), "how can I contact alex")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, want, a.Answer(context.Background(), "how can I contact alex"))
		}()
	}
	wg.Wait()
}
