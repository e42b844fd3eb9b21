package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/portfolio-assistant-go/internal/knowledge"
	"github.com/portfolio-assistant-go/internal/services/cache"
	"github.com/sirupsen/logrus"
)

// Source tells where an answer came from.
type Source string

const (
	SourceRemote   Source = "remote"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Reply is an answer plus its provenance. Text is never empty.
type Reply struct {
	Text   string
	Source Source
	Rule   string
}

// Recorder receives assistant metrics. middleware.Metrics implements it.
type Recorder interface {
	RecordAnswer(source string, duration time.Duration)
	RecordRemoteRequest(outcome string, duration time.Duration)
	RecordFallbackRule(rule string)
	RecordCacheHit()
	RecordCacheMiss()
}

type nopRecorder struct{}

func (nopRecorder) RecordAnswer(string, time.Duration)        {}
func (nopRecorder) RecordRemoteRequest(string, time.Duration) {}
func (nopRecorder) RecordFallbackRule(string)                 {}
func (nopRecorder) RecordCacheHit()                           {}
func (nopRecorder) RecordCacheMiss()                          {}

// Assistant maps a visitor query to an answer. It prefers the remote generator and degrades
// silently to the local rule table; it holds no per-call state and is safe for concurrent use.
type Assistant struct {
	generator Generator
	profile   *knowledge.Profile
	fallback  *FallbackResponder
	cache     cache.Service
	metrics   Recorder
	logger    *logrus.Logger
}

// NewAssistant wires the responder. generator, answerCache and metrics may be nil;
// a nil generator means fallback-only mode.
func NewAssistant(generator Generator, profile *knowledge.Profile, answerCache cache.Service, metrics Recorder, logger *logrus.Logger) *Assistant {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if generator == nil {
		logger.Info("No API key configured, assistant running in fallback-only mode")
	}
	return &Assistant{
		generator: generator,
		profile:   profile,
		fallback:  NewFallbackResponder(profile),
		cache:     answerCache,
		metrics:   metrics,
		logger:    logger,
	}
}

// Answer never fails and never returns an empty string.
func (a *Assistant) Answer(ctx context.Context, query string) string {
	return a.Reply(ctx, query).Text
}

// Reply is Answer with provenance.
func (a *Assistant) Reply(ctx context.Context, query string) Reply {
	start := time.Now()
	reply := a.reply(ctx, query)
	a.metrics.RecordAnswer(string(reply.Source), time.Since(start))
	return reply
}

func (a *Assistant) reply(ctx context.Context, query string) Reply {
	if a.generator == nil {
		a.metrics.RecordRemoteRequest(string(ErrConfigAbsent), 0)
		return a.fallbackReply(query)
	}

	if a.cache != nil {
		if cached, ok := a.cache.Get(ctx, query); ok && cached != "" {
			a.metrics.RecordCacheHit()
			return Reply{Text: cached, Source: SourceCache}
		}
		a.metrics.RecordCacheMiss()
	}

	start := time.Now()
	text, err := a.generate(ctx, query)
	if err != nil {
		errType := ClassifyError(err)
		a.metrics.RecordRemoteRequest(string(errType), time.Since(start))
		if errType != ErrConfigAbsent {
			a.logger.WithFields(logrus.Fields{
				"error_type": errType,
				"duration":   time.Since(start),
			}).WithError(err).Warn("Remote generation failed, using fallback")
		}
		return a.fallbackReply(query)
	}
	a.metrics.RecordRemoteRequest("success", time.Since(start))

	if a.cache != nil {
		if err := a.cache.Set(ctx, query, text); err != nil {
			a.logger.WithError(err).Debug("Failed to cache answer")
		}
	}

	return Reply{Text: text, Source: SourceRemote}
}

// generate shields callers from generator panics.
func (a *Assistant) generate(ctx context.Context, query string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = &RemoteError{Type: ErrUnknown, Err: fmt.Errorf("generator panic: %v", r)}
		}
	}()

	background := ""
	if a.profile != nil {
		background = a.profile.Background
	}

	text, err = a.generator.Generate(ctx, background, query)
	if err == nil && strings.TrimSpace(text) == "" {
		err = &RemoteError{Type: ErrMalformed, Message: "empty answer"}
	}
	return text, err
}

func (a *Assistant) fallbackReply(query string) Reply {
	text, rule := a.fallback.Respond(query)
	if strings.TrimSpace(text) == "" {
		text, rule = lastResort, knowledge.DefaultRuleName
	}
	a.metrics.RecordFallbackRule(rule)
	return Reply{Text: text, Source: SourceFallback, Rule: rule}
}
