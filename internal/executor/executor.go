package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/strategy"
)

// Evaluator runs the trading pipeline for one scored news item.
type Evaluator interface {
	Evaluate(ctx context.Context, news domain.NewsItem, score *domain.SentimentScore) ([]strategy.Outcome, error)
}

// Executor reads scored news from a channel, records each item, drops
// duplicates and hands the rest to the strategy engine. A failure on one
// item is logged and never stops the loop.
type Executor struct {
	newsCh      <-chan domain.ScoredNews
	engine      Evaluator
	store       domain.NewsStore // optional
	dedup       *Dedup
	autoExecute bool
	logger      *slog.Logger

	cleanupInterval time.Duration
	now             func() time.Time
}

// NewExecutor creates an Executor. When autoExecute is false news is recorded
// but never evaluated. store may be nil.
func NewExecutor(
	newsCh <-chan domain.ScoredNews,
	engine Evaluator,
	store domain.NewsStore,
	dedupTTL time.Duration,
	autoExecute bool,
	logger *slog.Logger,
) *Executor {
	if dedupTTL <= 0 {
		dedupTTL = 10 * time.Minute
	}
	return &Executor{
		newsCh:          newsCh,
		engine:          engine,
		store:           store,
		dedup:           NewDedup(dedupTTL),
		autoExecute:     autoExecute,
		logger:          logger.With(slog.String("component", "executor")),
		cleanupInterval: time.Minute,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Run processes news until ctx is cancelled, then records what is already
// buffered without evaluating it. It returns nil when the channel is closed.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started", slog.Bool("auto_execute", e.autoExecute))
	defer e.logger.Info("executor stopped")

	cleanup := time.NewTicker(e.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		case item, ok := <-e.newsCh:
			if !ok {
				return nil
			}
			e.Process(ctx, item)
		case <-cleanup.C:
			if n := e.dedup.Cleanup(); n > 0 {
				e.logger.Debug("dedup entries expired", slog.Int("removed", n))
			}
		}
	}
}

// Process handles one scored news item and returns the engine outcomes.
func (e *Executor) Process(ctx context.Context, item domain.ScoredNews) []strategy.Outcome {
	news := item.News
	log := e.newsLogger(news)
	if !e.admit(ctx, item, log) {
		return nil
	}
	if !e.autoExecute {
		log.Debug("auto-execute disabled, news recorded only")
		return nil
	}

	outcomes, err := e.engine.Evaluate(ctx, news, item.Sentiment)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, domain.ErrTransient) {
			level = slog.LevelWarn
		}
		log.Log(ctx, level, "news evaluation failed", slog.String("error", err.Error()))
	}

	for _, out := range outcomes {
		if !out.Traded() {
			continue
		}
		if e.store != nil {
			if merr := e.store.MarkTriggered(ctx, news.ID); merr != nil {
				log.Warn("mark news triggered failed", slog.String("error", merr.Error()))
			}
		}
		break
	}
	if len(outcomes) > 0 {
		log.Info("news evaluated", slog.Int("signals", len(outcomes)))
	}
	return outcomes
}

func (e *Executor) newsLogger(news domain.NewsItem) *slog.Logger {
	return e.logger.With(
		slog.String("news_id", news.ID),
		slog.String("source", news.Source),
	)
}

// admit drops items without an id and duplicates, then records the rest.
func (e *Executor) admit(ctx context.Context, item domain.ScoredNews, log *slog.Logger) bool {
	if item.News.ID == "" {
		log.Warn("news without id dropped")
		return false
	}
	if e.dedup.Seen(item.News.ID) {
		log.Debug("duplicate news skipped")
		return false
	}
	e.record(ctx, item, log)
	return true
}

func (e *Executor) record(ctx context.Context, item domain.ScoredNews, log *slog.Logger) {
	if e.store == nil {
		return
	}
	rec := domain.NewsRecord{NewsItem: item.News, ReceivedAt: e.now()}
	if s := item.Sentiment; s != nil {
		rec.Polarity, rec.Confidence, rec.Method = s.Polarity, s.Confidence, s.Method
	}
	if err := e.store.Insert(ctx, rec); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		log.Warn("persist news failed", slog.String("error", err.Error()))
	}
}

// drain records news still buffered at shutdown without trading on it.
func (e *Executor) drain() {
	for {
		select {
		case item, ok := <-e.newsCh:
			if !ok {
				return
			}
			log := e.newsLogger(item.News)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if e.admit(ctx, item, log) {
				log.Info("news recorded during shutdown, not evaluated")
			}
			cancel()
		default:
			return
		}
	}
}
