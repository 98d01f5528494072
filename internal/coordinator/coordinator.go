// Package coordinator はレビュー取得パイプラインの実行を調停する。
//
// 同時に実行されるパイプラインは常に1本まで。実行中に届いた要求は到着順に
// キューに積まれ、パイプライン完了時に同じ結果を一斉に受け取る。
// 結果（エラーを含む）は一定時間キャッシュされ、その間の要求には即座に応答する。
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arai-a/phabr/internal/conduit"
	"github.com/arai-a/phabr/internal/model"
)

// DefaultTTL はキャッシュの既定の有効期間。
const DefaultTTL = 60 * time.Second

// 要求の処理経路。メトリクスのラベルに使う。
const (
	SourceCache   = "cache"
	SourceQueued  = "queued"
	SourceStarted = "started"
)

// CredentialResolver は資格情報の解決を行うインターフェース。
type CredentialResolver interface {
	ResolveToken(ctx context.Context) (string, bool)
	ResolveIdentity(ctx context.Context, token string) (string, bool, error)
}

// ReviewFetcher はレビューの取得と著者名の解決を行うインターフェース。
type ReviewFetcher interface {
	FetchPending(ctx context.Context, token, phid string) ([]model.RawReview, error)
	ResolveAuthorNames(ctx context.Context, token string, reviews []model.RawReview) (map[string]string, error)
}

// Replier は要求元ハンドルへ結果を届ける。
// 要求元が既に存在しない場合は何もしない。
type Replier interface {
	Reply(handle string, outcome model.Outcome)
}

// Metrics はコーディネーターの計測インターフェース。
type Metrics interface {
	RecordRequest(source string)
	RecordEpisode(status string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordRequest(string)                {}
func (nopMetrics) RecordEpisode(string, time.Duration) {}

type entry struct {
	outcome    model.Outcome
	producedAt time.Time
}

// Coordinator はパイプラインの単一実行、結果キャッシュ、待機中要求への配信を管理する。
// 全てのメソッドは複数のゴルーチンから安全に呼び出せる。
type Coordinator struct {
	resolver CredentialResolver
	fetcher  ReviewFetcher
	replier  Replier
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
	okTTL    time.Duration
	errTTL   time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	running bool
	queue   []waiter
	cache   *entry
}

// Option はCoordinatorの設定を変更する。
type Option func(*Coordinator)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithTTL はok結果とそれ以外の結果のキャッシュ有効期間を設定する。
func WithTTL(ok, err time.Duration) Option {
	return func(c *Coordinator) {
		c.okTTL = ok
		c.errTTL = err
	}
}

// WithTimeout は1回のパイプライン実行の上限時間を設定する。0で無制限。
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithMetrics は計測先を設定する。
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New はCoordinatorの新しいインスタンスを生成する。
func New(resolver CredentialResolver, fetcher ReviewFetcher, replier Replier, opts ...Option) *Coordinator {
	c := &Coordinator{
		resolver: resolver,
		fetcher:  fetcher,
		replier:  replier,
		metrics:  nopMetrics{},
		logger:   slog.Default(),
		now:      time.Now,
		okTTL:    DefaultTTL,
		errTTL:   DefaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request はhandleに対する結果の配信を要求する。呼び出し元をブロックしない。
// 有効なキャッシュがあれば即座に応答し、なければキューに積んで
// パイプラインが停止中の場合のみ新たに開始する。
func (c *Coordinator) Request(handle string) {
	if cached, ok := c.enqueue(waiter{handle: handle}); ok {
		c.replier.Reply(handle, cached)
	}
}

// Query は結果を同期的に待って返す。キャッシュと単一実行の制約はRequestと共有する。
// 結果が届く前にctxが終了した場合はunknown-errorを返す。実行中のパイプラインは中断しない。
func (c *Coordinator) Query(ctx context.Context) model.Outcome {
	ch := make(chan model.Outcome, 1)
	if cached, ok := c.enqueue(waiter{ch: ch}); ok {
		return cached
	}
	select {
	case outcome := <-ch:
		return outcome
	case <-ctx.Done():
		return model.UnknownError(ctx.Err().Error())
	}
}

// waiter はキュー内の待機者。chがnilの場合はhandle宛にReplierで配信する。
type waiter struct {
	handle string
	ch     chan model.Outcome
}

func (w waiter) deliver(r Replier, outcome model.Outcome) {
	if w.ch != nil {
		w.ch <- outcome
		return
	}
	r.Reply(w.handle, outcome)
}

// enqueue は有効なキャッシュがあればそれを返す。
// なければwをキューに積み、必要ならパイプラインを開始する。
func (c *Coordinator) enqueue(w waiter) (model.Outcome, bool) {
	c.mu.Lock()
	if cached, ok := c.validLocked(); ok {
		c.mu.Unlock()
		c.metrics.RecordRequest(SourceCache)
		return cached, true
	}

	c.queue = append(c.queue, w)
	if c.running {
		c.mu.Unlock()
		c.metrics.RecordRequest(SourceQueued)
		return model.Outcome{}, false
	}
	c.running = true
	c.mu.Unlock()

	c.metrics.RecordRequest(SourceStarted)
	go c.runEpisode()
	return model.Outcome{}, false
}

func (c *Coordinator) runEpisode() {
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	outcome := c.pipeline(ctx)
	elapsed := time.Since(start)

	c.mu.Lock()
	c.cache = &entry{outcome: outcome, producedAt: c.now()}
	waiting := c.queue
	c.queue = nil
	c.running = false
	c.mu.Unlock()

	c.metrics.RecordEpisode(string(outcome.Status), elapsed)
	c.logger.Info("レビュー取得を完了しました",
		slog.String("outcome", outcome.String()),
		slog.Int("waiting", len(waiting)),
		slog.Duration("duration", elapsed),
	)

	for _, w := range waiting {
		w.deliver(c.replier, outcome)
	}
}

// pipeline はトークン解決、PHID解決、レビュー取得、著者名解決を順に行い結果を返す。
// エラーはここでのみOutcomeに変換する。
func (c *Coordinator) pipeline(ctx context.Context) (outcome model.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("パイプラインでpanicが発生しました",
				slog.Any("panic", r),
			)
			outcome = model.UnknownError("")
		}
	}()

	token, ok := c.resolver.ResolveToken(ctx)
	if !ok {
		return model.TokenUnavailable()
	}

	phid, ok, err := c.resolver.ResolveIdentity(ctx, token)
	if err != nil {
		return c.classify(err)
	}
	if !ok {
		return model.IdentityUnavailable()
	}

	reviews, err := c.fetcher.FetchPending(ctx, token, phid)
	if err != nil {
		return c.classify(err)
	}

	names, err := c.fetcher.ResolveAuthorNames(ctx, token, reviews)
	if err != nil {
		return c.classify(err)
	}

	return model.OK(model.Summarize(reviews, names))
}

func (c *Coordinator) classify(err error) model.Outcome {
	var apiErr *conduit.APIError
	if errors.As(err, &apiErr) {
		return model.APIErrorOutcome(apiErr.Name, apiErr.Code, apiErr.Info)
	}
	c.logger.Warn("レビュー取得中にエラーが発生しました",
		slog.String("error", err.Error()),
	)
	return model.UnknownError(err.Error())
}

func (c *Coordinator) validLocked() (model.Outcome, bool) {
	if c.cache == nil {
		return model.Outcome{}, false
	}
	ttl := c.okTTL
	if !c.cache.outcome.IsOK() {
		ttl = c.errTTL
	}
	if !c.now().Before(c.cache.producedAt.Add(ttl)) {
		return model.Outcome{}, false
	}
	return c.cache.outcome, true
}

// Snapshot はコーディネーターの状態の写し。
type Snapshot struct {
	Running     bool          `json:"running"`
	Queued      int           `json:"queued"`
	Cached      bool          `json:"cached"`
	CacheStatus model.Status  `json:"cacheStatus,omitempty"`
	CacheAge    time.Duration `json:"-"`
	CacheAgeMs  int64         `json:"cacheAgeMs"`
	CacheValid  bool          `json:"cacheValid"`
}

// Snapshot は現在の実行状態、キュー長、キャッシュの状態を返す。
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Running: c.running,
		Queued:  len(c.queue),
	}
	if c.cache != nil {
		_, valid := c.validLocked()
		s.Cached = true
		s.CacheStatus = c.cache.outcome.Status
		s.CacheAge = c.now().Sub(c.cache.producedAt)
		s.CacheAgeMs = s.CacheAge.Milliseconds()
		s.CacheValid = valid
	}
	return s
}
