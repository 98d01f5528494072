// Package broker は要求元（コンシューマー）とコーディネーターの間のメッセージ中継を行う。
// 要求ごとに応答ハンドルを発行し、コーディネーターからの応答を要求元へ届ける。
package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/arai-a/phabr/internal/model"
)

// Requester は応答ハンドルに対する結果の配信を要求する相手。
type Requester interface {
	Request(handle string)
}

// DropRecorder は届け先の無い応答の計測インターフェース。
type DropRecorder interface {
	RecordReplyDropped()
}

type nopDropRecorder struct{}

func (nopDropRecorder) RecordReplyDropped() {}

type origin struct {
	consumerID string
	ch         chan model.Outcome
}

// Broker は応答ハンドルと要求元の対応を保持する。
type Broker struct {
	logger   *slog.Logger
	dropped  DropRecorder
	newID    func() string
	mu       sync.Mutex
	origins  map[string]origin
	upstream Requester
}

// New はBrokerの新しいインスタンスを生成する。
// 上流のRequesterはAttachで後から設定する（コーディネーターがBrokerを返信先として持つため）。
func New(logger *slog.Logger) *Broker {
	return &Broker{
		logger:  logger,
		dropped: nopDropRecorder{},
		newID:   uuid.NewString,
		origins: make(map[string]origin),
	}
}

// Attach は要求の転送先を設定する。
func (b *Broker) Attach(r Requester) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upstream = r
}

// WithDropRecorder は届け先の無い応答の計測先を設定する。
func (b *Broker) WithDropRecorder(r DropRecorder) *Broker {
	if r != nil {
		b.dropped = r
	}
	return b
}

// Query はconsumerIDの要求を上流に転送し、結果が届くかctxが終了するまで待つ。
// ctxが先に終了した場合、後から届いた応答は破棄される。
func (b *Broker) Query(ctx context.Context, consumerID string) (model.Outcome, error) {
	handle := b.newID()
	ch := make(chan model.Outcome, 1)

	b.mu.Lock()
	b.origins[handle] = origin{consumerID: consumerID, ch: ch}
	upstream := b.upstream
	b.mu.Unlock()
	defer b.unregister(handle)

	// 上流はキャッシュ命中時に同期的にReplyを呼ぶため、ロックを保持したまま呼ばない
	upstream.Request(handle)

	select {
	case outcome := <-ch:
		return outcome, nil
	case <-ctx.Done():
		b.logger.Info("応答を待たずに要求元が離脱しました",
			slog.String("consumer_id", consumerID),
			slog.String("handle", handle),
		)
		return model.Outcome{}, ctx.Err()
	}
}

// Reply はhandleの要求元へ結果を届ける。
// 要求元が既に存在しない場合は何もしない。
func (b *Broker) Reply(handle string, outcome model.Outcome) {
	b.mu.Lock()
	o, ok := b.origins[handle]
	b.mu.Unlock()

	if !ok {
		b.dropped.RecordReplyDropped()
		b.logger.Debug("届け先の無い応答を破棄しました",
			slog.String("handle", handle),
		)
		return
	}

	select {
	case o.ch <- outcome:
	default:
		// 1つのハンドルへの応答は1回のみ
		b.dropped.RecordReplyDropped()
	}
}

// Pending は応答待ちの要求数を返す。
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.origins)
}

func (b *Broker) unregister(handle string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.origins, handle)
}
