package credential

import (
	"context"
	"log/slog"

	"github.com/arai-a/phabr/internal/conduit"
	"github.com/arai-a/phabr/internal/model"
)

// MethodWhoAmI はトークンの所有者を返すConduitメソッド名。
const MethodWhoAmI = "user.whoami"

// Caller はConduit呼び出しのインターフェース。
// テスト時にモックに差し替え可能。
type Caller interface {
	CallInto(ctx context.Context, name string, params []conduit.Param, v any) error
}

// Resolver は保存済みトークンから(トークン, ユーザーPHID)の組を解決する。
// ストアの読み書き失敗は握りつぶして「未設定」とみなし、Conduitのエラーは呼び出し元に返す。
type Resolver struct {
	store  Store
	caller Caller
	logger *slog.Logger
}

// NewResolver はResolverの新しいインスタンスを生成する。
func NewResolver(store Store, caller Caller, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		caller: caller,
		logger: logger,
	}
}

// ResolveToken は保存済みのAPIトークンを返す。
// 未設定、形式不正、ストア読み取り失敗のいずれの場合もfalseを返す。
func (r *Resolver) ResolveToken(ctx context.Context) (string, bool) {
	token := r.read(ctx, model.CredentialKeyToken)
	if !model.IsValidToken(token) {
		return "", false
	}
	return token, true
}

// ResolveIdentity はトークンに対応するユーザーPHIDを返す。
// 保存済みの有効なPHIDがあればそれを使い、なければuser.whoamiで取得して保存する。
// 取得したPHIDの形式が不正な場合はfalseを返す。Conduitのエラーはそのまま返す。
func (r *Resolver) ResolveIdentity(ctx context.Context, token string) (string, bool, error) {
	if phid := r.read(ctx, model.CredentialKeyPHID); model.IsValidUserPHID(phid) {
		return phid, true, nil
	}

	var whoami struct {
		PHID string `json:"phid"`
	}
	err := r.caller.CallInto(ctx, MethodWhoAmI, []conduit.Param{
		{Key: "api.token", Value: token},
	}, &whoami)
	if err != nil {
		return "", false, err
	}

	if !model.IsValidUserPHID(whoami.PHID) {
		r.logger.Warn("user.whoamiが不正な形式のPHIDを返しました",
			slog.String("phid", whoami.PHID),
		)
		return "", false, nil
	}

	// 保存はベストエフォート。失敗しても解決結果は返す
	if err := r.store.Set(ctx, model.CredentialKeyPHID, whoami.PHID); err != nil {
		r.logger.Warn("PHIDの保存に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	return whoami.PHID, true, nil
}

func (r *Resolver) read(ctx context.Context, key string) string {
	value, err := r.store.Get(ctx, key)
	if err != nil {
		r.logger.Warn("資格情報の読み取りに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return value
}
