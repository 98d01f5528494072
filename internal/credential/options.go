package credential

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arai-a/phabr/internal/model"
)

// Options は設定画面相当の操作（トークンの保存・表示、PHIDのクリア）を提供する。
type Options struct {
	store  Store
	logger *slog.Logger
}

// NewOptions はOptionsの新しいインスタンスを生成する。
func NewOptions(store Store, logger *slog.Logger) *Options {
	return &Options{store: store, logger: logger}
}

// SaveToken は入力されたトークンをそのまま保存する。
// 形式の検証は読み取り側（ResolveToken）で行う。
func (o *Options) SaveToken(ctx context.Context, token string) error {
	if err := o.store.Set(ctx, model.CredentialKeyToken, token); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	o.logger.Info("APIトークンを保存しました",
		slog.Bool("valid_format", model.IsValidToken(token)),
	)
	return nil
}

// Token は保存済みトークンが有効な形式の場合のみ返す。
// 読み取り失敗は未設定として扱う。
func (o *Options) Token(ctx context.Context) (string, bool) {
	token, err := o.store.Get(ctx, model.CredentialKeyToken)
	if err != nil {
		o.logger.Warn("APIトークンの読み取りに失敗しました",
			slog.String("error", err.Error()),
		)
		return "", false
	}
	if !model.IsValidToken(token) {
		return "", false
	}
	return token, true
}

// ClearPHID は保存済みのユーザーPHIDを削除する。
// トークンを別ユーザーのものに差し替えた場合に使う。
func (o *Options) ClearPHID(ctx context.Context) error {
	if err := o.store.Delete(ctx, model.CredentialKeyPHID); err != nil {
		return fmt.Errorf("failed to clear phid: %w", err)
	}
	o.logger.Info("保存済みのPHIDを削除しました")
	return nil
}
