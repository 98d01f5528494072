package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Status はクエリ結果の種別を表す。
type Status string

const (
	// StatusOK はレビュー一覧の取得に成功したことを示す。
	StatusOK Status = "ok"
	// StatusTokenUnavailable は有効なAPIトークンが設定されていないことを示す。
	StatusTokenUnavailable Status = "token-unavailable"
	// StatusIdentityUnavailable はトークンからユーザーPHIDを解決できなかったことを示す。
	StatusIdentityUnavailable Status = "identity-unavailable"
	// StatusAPIError はConduitが構造化エラーを返したことを示す。
	StatusAPIError Status = "api-error"
	// StatusUnknownError はそれ以外の失敗（通信エラーなど）を示す。
	StatusUnknownError Status = "unknown-error"
)

// UnknownErrorPlaceholder はメッセージを持たない失敗に使う固定メッセージ。
const UnknownErrorPlaceholder = "unknown error"

// BadgeLimit はバッジ表示を「*」に切り替える件数。レビュー取得上限と同じ。
const BadgeLimit = 10

// Outcome は1回のクエリパイプラインの結果。
// Statusごとに意味を持つフィールドが決まっており、生成後は変更しない。
type Outcome struct {
	Status  Status
	Reviews []ReviewSummary // StatusOK
	Name    string          // StatusAPIError: 失敗したConduitメソッド名
	Code    string          // StatusAPIError
	Info    string          // StatusAPIError
	Message string          // StatusUnknownError
}

// OK はレビュー一覧を持つ成功結果を生成する。
func OK(reviews []ReviewSummary) Outcome {
	if reviews == nil {
		reviews = []ReviewSummary{}
	}
	return Outcome{Status: StatusOK, Reviews: reviews}
}

// TokenUnavailable はトークン未設定の結果を生成する。
func TokenUnavailable() Outcome {
	return Outcome{Status: StatusTokenUnavailable}
}

// IdentityUnavailable はPHID未解決の結果を生成する。
func IdentityUnavailable() Outcome {
	return Outcome{Status: StatusIdentityUnavailable}
}

// APIErrorOutcome はConduitエラーの結果を生成する。
func APIErrorOutcome(name, code, info string) Outcome {
	return Outcome{Status: StatusAPIError, Name: name, Code: code, Info: info}
}

// UnknownError は分類外の失敗の結果を生成する。
// メッセージが空の場合は固定メッセージを使う。
func UnknownError(message string) Outcome {
	if message == "" {
		message = UnknownErrorPlaceholder
	}
	return Outcome{Status: StatusUnknownError, Message: message}
}

// IsOK は成功結果かどうかを返す。
func (o Outcome) IsOK() bool {
	return o.Status == StatusOK
}

// Badge はホストページのバッジに表示する文字列を返す。
// 件数、上限以上なら「*」、失敗時は「-」。
func (o Outcome) Badge() string {
	if !o.IsOK() {
		return "-"
	}
	if len(o.Reviews) >= BadgeLimit {
		return "*"
	}
	return strconv.Itoa(len(o.Reviews))
}

// String はログ出力用の短い表現を返す。
func (o Outcome) String() string {
	switch o.Status {
	case StatusOK:
		return fmt.Sprintf("ok(%d reviews)", len(o.Reviews))
	case StatusAPIError:
		return fmt.Sprintf("api-error(%s: %s %s)", o.Name, o.Code, o.Info)
	case StatusUnknownError:
		return fmt.Sprintf("unknown-error(%s)", o.Message)
	default:
		return string(o.Status)
	}
}

type okWire struct {
	Status  Status          `json:"status"`
	Reviews []ReviewSummary `json:"reviews"`
}

type apiErrorWire struct {
	Status Status `json:"status"`
	Name   string `json:"name"`
	Code   string `json:"code"`
	Info   string `json:"info"`
}

type unknownErrorWire struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

type statusWire struct {
	Status Status `json:"status"`
}

// MarshalJSON はStatusに応じたフィールドのみを出力する。
func (o Outcome) MarshalJSON() ([]byte, error) {
	switch o.Status {
	case StatusOK:
		reviews := o.Reviews
		if reviews == nil {
			reviews = []ReviewSummary{}
		}
		return json.Marshal(okWire{Status: o.Status, Reviews: reviews})
	case StatusAPIError:
		return json.Marshal(apiErrorWire{Status: o.Status, Name: o.Name, Code: o.Code, Info: o.Info})
	case StatusUnknownError:
		return json.Marshal(unknownErrorWire{Status: o.Status, Message: o.Message})
	case StatusTokenUnavailable, StatusIdentityUnavailable:
		return json.Marshal(statusWire{Status: o.Status})
	default:
		return nil, fmt.Errorf("unknown outcome status: %q", o.Status)
	}
}

// UnmarshalJSON はStatusタグに従って結果を復元する。
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var wire struct {
		Status  Status          `json:"status"`
		Reviews []ReviewSummary `json:"reviews"`
		Name    string          `json:"name"`
		Code    string          `json:"code"`
		Info    string          `json:"info"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	switch wire.Status {
	case StatusOK:
		*o = OK(wire.Reviews)
	case StatusTokenUnavailable:
		*o = TokenUnavailable()
	case StatusIdentityUnavailable:
		*o = IdentityUnavailable()
	case StatusAPIError:
		*o = APIErrorOutcome(wire.Name, wire.Code, wire.Info)
	case StatusUnknownError:
		*o = UnknownError(wire.Message)
	default:
		return fmt.Errorf("unknown outcome status: %q", wire.Status)
	}
	return nil
}
