package conduit

import "fmt"

// APIError はConduitがresultを返さずerror_code/error_infoを返した場合のエラー。
// Nameは失敗したメソッド名（例: differential.query）。
type APIError struct {
	Name string
	Code string
	Info string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("conduit %s failed: %s: %s", e.Name, e.Code, e.Info)
}
