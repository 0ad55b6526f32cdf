package github

import "fmt"

// KeyFormatError は秘密鍵PEMの形式が解釈できないことを表す。
// リトライしても回復しない設定不備として扱う。
type KeyFormatError struct {
	Reason string
	Err    error
}

// Error はerrorインターフェースを実装する。鍵の内容は含めない。
func (e *KeyFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid private key format: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid private key format: %s", e.Reason)
}

// Unwrap は元エラーを返す。
func (e *KeyFormatError) Unwrap() error { return e.Err }

// SigningError は署名処理の失敗を表す。
type SigningError struct {
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *SigningError) Error() string {
	return fmt.Sprintf("failed to sign app JWT: %v", e.Err)
}

// Unwrap は元エラーを返す。
func (e *SigningError) Unwrap() error { return e.Err }

// TokenExchangeError はGitHub APIが期待外のHTTPステータスを返したことを表す。
// 診断用にエンドポイント、ステータスコード、レスポンスボディ（先頭のみ）を保持する。
// 秘密鍵やトークンの値は含めない。
type TokenExchangeError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

// Error はerrorインターフェースを実装する。
func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("github api %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}
