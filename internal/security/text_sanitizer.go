package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MaxTextRunes は質問文とお知らせの最大文字数。
const MaxTextRunes = 500

// TextSanitizer は質問文やお知らせなど、利用者が入力した平文を安全な文字列に変換する。
type TextSanitizer interface {
	// Sanitize はタグを除去して本文だけを残し、前後の空白を取り除く。
	// 結果は平文で、表示側でのエスケープを前提とする。
	// MaxTextRunesを超える入力は切り詰める。
	Sanitize(text string) string
}

// textSanitizer はbluemondayのStrictPolicyによるTextSanitizerの実装。
// Policyはgoroutine間で共有しても安全。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はTextSanitizerを実装する。
func (s *textSanitizer) Sanitize(text string) string {
	if runes := []rune(text); len(runes) > MaxTextRunes {
		text = string(runes[:MaxTextRunes])
	}
	// StrictPolicyは本文をHTMLエスケープして返すので平文に戻す
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(text)))
}
