package queue

import (
	"strings"

	"github.com/hitoshi/ohq/internal/model"
)

// NormalizeQuery は検索語を正規化する。
// 6文字以下で "-" を除くと数字のみになる場合はコース番号表記とみなして "-" を取り除く。
func NormalizeQuery(query string) string {
	if len(query) <= 6 {
		stripped := strings.ReplaceAll(query, "-", "")
		if isDigits(stripped) {
			return stripped
		}
	}
	return query
}

// MatchesQuery はキューが検索語に一致するかを判定する。大文字小文字は区別しない。
// 3桁の数字は学部コードを省いたコース番号として、番号の前方一致に加えて後方一致も許す。
func MatchesQuery(q *model.Queue, query string) bool {
	query = strings.ToLower(NormalizeQuery(query))
	if query == "" {
		return false
	}

	name := strings.ToLower(q.Name)
	number := strings.ToLower(q.CourseNumber)
	if strings.HasPrefix(name, query) || strings.HasPrefix(number, query) {
		return true
	}
	return len(query) == 3 && isDigits(query) && strings.HasSuffix(number, query)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
