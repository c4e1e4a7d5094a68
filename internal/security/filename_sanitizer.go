// Package security はアプリケーションのセキュリティ機能を提供する。
//
// FilenameSanitizer はクライアントが送ったファイル名を、ログ出力・レスポンス・
// オブジェクトメタデータに載せても安全な形に正規化する。
package security

import (
	"html"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// defaultMaxFilenameLength はサニタイズ後のファイル名の最大バイト長。
const defaultMaxFilenameLength = 255

// FilenameSanitizer はファイル名からHTML・パス要素・制御文字を取り除く。
// ポリシーは読み取り専用のため、複数ゴルーチンから同時に使用できる。
type FilenameSanitizer struct {
	policy *bluemonday.Policy
	maxLen int
}

// NewFilenameSanitizer はFilenameSanitizerを生成する。
// bluemondayのStrictPolicyで全てのタグを除去する。
func NewFilenameSanitizer() *FilenameSanitizer {
	return &FilenameSanitizer{
		policy: bluemonday.StrictPolicy(),
		maxLen: defaultMaxFilenameLength,
	}
}

// Sanitize はファイル名を正規化して返す。
// ディレクトリ部分は捨ててベース名のみを残す。結果が空になる場合は空文字を返す。
// 同一入力に対して常に同一出力を返す。
func (s *FilenameSanitizer) Sanitize(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}

	// タグ除去後のエンティティは元の文字に戻し、危険な記号はまとめて落とす
	name = html.UnescapeString(s.policy.Sanitize(name))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(`<>:"/\|?*`, r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimLeft(strings.TrimSpace(name), ".")

	return truncateUTF8(name, s.maxLen)
}

// truncateUTF8 は文字の途中で切らないようにmaxバイト以内に切り詰める。
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
