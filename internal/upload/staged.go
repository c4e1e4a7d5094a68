package upload

import (
	"errors"
	"io/fs"
	"os"
)

// StagedImage はステージング済みの画像ファイルを表す。
// 生成したリクエストだけが所有し、処理の終了時に必ずRemoveされる。
type StagedImage struct {
	Path         string // ステージングファイルの絶対パス
	Name         string // "<unixミリ秒>-<uuid><拡張子>"
	OriginalName string // サニタイズ済みのクライアント側ファイル名
	ContentType  string // 先頭バイトから判定したContent-Type
	Size         int64
}

// Open はステージングファイルを読み取り用に開く。呼び出し側がCloseする。
func (s *StagedImage) Open() (*os.File, error) {
	return os.Open(s.Path)
}

// Remove はステージングファイルを削除する。
// 既に削除済みの場合はnilを返すため、何度呼んでもよい。
func (s *StagedImage) Remove() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
