// Package upload はmultipartリクエストから画像ファイルを1件受け取り、
// 一時ディレクトリにステージングする。
package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/crispcolon/internal/model"
	"github.com/hitoshi/crispcolon/internal/security"
)

const (
	// DefaultFieldName は画像ファイルを受け取るmultipartフィールド名。
	DefaultFieldName = "file"
	// DefaultMaxBytes は受け付ける画像の最大サイズ（10 MiB）。
	DefaultMaxBytes int64 = 10 << 20

	// sniffLen はContent-Type判定に使う先頭バイト数。
	sniffLen = 512
	// multipartOverhead はファイル本体以外のmultipart部分として許容するバイト数。
	multipartOverhead int64 = 1 << 20
)

// DefaultAllowedTypes は受け付ける画像のContent-Type。
var DefaultAllowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/webp",
	"image/bmp",
	"image/tiff",
}

// Config はUpload Receiverの設定。
type Config struct {
	Dir          string   // ステージングディレクトリ
	FieldName    string   // ファイルを受け取るフィールド名
	MaxBytes     int64    // ファイルサイズ上限（バイト）
	AllowedTypes []string // 許可するContent-Type
}

// Receiver はアップロードされた画像を検証し、一意な名前でステージングする。
// 複数のリクエストから同時に呼び出してよい。
type Receiver struct {
	cfg       Config
	sanitizer *security.FilenameSanitizer
	logger    *slog.Logger
	now       func() time.Time
}

// NewReceiver はReceiverを生成する。ステージングディレクトリが無ければ作成する。
func NewReceiver(cfg Config, logger *slog.Logger) (*Receiver, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("upload dir is required")
	}
	if cfg.FieldName == "" {
		cfg.FieldName = DefaultFieldName
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = DefaultAllowedTypes
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Receiver{
		cfg:       cfg,
		sanitizer: security.NewFilenameSanitizer(),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Dir はステージングディレクトリを返す。
func (rc *Receiver) Dir() string {
	return rc.cfg.Dir
}

// Receive はリクエストからファイルを1件読み取り、ステージングする。
// 指定フィールドの最初のファイルのみを採用し、残りのパートは読まない。
// 検証に失敗した場合、書きかけのファイルは削除してから返す。
func (rc *Receiver) Receive(w http.ResponseWriter, r *http.Request) (*StagedImage, error) {
	r.Body = http.MaxBytesReader(w, r.Body, rc.cfg.MaxBytes+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrNoFileProvided, err)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, model.ErrNoFileProvided
		}
		if err != nil {
			return nil, classifyReadError(err)
		}

		if part.FormName() != rc.cfg.FieldName || part.FileName() == "" {
			part.Close()
			continue
		}

		img, err := rc.stage(part, part.FileName())
		part.Close()
		if err != nil {
			return nil, err
		}
		return img, nil
	}
}

// stage はパートの内容を検証しながらディスクに書き出す。
func (rc *Receiver) stage(src io.Reader, originalName string) (*StagedImage, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, classifyReadError(err)
	}
	head = head[:n]
	if n == 0 {
		return nil, fmt.Errorf("%w: empty file", model.ErrNoFileProvided)
	}

	contentType := sniffContentType(head)
	if !slices.Contains(rc.cfg.AllowedTypes, contentType) {
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupportedFileType, contentType)
	}

	name := stagedName(rc.now(), contentType)
	path := filepath.Join(rc.cfg.Dir, name)

	// O_EXCLにより、同一ミリ秒・同一UUIDの衝突があっても既存ファイルを上書きしない
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}

	img := &StagedImage{
		Path:         path,
		Name:         name,
		OriginalName: rc.sanitizer.Sanitize(originalName),
		ContentType:  contentType,
	}

	size, err := rc.copyLimited(f, head, src)
	closeErr := f.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("close staged file: %w", closeErr)
	}
	if err != nil {
		if rmErr := img.Remove(); rmErr != nil {
			rc.logger.Warn("拒否したアップロードの削除に失敗しました",
				slog.String("path", path),
				slog.String("error", rmErr.Error()),
			)
		}
		return nil, err
	}
	img.Size = size

	rc.logger.Debug("アップロードをステージングしました",
		slog.String("name", name),
		slog.String("original_name", img.OriginalName),
		slog.String("content_type", contentType),
		slog.Int64("size", size),
	)
	return img, nil
}

// copyLimited は先頭バイトと残りを書き込み、上限を超えた時点でErrFileTooLargeを返す。
func (rc *Receiver) copyLimited(dst io.Writer, head []byte, src io.Reader) (int64, error) {
	if int64(len(head)) > rc.cfg.MaxBytes {
		return 0, model.ErrFileTooLarge
	}
	if _, err := dst.Write(head); err != nil {
		return 0, fmt.Errorf("write staged file: %w", err)
	}

	remaining := rc.cfg.MaxBytes - int64(len(head))
	n, err := io.Copy(dst, io.LimitReader(src, remaining+1))
	if err != nil {
		return 0, classifyReadError(err)
	}
	if n > remaining {
		return 0, fmt.Errorf("%w: exceeds %d bytes", model.ErrFileTooLarge, rc.cfg.MaxBytes)
	}
	return int64(len(head)) + n, nil
}

// classifyReadError はリクエストボディ読み取り時のエラーを分類する。
func classifyReadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: %w", model.ErrFileTooLarge, err)
	}
	return fmt.Errorf("%w: %w", model.ErrUploadInterrupted, err)
}

// sniffContentType は先頭バイトからContent-Typeを判定する。
// クライアントが申告したContent-Typeは信用しない。
func sniffContentType(head []byte) string {
	// net/httpの判定表にTIFFが無いため先に確認する
	if bytes.HasPrefix(head, []byte("II*\x00")) || bytes.HasPrefix(head, []byte("MM\x00*")) {
		return "image/tiff"
	}
	mediaType, _, err := mime.ParseMediaType(http.DetectContentType(head))
	if err != nil {
		return "application/octet-stream"
	}
	return mediaType
}

// extensions はステージングファイルに付ける拡張子。
var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
	"image/tiff": ".tiff",
}

// stagedName は "<unixミリ秒>-<uuid><拡張子>" 形式のファイル名を返す。
// 拡張子は判定したContent-Typeから決め、クライアントのファイル名は使わない。
func stagedName(now time.Time, contentType string) string {
	ext := extensions[contentType]
	if ext == "" {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
	}
	return fmt.Sprintf("%d-%s%s", now.UnixMilli(), uuid.NewString(), ext)
}
