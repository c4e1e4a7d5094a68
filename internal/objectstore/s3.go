// Package objectstore はステージング済み画像をS3互換ストレージへ保存し、
// 恒久URLを返す。
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/hitoshi/crispcolon/internal/model"
)

// Config はS3互換ストレージの接続設定。
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // MinIO等を使う場合のベースエンドポイント。空ならAWS
	AccessKeyID     string // 空の場合はSDKの既定の認証情報チェーンを使う
	SecretAccessKey string
	UsePathStyle    bool
	PublicBaseURL   string // 配信用のベースURL（CDN等）。空ならエンドポイントから組み立てる
	KeyPrefix       string
	MaxAttempts     int // SDKの再試行を含む最大試行回数
}

// Object は保存対象のローカルファイルを表す。
type Object struct {
	Path         string
	Name         string
	ContentType  string
	Size         int64
	OwnerID      string
	OriginalName string
}

// s3API はS3Storeが使うS3クライアントのメソッド。
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Store はS3互換ストレージへのアップロードを行う。
type S3Store struct {
	client s3API
	cfg    Config
	now    func() time.Time
}

// NewS3Store は設定からS3クライアントを構築してS3Storeを生成する。
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.MaxAttempts))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// S3互換ストレージではaws-chunkedのトレーラー付きチェックサムに非対応のものがある
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	return newS3Store(client, cfg), nil
}

func newS3Store(client s3API, cfg Config) *S3Store {
	return &S3Store{client: client, cfg: cfg, now: time.Now}
}

// Upload はファイルを保存し、恒久URLを返す。
// 失敗時はmodel.ErrObjectStoreをラップしたエラーを返す。
func (s *S3Store) Upload(ctx context.Context, obj Object) (string, error) {
	key := s.objectKey(obj)

	f, err := os.Open(obj.Path)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %w", model.ErrObjectStore, obj.Path, err)
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(obj.ContentType),
		Metadata:    map[string]string{},
	}
	if obj.Size > 0 {
		input.ContentLength = aws.Int64(obj.Size)
	}
	if obj.OwnerID != "" {
		input.Metadata["owner"] = obj.OwnerID
	}
	if obj.OriginalName != "" {
		// メタデータはHTTPヘッダーで送られるためASCIIに限定する
		input.Metadata["original-name"] = url.QueryEscape(obj.OriginalName)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("%w: put object %s: %w", model.ErrObjectStore, key, err)
	}
	return s.ObjectURL(key), nil
}

// Ping はバケットに到達できるかを確認する。
func (s *S3Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)}); err != nil {
		return fmt.Errorf("%w: head bucket %s: %w", model.ErrObjectStore, s.cfg.Bucket, err)
	}
	return nil
}

// objectKey は "<prefix>/users/<owner>/<年>/<月>/<日>/<name>" 形式のキーを返す。
func (s *S3Store) objectKey(obj Object) string {
	d := s.now().UTC()
	owner := obj.OwnerID
	if owner == "" {
		owner = "anonymous"
	}
	name := obj.Name
	if name == "" {
		name = uuid.NewString()
	}
	return path.Join(
		s.cfg.KeyPrefix,
		"users", owner,
		fmt.Sprintf("%04d", d.Year()),
		fmt.Sprintf("%02d", int(d.Month())),
		fmt.Sprintf("%02d", d.Day()),
		name,
	)
}

// ObjectURL はキーに対応する公開URLを返す。
func (s *S3Store) ObjectURL(key string) string {
	escaped := escapeKey(key)

	if s.cfg.PublicBaseURL != "" {
		return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/" + escaped
	}
	if s.cfg.Endpoint != "" {
		base := strings.TrimRight(s.cfg.Endpoint, "/")
		if s.cfg.UsePathStyle {
			return base + "/" + s.cfg.Bucket + "/" + escaped
		}
		if u, err := url.Parse(base); err == nil && u.Host != "" {
			u.Host = s.cfg.Bucket + "." + u.Host
			return strings.TrimRight(u.String(), "/") + "/" + escaped
		}
		return base + "/" + s.cfg.Bucket + "/" + escaped
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, escaped)
}

// escapeKey はキーの各セグメントをURLパス用にエスケープする。
func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
