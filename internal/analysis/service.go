// Package analysis はステージング済み画像の推論・保存・履歴記録を調整する。
// どの経路で終了してもステージングファイルを削除する。
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/crispcolon/internal/metrics"
	"github.com/hitoshi/crispcolon/internal/model"
	"github.com/hitoshi/crispcolon/internal/objectstore"
	"github.com/hitoshi/crispcolon/internal/repository"
	"github.com/hitoshi/crispcolon/internal/upload"
)

const (
	// DefaultObjectStoreTimeout はオブジェクトストレージへの保存のタイムアウト。
	DefaultObjectStoreTimeout = 30 * time.Second
	// DefaultRecordTimeout はユーザーレコードの読み書きのタイムアウト。
	DefaultRecordTimeout = 10 * time.Second
	// DefaultRecordAttempts はバージョン競合時の最大試行回数。
	DefaultRecordAttempts = 3
)

// Predictor は推論サービスのインターフェース。
type Predictor interface {
	Predict(ctx context.Context, img *upload.StagedImage) (model.InferenceResult, error)
}

// ObjectStore はオブジェクトストレージのインターフェース。
type ObjectStore interface {
	Upload(ctx context.Context, obj objectstore.Object) (string, error)
}

// Config は解析サービスの設定。
type Config struct {
	ObjectStoreTimeout time.Duration
	RecordTimeout      time.Duration
	RecordAttempts     int
}

// Result は解析の結果。ユーザーレコードが存在しない場合Userはnil。
type Result struct {
	Prediction model.InferenceResult
	ImageURL   string
	User       *model.User
}

// ProfilePictureResult はプロフィール画像更新の結果。
type ProfilePictureResult struct {
	URL  string
	User *model.User
}

// Service は解析パイプラインのサービス層。
type Service struct {
	predictor Predictor
	store     ObjectStore
	users     repository.UserRepository
	metrics   metrics.PipelineMetrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// metricsやloggerがnilの場合は何も記録しない実装・既定のロガーを使う。
func NewService(
	predictor Predictor,
	store ObjectStore,
	users repository.UserRepository,
	cfg Config,
	m metrics.PipelineMetrics,
	logger *slog.Logger,
) *Service {
	if cfg.ObjectStoreTimeout <= 0 {
		cfg.ObjectStoreTimeout = DefaultObjectStoreTimeout
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = DefaultRecordTimeout
	}
	if cfg.RecordAttempts <= 0 {
		cfg.RecordAttempts = DefaultRecordAttempts
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		predictor: predictor,
		store:     store,
		users:     users,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Analyze はステージング済み画像を推論し、保存し、ユーザーの履歴に追記する。
//
// 手順:
//
//	推論 → オブジェクト保存 → ステージングファイル削除 → レコード読み込み → 履歴追記
//
// オブジェクト保存後はクライアントの切断で結果を失わないよう、
// キャンセルを切り離したコンテキストで記録する。
// ユーザーレコードが存在しない場合はエラーにせず、Result.Userをnilにして返す。
func (s *Service) Analyze(ctx context.Context, userID string, img *upload.StagedImage) (*Result, error) {
	cleanup := s.stagedCleanup(img, userID)
	defer cleanup()

	start := time.Now()
	prediction, err := s.predictor.Predict(ctx, img)
	s.metrics.RecordStageLatency(metrics.StageInference, time.Since(start))
	if err != nil {
		s.metrics.RecordOutcome(metrics.OutcomeInferenceFailed)
		return nil, fmt.Errorf("predict: %w", err)
	}

	url, err := s.storeImage(ctx, userID, img)
	if err != nil {
		s.metrics.RecordOutcome(metrics.OutcomeStoreFailed)
		return nil, err
	}
	cleanup()

	recordCtx, cancel := s.recordContext(ctx)
	defer cancel()

	entry := model.HistoryEntry{
		Timestamp: s.now().UTC(),
		ImageURLs: []string{url},
		Result:    prediction,
	}
	user, err := s.updateUser(recordCtx, userID, func(u *model.User) {
		u.AppendHistory(entry)
	})
	if errors.Is(err, model.ErrUserNotFound) {
		s.logger.Warn("ユーザーレコードが存在しないため履歴を記録しません",
			slog.String("user_id", userID),
			slog.String("image_url", url),
		)
		s.metrics.RecordOutcome(metrics.OutcomeUserMissing)
		return &Result{Prediction: prediction, ImageURL: url}, nil
	}
	if err != nil {
		s.logger.Error("解析結果の記録に失敗しました",
			slog.String("user_id", userID),
			slog.String("image_url", url),
			slog.String("label", string(prediction.Label)),
			slog.String("error", err.Error()),
		)
		s.metrics.RecordOutcome(metrics.OutcomeRecordFailed)
		return nil, err
	}

	s.metrics.RecordOutcome(metrics.OutcomeDone)
	s.logger.Info("解析が完了しました",
		slog.String("user_id", userID),
		slog.String("label", string(prediction.Label)),
		slog.Float64("confidence", prediction.Confidence),
		slog.Int("history_len", len(user.History)),
	)

	return &Result{Prediction: prediction, ImageURL: url, User: user}, nil
}

// UpdateProfilePicture は画像を保存し、ユーザーのプロフィール画像URLを更新する。
// 推論は行わない。ユーザーが存在しない場合はmodel.ErrUserNotFoundを返す。
func (s *Service) UpdateProfilePicture(ctx context.Context, userID string, img *upload.StagedImage) (*ProfilePictureResult, error) {
	cleanup := s.stagedCleanup(img, userID)
	defer cleanup()

	url, err := s.storeImage(ctx, userID, img)
	if err != nil {
		return nil, err
	}
	cleanup()

	recordCtx, cancel := s.recordContext(ctx)
	defer cancel()

	user, err := s.updateUser(recordCtx, userID, func(u *model.User) {
		u.ProfilePic = url
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("プロフィール画像を更新しました",
		slog.String("user_id", userID),
	)
	return &ProfilePictureResult{URL: url, User: user}, nil
}

// Profile は呼び出し元のユーザーレコードを返す。
func (s *Service) Profile(ctx context.Context, userID string) (*model.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RecordTimeout)
	defer cancel()

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrUserNotFound, userID)
	}
	return user, nil
}

// stagedCleanup はステージングファイルを1度だけ削除する関数を返す。
// 削除の失敗は警告ログとメトリクスに残し、呼び出し元には返さない。
func (s *Service) stagedCleanup(img *upload.StagedImage, userID string) func() {
	done := false
	return func() {
		if done {
			return
		}
		done = true
		if err := img.Remove(); err != nil {
			s.metrics.RecordCleanupFailure()
			s.logger.Warn("ステージングファイルの削除に失敗しました",
				slog.String("user_id", userID),
				slog.String("path", img.Path),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Service) storeImage(ctx context.Context, userID string, img *upload.StagedImage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ObjectStoreTimeout)
	defer cancel()

	start := time.Now()
	url, err := s.store.Upload(ctx, objectstore.Object{
		Path:         img.Path,
		Name:         img.Name,
		ContentType:  img.ContentType,
		Size:         img.Size,
		OwnerID:      userID,
		OriginalName: img.OriginalName,
	})
	s.metrics.RecordStageLatency(metrics.StageStore, time.Since(start))
	if err != nil {
		if !errors.Is(err, model.ErrObjectStore) {
			err = fmt.Errorf("%w: %w", model.ErrObjectStore, err)
		}
		return "", err
	}
	return url, nil
}

// recordContext はクライアントのキャンセルを切り離し、記録用のタイムアウトを設定する。
func (s *Service) recordContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RecordTimeout)
}

// updateUser はユーザーを読み込んでmutateを適用し保存する。
// バージョン競合時は読み込みからやり直す。
func (s *Service) updateUser(ctx context.Context, userID string, mutate func(*model.User)) (*model.User, error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordStageLatency(metrics.StageRecord, time.Since(start))
	}()

	for attempt := 1; ; attempt++ {
		user, err := s.users.FindByID(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: load user %s: %w", model.ErrRecordSave, userID, err)
		}
		if user == nil {
			return nil, fmt.Errorf("%w: %s", model.ErrUserNotFound, userID)
		}

		mutate(user)

		err = s.users.Save(ctx, user)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, model.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: save user %s: %w", model.ErrRecordSave, userID, err)
		}

		s.metrics.RecordVersionConflict()
		if attempt >= s.cfg.RecordAttempts {
			return nil, fmt.Errorf("%w: gave up after %d attempts: %w", model.ErrRecordSave, attempt, err)
		}
		s.logger.Warn("ユーザーレコードの更新が競合したため再試行します",
			slog.String("user_id", userID),
			slog.Int("attempt", attempt),
		)
	}
}
