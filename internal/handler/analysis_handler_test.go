package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/crispcolon/internal/analysis"
	"github.com/hitoshi/crispcolon/internal/middleware"
	"github.com/hitoshi/crispcolon/internal/model"
	"github.com/hitoshi/crispcolon/internal/upload"
)

// --- モック定義 ---

// mockReceiver はUploadReceiverのモック実装。
type mockReceiver struct {
	receiveFn func(w http.ResponseWriter, r *http.Request) (*upload.StagedImage, error)
}

func (m *mockReceiver) Receive(w http.ResponseWriter, r *http.Request) (*upload.StagedImage, error) {
	if m.receiveFn != nil {
		return m.receiveFn(w, r)
	}
	return &upload.StagedImage{Path: "/tmp/staged.png", Name: "staged.png", ContentType: "image/png"}, nil
}

// mockAnalysisService はAnalysisServiceInterfaceのモック実装。
type mockAnalysisService struct {
	analyzeFn       func(ctx context.Context, userID string, img *upload.StagedImage) (*analysis.Result, error)
	updatePictureFn func(ctx context.Context, userID string, img *upload.StagedImage) (*analysis.ProfilePictureResult, error)
}

func (m *mockAnalysisService) Analyze(ctx context.Context, userID string, img *upload.StagedImage) (*analysis.Result, error) {
	return m.analyzeFn(ctx, userID, img)
}

func (m *mockAnalysisService) UpdateProfilePicture(ctx context.Context, userID string, img *upload.StagedImage) (*analysis.ProfilePictureResult, error) {
	return m.updatePictureFn(ctx, userID, img)
}

// recordingOutcomes は記録された終端状態を保持するPipelineMetrics。
type recordingOutcomes struct {
	outcomes []string
}

func (m *recordingOutcomes) RecordOutcome(outcome string)             { m.outcomes = append(m.outcomes, outcome) }
func (m *recordingOutcomes) RecordStageLatency(string, time.Duration) {}
func (m *recordingOutcomes) RecordCleanupFailure()                    {}
func (m *recordingOutcomes) RecordVersionConflict()                   {}
func (m *recordingOutcomes) RecordStagingSwept(int)                   {}

// withIdentity はテスト用にリクエストコンテキストに検証済みIDを注入するヘルパー。
func withIdentity(r *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithIdentity(r.Context(), &model.Identity{UserID: userID})
	return r.WithContext(ctx)
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

// --- POST /api/upload テスト ---

func TestAnalysisHandler_Upload_Success(t *testing.T) {
	svc := &mockAnalysisService{
		analyzeFn: func(ctx context.Context, userID string, img *upload.StagedImage) (*analysis.Result, error) {
			if userID != "user-123" {
				t.Errorf("userID = %q, want %q", userID, "user-123")
			}
			if img.Name != "staged.png" {
				t.Errorf("img.Name = %q, want %q", img.Name, "staged.png")
			}
			return &analysis.Result{
				Prediction: model.InferenceResult{Label: model.LabelPositive, Confidence: 0.92, LatencySeconds: 1.1},
				ImageURL:   "https://cdn.example.com/a.png",
				User: &model.User{
					ID:   "user-123",
					Name: "Alice",
					History: []model.HistoryEntry{{
						Timestamp: time.Date(2026, 3, 7, 1, 0, 0, 0, time.UTC),
						ImageURLs: []string{"https://cdn.example.com/a.png"},
						Result:    model.InferenceResult{Label: model.LabelPositive, Confidence: 0.92, LatencySeconds: 1.1},
					}},
				},
			}, nil
		},
	}
	h := NewAnalysisHandler(&mockReceiver{}, svc, nil, 0)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/upload", nil), "user-123")
	w := httptest.NewRecorder()

	h.Upload(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body struct {
		Success    bool `json:"success"`
		Prediction struct {
			Label          string  `json:"label"`
			Confidence     float64 `json:"confidence"`
			ProcessingTime float64 `json:"processingTime"`
		} `json:"prediction"`
		User struct {
			ID      string `json:"id"`
			History []struct {
				ImageURLs []string `json:"imageURLs"`
			} `json:"history"`
		} `json:"user"`
	}
	decodeJSON(t, resp, &body)

	if !body.Success {
		t.Error("success = false, want true")
	}
	if body.Prediction.Label != "Positive" {
		t.Errorf("label = %q, want %q", body.Prediction.Label, "Positive")
	}
	if body.Prediction.Confidence != 0.92 {
		t.Errorf("confidence = %v, want 0.92", body.Prediction.Confidence)
	}
	if body.Prediction.ProcessingTime != 1.1 {
		t.Errorf("processingTime = %v, want 1.1", body.Prediction.ProcessingTime)
	}
	if body.User.ID != "user-123" || len(body.User.History) != 1 {
		t.Errorf("user = %+v", body.User)
	}
}

// TestAnalysisHandler_Upload_UserMissingReturnsNullUser はユーザー不在時にuser:nullを返すことを検証する。
func TestAnalysisHandler_Upload_UserMissingReturnsNullUser(t *testing.T) {
	svc := &mockAnalysisService{
		analyzeFn: func(ctx context.Context, userID string, img *upload.StagedImage) (*analysis.Result, error) {
			return &analysis.Result{Prediction: model.InferenceResult{Label: model.LabelNegative, Confidence: 0.3}}, nil
		},
	}
	h := NewAnalysisHandler(&mockReceiver{}, svc, nil, 0)

	w := httptest.NewRecorder()
	h.Upload(w, withIdentity(httptest.NewRequest(http.MethodPost, "/api/upload", nil), "ghost"))

	var body map[string]any
	decodeJSON(t, w.Result(), &body)

	user, ok := body["user"]
	if !ok {
		t.Fatal("user field is missing")
	}
	if user != nil {
		t.Errorf("user = %v, want null", user)
	}
}

func TestAnalysisHandler_Upload_ReceiveErrors(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{model.ErrNoFileProvided, http.StatusBadRequest, model.ErrCodeNoFileProvided},
		{model.ErrFileTooLarge, http.StatusRequestEntityTooLarge, model.ErrCodeFileTooLarge},
		{model.ErrUnsupportedFileType, http.StatusUnsupportedMediaType, model.ErrCodeUnsupportedFileType},
		{model.ErrUploadInterrupted, http.StatusBadRequest, model.ErrCodeUploadInterrupted},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			analyzeCalled := false
			svc := &mockAnalysisService{
				analyzeFn: func(ctx context.Context, userID string, img *upload.StagedImage) (*analysis.Result, error) {
					analyzeCalled = true
					return nil, nil
				},
			}
			rec := &mockReceiver{receiveFn: func(w http.ResponseWriter, r *http.Request) (*upload.StagedImage, error) {
				return nil, fmt.Errorf("%w: detail only for logs", tt.err)
			}}
			m := &recordingOutcomes{}
			h := NewAnalysisHandler(rec, svc, m, time.Second)

			w := httptest.NewRecorder()
			h.Upload(w, withIdentity(httptest.NewRequest(http.MethodPost, "/api/upload", nil), "user-123"))

			resp := w.Result()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var body middleware.ErrorResponseBody
			decodeJSON(t, resp, &body)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if bytes.Contains([]byte(body.Error), []byte("detail only for logs")) {
				t.Errorf("error message leaks detail: %q", body.Error)
			}
			if analyzeCalled {
				t.Error("Analyze must not be called for a rejected upload")
			}
			if len(m.outcomes) != 1 || m.outcomes[0] != "rejected" {
				t.Errorf("outcomes = %v, want [rejected]", m.outcomes)
			}
		})
	}
}

func TestAnalysisHandler_Upload_PipelineErrors(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{model.ErrInferenceUnavailable, http.StatusServiceUnavailable, model.ErrCodeInferenceUnavailable, "Prediction failed"},
		{model.ErrInferenceService, http.StatusBadGateway, model.ErrCodeInferenceFailed, "Prediction failed"},
		{model.ErrObjectStore, http.StatusBadGateway, model.ErrCodeObjectStoreFailed, "Image upload failed"},
		{model.ErrRecordSave, http.StatusInternalServerError, model.ErrCodeRecordSaveFailed, "Saving result failed"},
		{errors.New("unexpected"), http.StatusInternalServerError, model.ErrCodeInternal, "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			svc := &mockAnalysisService{
				analyzeFn: func(ctx context.Context, userID string, img *upload.StagedImage) (*analysis.Result, error) {
					return nil, fmt.Errorf("pipeline: %w", tt.err)
				},
			}
			h := NewAnalysisHandler(&mockReceiver{}, svc, nil, 0)

			w := httptest.NewRecorder()
			h.Upload(w, withIdentity(httptest.NewRequest(http.MethodPost, "/api/upload", nil), "user-123"))

			resp := w.Result()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var body middleware.ErrorResponseBody
			decodeJSON(t, resp, &body)
			if body.Success {
				t.Error("success = true, want false")
			}
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if body.Error != tt.wantMsg {
				t.Errorf("error = %q, want %q", body.Error, tt.wantMsg)
			}
		})
	}
}

// TestAnalysisHandler_Upload_NoIdentityPanics は認証ミドルウェアを経由しない呼び出しがパニックになることを検証する。
func TestAnalysisHandler_Upload_NoIdentityPanics(t *testing.T) {
	h := NewAnalysisHandler(&mockReceiver{}, &mockAnalysisService{}, nil, 0)

	defer func() {
		if recover() == nil {
			t.Error("expected panic without identity")
		}
	}()
	h.Upload(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/upload", nil))
}

// --- PUT /profile/update-picture テスト ---

func TestAnalysisHandler_UpdatePicture_Success(t *testing.T) {
	svc := &mockAnalysisService{
		updatePictureFn: func(ctx context.Context, userID string, img *upload.StagedImage) (*analysis.ProfilePictureResult, error) {
			return &analysis.ProfilePictureResult{
				URL:  "https://cdn.example.com/me.png",
				User: &model.User{ID: userID, ProfilePic: "https://cdn.example.com/me.png"},
			}, nil
		},
	}
	h := NewAnalysisHandler(&mockReceiver{}, svc, nil, 0)

	w := httptest.NewRecorder()
	h.UpdatePicture(w, withIdentity(httptest.NewRequest(http.MethodPut, "/profile/update-picture", nil), "user-123"))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var body struct {
		Success    bool   `json:"success"`
		ProfilePic string `json:"profilePic"`
		User       struct {
			ID         string `json:"id"`
			ProfilePic string `json:"profilePic"`
			History    []any  `json:"history"`
		} `json:"user"`
	}
	decodeJSON(t, resp, &body)
	if !body.Success || body.ProfilePic != "https://cdn.example.com/me.png" {
		t.Errorf("body = %+v", body)
	}
	if body.User.History == nil {
		t.Error("history should be an empty array, not null")
	}
}

func TestAnalysisHandler_UpdatePicture_UserNotFound(t *testing.T) {
	svc := &mockAnalysisService{
		updatePictureFn: func(ctx context.Context, userID string, img *upload.StagedImage) (*analysis.ProfilePictureResult, error) {
			return nil, fmt.Errorf("%w: %s", model.ErrUserNotFound, userID)
		},
	}
	h := NewAnalysisHandler(&mockReceiver{}, svc, nil, 0)

	w := httptest.NewRecorder()
	h.UpdatePicture(w, withIdentity(httptest.NewRequest(http.MethodPut, "/profile/update-picture", nil), "ghost"))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
