package handler

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"mime/multipart"
	"strings"
	"testing"
	"time"

	"cv-analyzer-go/internal/constants"
	"cv-analyzer-go/internal/orchestrator"
	"cv-analyzer-go/internal/storage"
	"cv-analyzer-go/internal/storage/models"
	"cv-analyzer-go/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- 内存版依赖实现 ----

type memStore struct {
	resumes map[string]*models.Resume
}

func newMemStore() *memStore {
	return &memStore{resumes: make(map[string]*models.Resume)}
}

func (s *memStore) CreateResumeWithOutbox(ctx context.Context, resume *models.Resume, outboxMsg *models.OutboxMessage) error {
	cp := *resume
	s.resumes[resume.ResumeID] = &cp
	return nil
}

func (s *memStore) GetResume(ctx context.Context, resumeID string) (*models.Resume, error) {
	r, ok := s.resumes[resumeID]
	if !ok {
		return nil, storage.ErrResumeNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) GetResumeWithDetails(ctx context.Context, resumeID string) (*models.Resume, error) {
	return s.GetResume(ctx, resumeID)
}

func (s *memStore) MarkProcessing(ctx context.Context, resumeID string) (bool, error) {
	r, ok := s.resumes[resumeID]
	if !ok || constants.IsTerminalStatus(r.Status) {
		return false, nil
	}
	r.Status = constants.StatusProcessing
	return true, nil
}

func (s *memStore) SaveExtractedContent(ctx context.Context, resumeID, content string) error {
	if r, ok := s.resumes[resumeID]; ok && r.Content == "" {
		r.Content = content
	}
	return nil
}

func (s *memStore) CompleteAnalysis(ctx context.Context, resumeID string, rec *storage.CompletionRecord) (bool, error) {
	r, ok := s.resumes[resumeID]
	if !ok || r.Status != constants.StatusProcessing {
		return false, nil
	}
	now := time.Now()
	r.Status = constants.StatusCompleted
	r.Score = &rec.Score
	r.OptimizedContent = &rec.OptimizedContent
	r.AnalyzedAt = &now
	r.Suggestions = rec.Suggestions
	r.CandidateInfo = rec.CandidateInfo
	return true, nil
}

func (s *memStore) MarkFailed(ctx context.Context, resumeID, userMessage string) (bool, error) {
	r, ok := s.resumes[resumeID]
	if !ok || constants.IsTerminalStatus(r.Status) {
		return false, nil
	}
	r.Status = constants.StatusFailed
	r.ErrorMessage = &userMessage
	return true, nil
}

func (s *memStore) MigrateAnonymousResumes(ctx context.Context, anonymousUserID, targetUserID string) (int64, error) {
	var migrated int64
	for _, r := range s.resumes {
		if r.UserID == anonymousUserID {
			r.UserID = targetUserID
			r.IsAnonymous = false
			r.AnonymousExpiresAt = nil
			migrated++
		}
	}
	return migrated, nil
}

type blobStub struct{}

func (blobStub) UploadResumeStreaming(ctx context.Context, resumeID, fileExt string, reader io.Reader, fileSize int64) (string, string, error) {
	h := md5.New()
	if _, err := io.Copy(h, reader); err != nil {
		return "", "", err
	}
	return "resumes/" + resumeID + fileExt, hex.EncodeToString(h.Sum(nil)), nil
}

func (blobStub) GetPresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	return "http://blob.local/" + objectKey, nil
}

func (blobStub) DeleteResume(ctx context.Context, objectKey string) error {
	return nil
}

type extractorStub struct{}

func (extractorStub) ExtractText(ctx context.Context, fileURL, fileName string) (string, error) {
	return "提取的简历文本", nil
}

type analyzerStub struct{}

func (analyzerStub) Analyze(ctx context.Context, content, userID string) (*types.AnalysisResult, error) {
	return &types.AnalysisResult{Score: 85}, nil
}

func newTestHandler(t *testing.T, store *memStore) *ResumeHandler {
	t.Helper()
	orch := orchestrator.New(store, blobStub{}, nil, extractorStub{}, analyzerStub{})
	return NewResumeHandler(orch)
}

// makeFileHeader 用multipart编解码构造真实的FileHeader
func makeFileHeader(t *testing.T, fileName string, content []byte) *multipart.FileHeader {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	form, err := multipart.NewReader(&buf, w.Boundary()).ReadForm(32 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })

	files := form.File["file"]
	require.Len(t, files, 1)
	return files[0]
}

func TestHandleUploadAccepted(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(t, store)

	fh := makeFileHeader(t, "resume.pdf", []byte("%PDF-1.4 简历内容"))
	resp, err := h.HandleUpload(context.Background(), "user-1", fh)
	require.NoError(t, err)

	assert.NotEmpty(t, resp.ResumeID)
	assert.Equal(t, "SUBMITTED", resp.Status)
	assert.False(t, resp.Duplicate)

	created, ok := store.resumes[resp.ResumeID]
	require.True(t, ok)
	assert.Equal(t, constants.StatusPending, created.Status)
}

func TestHandleUploadWithoutUserGetsAnonymousSession(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(t, store)

	fh := makeFileHeader(t, "resume.pdf", []byte("%PDF-1.4 简历内容"))
	resp, err := h.HandleUpload(context.Background(), "", fh)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(resp.UserID, constants.AnonymousUserPrefix), "应返回合成的匿名会话ID")
	created := store.resumes[resp.ResumeID]
	require.NotNil(t, created)
	assert.True(t, created.IsAnonymous)
	assert.NotNil(t, created.AnonymousExpiresAt)
}

func TestHandleUploadEmptyFileRejected(t *testing.T) {
	h := newTestHandler(t, newMemStore())

	fh := makeFileHeader(t, "resume.pdf", nil)
	_, err := h.HandleUpload(context.Background(), "user-1", fh)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Equal(t, "上传文件为空", apiErr.Message)
}

func TestHandleUploadUnsupportedExtensionRejected(t *testing.T) {
	h := newTestHandler(t, newMemStore())

	fh := makeFileHeader(t, "resume.exe", []byte("MZ"))
	_, err := h.HandleUpload(context.Background(), "user-1", fh)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
}

func TestHandleGetStatusProgress(t *testing.T) {
	store := newMemStore()
	store.resumes["r-1"] = &models.Resume{
		ResumeID: "r-1",
		UserID:   "user-1",
		Status:   constants.StatusProcessing,
	}
	h := newTestHandler(t, store)

	view, err := h.HandleGetStatus(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, constants.StatusProcessing, view.Status)
	assert.Equal(t, 50, view.Progress)
	assert.Empty(t, view.ErrorMessage)
}

func TestHandleGetStatusNotFound(t *testing.T) {
	h := newTestHandler(t, newMemStore())

	_, err := h.HandleGetStatus(context.Background(), "missing")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestHandleGetAnalysisCompleted(t *testing.T) {
	store := newMemStore()
	score := 92.5
	optimized := "优化后的简历"
	now := time.Now()
	store.resumes["r-2"] = &models.Resume{
		ResumeID:         "r-2",
		UserID:           "user-1",
		FileName:         "resume.pdf",
		Status:           constants.StatusCompleted,
		Score:            &score,
		OptimizedContent: &optimized,
		AnalyzedAt:       &now,
		Suggestions: []models.Suggestion{
			{Category: constants.SuggestionCategorySkills, Description: "补充量化成果", Priority: 2},
		},
	}
	h := newTestHandler(t, store)

	view, err := h.HandleGetAnalysis(context.Background(), "r-2")
	require.NoError(t, err)
	assert.Equal(t, 100, view.Progress)
	require.NotNil(t, view.Score)
	assert.Equal(t, 92.5, *view.Score)
	assert.Equal(t, "优化后的简历", view.OptimizedContent)
	require.Len(t, view.Suggestions, 1)
	assert.Equal(t, constants.SuggestionCategorySkills, view.Suggestions[0].Category)
}

func TestHandleMigrateValidation(t *testing.T) {
	h := newTestHandler(t, newMemStore())

	_, err := h.HandleMigrate(context.Background(), &MigrateRequest{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)

	// 非匿名前缀的源用户ID同样拒绝
	_, err = h.HandleMigrate(context.Background(), &MigrateRequest{
		AnonymousUserID: "user-1",
		TargetUserID:    "user-2",
	})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
}

func TestHandleMigrateMovesAnonymousResumes(t *testing.T) {
	store := newMemStore()
	store.resumes["r-3"] = &models.Resume{
		ResumeID:    "r-3",
		UserID:      constants.AnonymousUserPrefix + "abc",
		IsAnonymous: true,
		Status:      constants.StatusCompleted,
	}
	h := newTestHandler(t, store)

	resp, err := h.HandleMigrate(context.Background(), &MigrateRequest{
		AnonymousUserID: constants.AnonymousUserPrefix + "abc",
		TargetUserID:    "user-9",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Migrated)
	assert.Equal(t, "user-9", store.resumes["r-3"].UserID)
	assert.False(t, store.resumes["r-3"].IsAnonymous)
}
