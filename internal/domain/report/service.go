package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalyze/vitalyze/internal/platform/blobstore"
)

// ResultView is an AnalysisResult as returned to its owner.
type ResultView struct {
	*AnalysisResult
	DownloadURL string `json:"download_url,omitempty"`
}

type Service struct {
	pipeline *Pipeline
	repo     Repository
	blobs    blobstore.BlobStore
	logger   zerolog.Logger
}

func NewService(pipeline *Pipeline, repo Repository, blobs blobstore.BlobStore, logger zerolog.Logger) *Service {
	return &Service{pipeline: pipeline, repo: repo, blobs: blobs, logger: logger}
}

// SubmitFile archives the PDF at path and schedules it for processing. An
// archival failure is logged and the report is processed without a
// storage path. The archived copy is removed again if scheduling fails.
func (s *Service) SubmitFile(ctx context.Context, userID, filename, path string) (string, error) {
	var storagePath string
	if s.blobs != nil {
		key := fmt.Sprintf("reports/%s/%s.pdf", userID, uuid.New().String())
		if _, err := s.blobs.Upload(ctx, key, path, "application/pdf"); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Str("filename", filename).Msg("report archival failed")
		} else {
			storagePath = key
		}
	}
	id, err := s.pipeline.Submit(ctx, Submission{
		UserID:      userID,
		Filename:    filename,
		FilePath:    path,
		StoragePath: storagePath,
	})
	if err != nil && storagePath != "" {
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), storagePath); delErr != nil {
			s.logger.Warn().Err(delErr).Str("key", storagePath).Msg("could not remove archived report after failed submission")
		}
	}
	return id, err
}

// SubmitText schedules analysis of text the caller already has.
func (s *Service) SubmitText(ctx context.Context, userID, filename, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("text is required")
	}
	if filename == "" {
		filename = "text-input"
	}
	return s.pipeline.Submit(ctx, Submission{UserID: userID, Filename: filename, Text: text})
}

func (s *Service) Status(ctx context.Context, taskID, userID string) (*Status, error) {
	return s.pipeline.Status(ctx, taskID, userID)
}

// History lists the user's results newest first.
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]*AnalysisResult, int, error) {
	results, total, err := s.repo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if results == nil {
		results = []*AnalysisResult{}
	}
	return results, total, nil
}

// GetResult returns one of the user's results with a signed download link
// when the original PDF was archived.
func (s *Service) GetResult(ctx context.Context, userID string, id uuid.UUID) (*ResultView, error) {
	res, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.UserID != userID {
		return nil, ErrReportNotFound
	}
	view := &ResultView{AnalysisResult: res}
	if res.StoragePath != "" && s.blobs != nil {
		u, err := s.blobs.SignedURL(ctx, res.StoragePath, blobstore.DefaultURLExpiry)
		if err != nil {
			s.logger.Warn().Err(err).Str("result_id", id.String()).Msg("signed url generation failed")
		} else {
			view.DownloadURL = u
		}
	}
	return view, nil
}
