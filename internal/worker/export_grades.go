package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"podcast-claim-pipeline/internal/config"
	"podcast-claim-pipeline/internal/models"
	"podcast-claim-pipeline/internal/store"
)

type reportUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ReportStore is the read surface the export handler needs.
type ReportStore interface {
	ListGradedClaims(ctx context.Context) ([]store.GradedClaim, error)
}

// ExportGradesHandler writes a JSON report of every claim and its
// current grade to local disk or S3.
type ExportGradesHandler struct {
	cfg   config.Config
	store ReportStore
	local reportUploader
	s3    reportUploader
}

// NewExportGradesHandler constructs the handler and chooses an uploader
// (local or S3) from configuration.
func NewExportGradesHandler(ctx context.Context, cfg config.Config, reports ReportStore) (*ExportGradesHandler, error) {
	baseDir := cfg.ExportOutputDir
	if baseDir == "" {
		baseDir = "./exports"
	}

	var s3Upload reportUploader
	if cfg.ExportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ExportS3Bucket}
	}

	return &ExportGradesHandler{
		cfg:   cfg,
		store: reports,
		local: &localUploader{baseDir: baseDir},
		s3:    s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ExportS3Region),
	}
	if cfg.ExportS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ExportS3Endpoint,
					HostnameImmutable: cfg.ExportS3PathStyle,
					SigningRegion:     cfg.ExportS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ExportS3PathStyle
	}), nil
}

type exportGradesPayload struct {
	OutputKey   string `json:"output_key"`
	Destination string `json:"destination"`
}

type gradeReportEntry struct {
	ClaimID       int64   `json:"claim_id"`
	EpisodeID     int64   `json:"episode_id"`
	Text          string  `json:"text"`
	Topic         string  `json:"topic"`
	RiskLevel     string  `json:"risk_level"`
	Grade         *string `json:"grade"`
	Rationale     *string `json:"rationale,omitempty"`
	RubricVersion *string `json:"rubric_version,omitempty"`
	GradedAt      *string `json:"graded_at,omitempty"`
}

type gradeReport struct {
	GeneratedAt string             `json:"generated_at"`
	Claims      []gradeReportEntry `json:"claims"`
}

func (h *ExportGradesHandler) Handle(ctx context.Context, job models.Job) (any, error) {
	var payload exportGradesPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}

	graded, err := h.store.ListGradedClaims(ctx)
	if err != nil {
		return nil, err
	}

	report := gradeReport{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Claims:      make([]gradeReportEntry, 0, len(graded)),
	}
	for _, gc := range graded {
		entry := gradeReportEntry{
			ClaimID:   gc.Claim.ID,
			EpisodeID: gc.Claim.EpisodeID,
			Text:      gc.Claim.RawText,
			Topic:     gc.Claim.Topic,
			RiskLevel: gc.Claim.RiskLevel,
		}
		if gc.Grade != nil {
			entry.Grade = &gc.Grade.Grade
			entry.Rationale = &gc.Grade.Rationale
			entry.RubricVersion = &gc.Grade.RubricVersion
			gradedAt := gc.Grade.CreatedAt.UTC().Format(time.RFC3339)
			entry.GradedAt = &gradedAt
		}
		report.Claims = append(report.Claims, entry)
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}

	outputKey := payload.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("grades-%d.json", job.ID)
	}
	outputKey = sanitizeKey(outputKey)

	uploader, err := h.pickUploader(payload.Destination)
	if err != nil {
		return nil, err
	}
	location, err := uploader.Upload(ctx, outputKey, body, "application/json")
	if err != nil {
		return nil, fmt.Errorf("upload report: %w", err)
	}

	return map[string]any{"claims": len(report.Claims), "location": location}, nil
}

func (h *ExportGradesHandler) pickUploader(destination string) (reportUploader, error) {
	if destination == "" {
		destination = h.cfg.ExportDestination
	}
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but EXPORT_S3_BUCKET is not configured")
	case "local", "":
		return h.local, nil
	}
	return nil, fmt.Errorf("unknown export destination %q", destination)
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
