package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// ArchiveConfig configures the S3-compatible bucket that receives result folders.
type ArchiveConfig struct {
	Bucket          string
	Prefix          string
	Endpoint        string // empty for AWS; set for R2, MinIO, ...
	Region          string
	AccessKeyID     string // empty uses the default credential chain
	SecretAccessKey string
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// ArchiveService packs backtest result folders as tar.gz and uploads them.
type ArchiveService struct {
	uploader uploader
	bucket   string
	prefix   string
	log      zerolog.Logger
	now      func() time.Time
}

// NewArchiveService creates an archive service backed by S3.
func NewArchiveService(ctx context.Context, cfg ArchiveConfig, log zerolog.Logger) (*ArchiveService, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is not configured")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
		if cfg.Endpoint != "" {
			region = "auto"
		}
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newArchiveService(manager.NewUploader(client), cfg.Bucket, cfg.Prefix, log), nil
}

func newArchiveService(up uploader, bucket, prefix string, log zerolog.Logger) *ArchiveService {
	return &ArchiveService{
		uploader: up,
		bucket:   bucket,
		prefix:   prefix,
		log:      log.With().Str("service", "archive").Logger(),
		now:      time.Now,
	}
}

// Archive uploads folder and returns its s3:// locator.
func (s *ArchiveService) Archive(ctx context.Context, family, versionID, folder string) (string, error) {
	info, err := os.Stat(folder)
	if err != nil {
		return "", fmt.Errorf("failed to stat result folder: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("result folder %s is not a directory", folder)
	}

	key := path.Join(s.prefix, family, fmt.Sprintf("%s-%s.tar.gz", versionID, s.now().UTC().Format("20060102-150405")))

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(WriteTarGz(pw, folder))
	}()

	start := time.Now()
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        pr,
		ContentType: aws.String("application/gzip"),
	})
	// unblock the writer if the upload stopped reading early
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	locator := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	s.log.Info().
		Str("family", family).
		Str("version", versionID).
		Str("locator", locator).
		Dur("duration", time.Since(start)).
		Msg("Result folder archived")
	return locator, nil
}

// WriteTarGz writes the regular files and directories under root to w.
// Entry names are relative to root and use forward slashes.
func WriteTarGz(w io.Writer, root string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", root, err)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
