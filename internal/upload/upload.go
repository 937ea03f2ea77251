// Package upload pushes build artifacts to S3 with public-read access.
package upload

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/zeebo/blake3"

	"trustrun/internal/environ"
	"trustrun/internal/log"
)

// UploadError reports a source file that cannot be uploaded.
type UploadError struct {
	Path   string
	Reason string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload to s3: invalid file %s: %s", e.Path, e.Reason)
}

// Uploader is the storage capability the dispatcher depends on.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) error
}

// ObjectKey builds the S3 object key for a local artifact: the target path
// with the artifact's base name appended.
func ObjectKey(targetPath, localPath string) string {
	return path.Join(targetPath, filepath.Base(localPath))
}

// Digest computes the BLAKE3 hash of a file, hex encoded. Recorded as object
// metadata so a download can be matched back to the exact built artifact.
func Digest(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// S3Uploader uploads artifacts to one bucket with a public-read ACL.
type S3Uploader struct {
	bucket   string
	uploader *manager.Uploader
	logger   *slog.Logger
}

// NewS3 builds an S3Uploader. Credentials are taken from the job environment
// value (AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN, as
// loaded from the secrets file); when absent the SDK default chain applies,
// which covers instance-profile workers.
func NewS3(ctx context.Context, bucket, region string, env environ.Env) (*S3Uploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKey, ok := env.Get("AWS_ACCESS_KEY_ID"); ok {
		secretKey, _ := env.Get("AWS_SECRET_ACCESS_KEY")
		sessionToken, _ := env.Get("AWS_SESSION_TOKEN")
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, sessionToken)))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &S3Uploader{
		bucket:   bucket,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
		logger:   log.WithComponent("upload"),
	}, nil
}

// Upload sends localPath to the bucket under key. The source must be an
// existing regular file.
func (u *S3Uploader) Upload(ctx context.Context, localPath, key string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return &UploadError{Path: localPath, Reason: err.Error()}
	}
	if !info.Mode().IsRegular() {
		return &UploadError{Path: localPath, Reason: "not a regular file"}
	}

	digest, err := Digest(localPath)
	if err != nil {
		return &UploadError{Path: localPath, Reason: err.Error()}
	}

	f, err := os.Open(localPath)
	if err != nil {
		return &UploadError{Path: localPath, Reason: err.Error()}
	}
	defer f.Close()

	u.logger.Debug("uploading artifact",
		"path", localPath, "bucket", u.bucket, "key", key,
		"bytes", info.Size(), "blake3", digest)

	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(key),
		Body:     f,
		ACL:      s3types.ObjectCannedACLPublicRead,
		Metadata: map[string]string{"artifact-blake3": digest},
	})
	if err != nil {
		return fmt.Errorf("upload %s to s3://%s/%s: %w", localPath, u.bucket, key, err)
	}

	u.logger.Info("artifact uploaded",
		"bucket", u.bucket, "key", key, "bytes", info.Size(), "blake3", digest)
	return nil
}
