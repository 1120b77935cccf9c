package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"dm_server/server/dm/domain"
)

// FileResolver turns opaque file references into validated metadata and
// short-lived download URLs. Blob upload itself happens elsewhere.
type FileResolver interface {
	Validate(ctx context.Context, ref *domain.FileRef) error
	PresignURL(ctx context.Context, ref *domain.FileRef) (string, error)
}

type objectStore interface {
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

type MinioFileResolver struct {
	client     objectStore
	bucket     string
	presignTTL time.Duration
}

func NewMinioFileResolver(client *minio.Client, bucket string, presignTTL time.Duration) *MinioFileResolver {
	return &MinioFileResolver{client: client, bucket: bucket, presignTTL: presignTTL}
}

func (r *MinioFileResolver) Validate(ctx context.Context, ref *domain.FileRef) error {
	if err := validateFileRef(ref); err != nil {
		return err
	}
	info, err := r.client.StatObject(ctx, r.bucket, ref.ObjectKey, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fmt.Errorf("%w: file %s does not exist", domain.ErrValidation, ref.ObjectKey)
		}
		return fmt.Errorf("%w: stat file %s: %v", domain.ErrStorage, ref.ObjectKey, err)
	}
	ref.SizeBytes = info.Size
	if ref.MimeType == "" {
		ref.MimeType = info.ContentType
	}
	return nil
}

func (r *MinioFileResolver) PresignURL(ctx context.Context, ref *domain.FileRef) (string, error) {
	params := url.Values{}
	if ref.FileName != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", ref.FileName))
	}
	u, err := r.client.PresignedGetObject(ctx, r.bucket, ref.ObjectKey, r.presignTTL, params)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// StaticFileResolver accepts any well-formed reference and never signs URLs.
type StaticFileResolver struct{}

func (StaticFileResolver) Validate(_ context.Context, ref *domain.FileRef) error {
	return validateFileRef(ref)
}

func (StaticFileResolver) PresignURL(context.Context, *domain.FileRef) (string, error) {
	return "", nil
}

func validateFileRef(ref *domain.FileRef) error {
	if ref == nil || strings.TrimSpace(ref.ObjectKey) == "" {
		return fmt.Errorf("%w: file reference requires object_key", domain.ErrValidation)
	}
	if strings.Contains(ref.ObjectKey, "..") {
		return fmt.Errorf("%w: invalid object_key", domain.ErrValidation)
	}
	if ref.SizeBytes < 0 {
		return fmt.Errorf("%w: negative file size", domain.ErrValidation)
	}
	return nil
}
