package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of *s3.Client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Object metadata keys. S3 lower-cases user metadata keys.
const (
	metaFileName  = "file-name"
	metaPatient   = "patient"
	metaCategory  = "category"
	metaCreatedBy = "created-by"
	metaHash      = "sha256"
	metaCreatedAt = "created-at"
)

// S3BlobStore keeps blobs as private objects under Prefix in Bucket.
type S3BlobStore struct {
	api     S3API
	presign presignAPI
	bucket  string
	prefix  string
	urlTTL  time.Duration
}

// NewS3Client builds a client from the default AWS credential chain.
// Path-style addressing keeps S3-compatible stores such as MinIO working.
func NewS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	}), nil
}

func NewS3BlobStore(client *s3.Client, bucket, prefix string, urlTTL time.Duration) *S3BlobStore {
	return &S3BlobStore{
		api:     client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		prefix:  prefix,
		urlTTL:  urlTTL,
	}
}

func (s *S3BlobStore) key(id string) string {
	return s.prefix + id
}

func (s *S3BlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(meta.ID)),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(meta.ContentType),
		ContentLength: aws.Int64(meta.Size),
		ACL:           types.ObjectCannedACLPrivate,
		Metadata: map[string]string{
			metaFileName:  meta.FileName,
			metaPatient:   meta.PatientID,
			metaCategory:  meta.Category,
			metaCreatedBy: meta.CreatedBy,
			metaHash:      meta.Hash,
			metaCreatedAt: meta.CreatedAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", meta.ID, err)
	}
	return &meta, nil
}

func (s *S3BlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("get object %s: %w", id, err)
	}

	meta := &BlobMetadata{
		ID:          id,
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
		FileName:    out.Metadata[metaFileName],
		PatientID:   out.Metadata[metaPatient],
		Category:    out.Metadata[metaCategory],
		CreatedBy:   out.Metadata[metaCreatedBy],
		Hash:        out.Metadata[metaHash],
	}
	if at, err := time.Parse(time.RFC3339, out.Metadata[metaCreatedAt]); err == nil {
		meta.CreatedAt = at
	}
	if meta.FileName == "" {
		meta.FileName = id
	}
	return out.Body, meta, nil
}

func (s *S3BlobStore) Delete(ctx context.Context, id string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", id, err)
	}
	return nil
}

// PresignDownload returns a GET URL for the object valid for the
// configured TTL.
func (s *S3BlobStore) PresignDownload(ctx context.Context, id string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	}, s3.WithPresignExpires(s.urlTTL))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", id, err)
	}
	return req.URL, nil
}
