package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps each board scene as one JSON object under prefix.
// It only stores scenes; pair it with another backend for users and access.
//
// Example usage:
//
//	client := store.NewS3Client(store.S3ClientConfig{Region: "us-east-1"})
//	boards := store.NewS3Store(client, "my-bucket", "boards/")
type S3Store struct {
	client S3API
	bucket string
	prefix string
	now    func() time.Time
	closed atomic.Bool
}

// S3ClientConfig describes how to reach an S3-compatible endpoint.
type S3ClientConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// NewS3Client builds an S3 client from static settings. Empty credentials
// leave the SDK's anonymous access in place.
func NewS3Client(cfg S3ClientConfig) *s3.Client {
	return s3.New(s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
		BaseEndpoint: endpointOrNil(cfg.Endpoint),
		Credentials:  staticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey),
	})
}

func endpointOrNil(endpoint string) *string {
	if endpoint == "" {
		return nil
	}
	return aws.String(endpoint)
}

func staticCredentials(id, secret string) aws.CredentialsProvider {
	if id == "" {
		return aws.AnonymousCredentials{}
	}
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: id, SecretAccessKey: secret, Source: "boardsync"}, nil
	})
}

// NewS3Store creates a board store over bucket.
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *S3Store) key(boardID string) string {
	return s.prefix + boardID + ".json"
}

// LoadBoard fetches and decodes the board object.
func (s *S3Store) LoadBoard(ctx context.Context, boardID string) (Scene, error) {
	if s.closed.Load() {
		return Scene{}, ErrStoreClosed
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(boardID)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return Scene{}, ErrBoardNotFound
		}
		return Scene{}, wrapErr("s3", "load", boardID, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return Scene{}, wrapErr("s3", "load", boardID, err)
	}

	var scene Scene
	if err := json.Unmarshal(body, &scene); err != nil {
		return Scene{}, wrapErr("s3", "load", boardID, fmt.Errorf("decode object: %w", err))
	}
	scene.Elements = normalizeElements(scene.Elements)
	return scene, nil
}

// SaveBoard overwrites the board object.
func (s *S3Store) SaveBoard(ctx context.Context, boardID string, scene Scene) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	scene.Elements = normalizeElements(scene.Elements)
	scene.UpdatedAt = s.now().UTC()
	body, err := json.Marshal(scene)
	if err != nil {
		return wrapErr("s3", "save", boardID, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(boardID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"board-id":    boardID,
			"update-time": scene.UpdatedAt.Format(time.RFC3339),
		},
	})
	return wrapErr("s3", "save", boardID, err)
}

// Close marks the store closed.
func (s *S3Store) Close() error {
	s.closed.Store(true)
	return nil
}
