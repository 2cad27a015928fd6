package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/edge-workload-api/interfaces"
)

// S3Store keeps certificate material in Amazon S3 or a compatible service.
// Objects are private and server-side encrypted.
type S3Store struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Store creates an S3 backed store. Without explicit keys the SDK's
// default credential chain is used.
func NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Store, error) {
	if bucketName == "" {
		return nil, errors.New("S3 bucket name is required")
	}

	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Store{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Load fetches the object stored under alias.
func (s *S3Store) Load(ctx context.Context, alias string) (*interfaces.CertificateMaterial, error) {
	start := time.Now()
	key := s.objectKey(alias)

	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, interfaces.ErrCertificateNotFound
		}
		s.log.Error("Failed to get object from S3",
			slog.String("alias", alias),
			slog.String("bucket", s.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, unavailable("read", s.Name(), err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, unavailable("read", s.Name(), err)
	}

	s.log.Debug("Loaded certificate from S3",
		slog.String("alias", alias),
		slog.String("key", key),
		slog.Duration("duration", time.Since(start)))

	return decodeMaterial(alias, data)
}

// Save uploads material under alias.
func (s *S3Store) Save(ctx context.Context, alias string, material *interfaces.CertificateMaterial) error {
	data, err := encodeMaterial(alias, material)
	if err != nil {
		return err
	}

	key := s.objectKey(alias)
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucketName),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	if err != nil {
		s.log.Error("Failed to upload object to S3",
			slog.String("alias", alias),
			slog.String("key", key),
			"err", err)
		return unavailable("write", s.Name(), err)
	}

	s.log.Debug("Stored certificate in S3",
		slog.String("alias", alias),
		slog.String("bucket", s.bucketName),
		slog.String("key", key))

	return nil
}

// Available checks that the bucket can be reached.
func (s *S3Store) Available(ctx context.Context) bool {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucketName),
	})
	if err != nil {
		s.log.Warn("S3 store unavailable",
			slog.String("bucket", s.bucketName),
			"err", err)
		return false
	}
	return true
}

func (s *S3Store) Name() string {
	return fmt.Sprintf("s3-%s", s.bucketName)
}

func (s *S3Store) LocationURI() string {
	return s.locationURI
}

func (s *S3Store) objectKey(alias string) string {
	if s.prefix == "" {
		return aliasKey(alias) + ".json"
	}
	return path.Join(s.prefix, aliasKey(alias)+".json")
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	var rerr awserr.RequestFailure
	if errors.As(err, &rerr) {
		return rerr.StatusCode() == 404
	}
	return false
}
