package storage

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"

	"webdeploy/pkg/logger"
	s3client "webdeploy/pkg/s3"
)

type S3Config struct {
	Endpoint                 string `mapstructure:"endpoint" validate:"omitempty,url"`
	Region                   string `mapstructure:"region" validate:"required,min=1"`
	Bucket                   string `mapstructure:"bucket" validate:"required,min=1"`
	AccessKey                string `mapstructure:"access_key" validate:"required,min=1"`
	SecretKey                string `mapstructure:"secret_key" validate:"required,min=1"`
	MaxRetries               int    `mapstructure:"max_retries" validate:"min=0,max=10"`
	ReadTimeoutSeconds       int    `mapstructure:"read_timeout_seconds" validate:"min=1,max=3600"`
	FileUploadTimeoutSeconds int    `mapstructure:"file_upload_timeout_seconds" validate:"min=1,max=100000"`
	EnableIntegrityCheck     bool   `mapstructure:"enable_integrity_check"`
}

// S3Client treats the bucket as the remote server and the remote root as a
// key prefix. Directories are implicit, so createRemoteDir is ignored and
// DeleteDirectory only removes a "dir/" marker object if one exists.
type S3Client struct {
	config *S3Config
	api    s3iface.S3API
	newAPI func() (s3iface.S3API, error)
	log    *logger.Logger
}

func NewS3Client(config *S3Config, log *logger.Logger) (*S3Client, error) {
	if config == nil {
		return nil, newError(ErrorTypeInvalidInput, "s3 configuration is required", nil)
	}

	c := &S3Client{
		config: config,
		log:    logger.OrDefault(log),
	}
	c.newAPI = func() (s3iface.S3API, error) {
		return s3client.CreateS3Client(&s3client.Config{
			Endpoint:           config.Endpoint,
			Region:             config.Region,
			AccessKey:          config.AccessKey,
			SecretKey:          config.SecretKey,
			MaxRetries:         config.MaxRetries,
			ReadTimeoutSeconds: config.ReadTimeoutSeconds,
		})
	}
	return c, nil
}

func (s *S3Client) GetBackendType() BackendType {
	return BackendTypeS3
}

func (s *S3Client) Connect(ctx context.Context) error {
	api, err := s.newAPI()
	if err != nil {
		return newError(ErrorTypeInvalidInput, "create s3 client", err)
	}

	if _, err := api.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	}); err != nil {
		return s.convertS3Error(err)
	}

	s.api = api
	s.log.Info("s3 connected", map[string]any{"bucket": s.config.Bucket, "endpoint": s.config.Endpoint})
	return nil
}

func (s *S3Client) Disconnect() error {
	s.api = nil
	return nil
}

func (s *S3Client) client() (s3iface.S3API, error) {
	if s.api == nil {
		return nil, newError(ErrorTypeInvalidInput, "s3 client is not connected", nil)
	}
	return s.api, nil
}

func (s *S3Client) TestWritable(ctx context.Context, remoteRoot string) error {
	api, err := s.client()
	if err != nil {
		return err
	}

	key := joinKey(objectKey(remoteRoot), ".webdeploy-write-test-"+uuid.NewString())
	if _, err := api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader("ok"),
	}); err != nil {
		return s.convertS3Error(err)
	}

	if _, err := api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return s.convertS3Error(err)
	}
	return nil
}

func (s *S3Client) UploadFile(ctx context.Context, localPath, remotePath string, overwrite, createRemoteDir bool) error {
	api, err := s.client()
	if err != nil {
		return err
	}
	key := objectKey(remotePath)

	if !overwrite {
		exists, err := s.objectExists(ctx, api, key)
		if err != nil {
			return err
		}
		if exists {
			return newError(ErrorTypeConflict, "remote object exists: "+key, nil)
		}
	}

	file, err := os.Open(localPath)
	if err != nil {
		return newError(ErrorTypeInvalidInput, "failed to open file", err)
	}
	defer func() {
		_ = file.Close()
	}()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(contentType(localPath)),
	}

	if s.config.EnableIntegrityCheck {
		sum, err := fileMD5(file)
		if err != nil {
			return newError(ErrorTypeInternal, "failed to calculate file MD5", err)
		}
		input.ContentMD5 = aws.String(sum)
	}

	uploadCtx := ctx
	if s.config.FileUploadTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		uploadCtx, cancel = context.WithTimeout(ctx, time.Duration(s.config.FileUploadTimeoutSeconds)*time.Second)
		defer cancel()
	}

	if _, err := api.PutObjectWithContext(uploadCtx, input); err != nil {
		return s.convertS3Error(err)
	}
	return nil
}

func (s *S3Client) DeleteFile(ctx context.Context, remotePath string) error {
	api, err := s.client()
	if err != nil {
		return err
	}
	_, err = api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(objectKey(remotePath)),
	})
	if converted := s.convertS3Error(err); converted != nil && !IsNotFound(converted) {
		return converted
	}
	return nil
}

func (s *S3Client) DeleteDirectory(ctx context.Context, remotePath string) error {
	key := objectKey(remotePath)
	if key == "" {
		return nil
	}
	return s.DeleteFile(ctx, key+"/")
}

func (s *S3Client) ListAllFiles(ctx context.Context, remoteRoot string) ([]string, error) {
	api, err := s.client()
	if err != nil {
		return nil, err
	}

	prefix := objectKey(remoteRoot)
	if prefix != "" {
		prefix += "/"
	}

	files := make([]string, 0)
	err = api.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			files = append(files, strings.TrimPrefix(key, prefix))
		}
		return true
	})
	if err != nil {
		return nil, s.convertS3Error(err)
	}

	sort.Strings(files)
	return files, nil
}

func (s *S3Client) objectExists(ctx context.Context, api s3iface.S3API, key string) (bool, error) {
	_, err := api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	converted := s.convertS3Error(err)
	if IsNotFound(converted) {
		return false, nil
	}
	return false, converted
}

func (s *S3Client) convertS3Error(err error) error {
	if err == nil {
		return nil
	}

	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case "NoSuchBucket", "NoSuchKey", "NotFound":
			return newError(ErrorTypeNotFound, "resource not found", err)
		case "AccessDenied", "Forbidden":
			return newError(ErrorTypeAccessDenied, "access denied", err)
		case "InvalidDigest", "BadDigest":
			return newError(ErrorTypeInternal, "integrity check failed", err)
		case "RequestTimeout", "ServiceUnavailable", "SlowDown", "Throttling", "ThrottlingException":
			return newError(ErrorTypeNetworkError, "service temporarily unavailable", err)
		default:
			if strings.Contains(strings.ToLower(aerr.Message()), "timeout") {
				return newError(ErrorTypeNetworkError, "request timeout", err)
			}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorTypeNetworkError, "upload timeout", err)
	}

	return newError(ErrorTypeInternal, "internal storage error", err)
}

func objectKey(p string) string {
	p = cleanRemote(p)
	p = strings.TrimLeft(p, "/")
	if p == "." {
		return ""
	}
	return p
}

func joinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func contentType(filePath string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(filePath))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func fileMD5(file *os.File) (string, error) {
	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(hash.Sum(nil)), nil
}
