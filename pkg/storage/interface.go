package storage

import (
	"context"
	"errors"
	"fmt"
)

// TransferClient is the protocol-level collaborator the deployment pipeline
// drives. Remote paths passed to UploadFile, DeleteFile and DeleteDirectory
// are absolute on the server (or full keys for object stores); ListAllFiles
// returns paths relative to the listed root, slash separated.
type TransferClient interface {
	GetBackendType() BackendType
	Connect(ctx context.Context) error
	TestWritable(ctx context.Context, remoteRoot string) error
	UploadFile(ctx context.Context, localPath, remotePath string, overwrite, createRemoteDir bool) error
	DeleteFile(ctx context.Context, remotePath string) error
	DeleteDirectory(ctx context.Context, remotePath string) error
	ListAllFiles(ctx context.Context, remoteRoot string) ([]string, error)
	Disconnect() error
}

type BackendType string

const (
	BackendTypeS3   BackendType = "s3"
	BackendTypeSFTP BackendType = "sftp"
)

type StorageError struct {
	Type    ErrorType
	Message string
	Cause   error
}

type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeAccessDenied ErrorType = "access_denied"
	ErrorTypeNetworkError ErrorType = "network_error"
	ErrorTypeInternal     ErrorType = "internal_error"
	ErrorTypeInvalidInput ErrorType = "invalid_input"
	ErrorTypeConflict     ErrorType = "conflict"
)

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

func newError(t ErrorType, message string, cause error) error {
	return &StorageError{Type: t, Message: message, Cause: cause}
}

func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		return false
	}

	switch storageErr.Type {
	case ErrorTypeNetworkError:
		return true
	case ErrorTypeInternal:
		return true
	case ErrorTypeNotFound, ErrorTypeAccessDenied, ErrorTypeInvalidInput, ErrorTypeConflict:
		return false
	default:
		return false
	}
}

// IsPermanentError reports whether retrying err cannot help. Errors that
// carry no classification are treated as transient.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		return false
	}
	return !IsRetryableError(err)
}

func IsNotFound(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr) && storageErr.Type == ErrorTypeNotFound
}
