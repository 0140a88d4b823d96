package storage

import (
	"fmt"

	"webdeploy/pkg/logger"
)

var (
	_ TransferClient = (*SFTPClient)(nil)
	_ TransferClient = (*S3Client)(nil)
)

// NewClient builds the transfer client for the given backend. Exactly the
// config matching backendType must be non-nil.
func NewClient(backendType BackendType, sftpConfig *SFTPConfig, s3Config *S3Config, log *logger.Logger) (TransferClient, error) {
	switch backendType {
	case BackendTypeSFTP:
		if sftpConfig == nil {
			return nil, fmt.Errorf("sftp configuration is required for sftp backend")
		}
		return NewSFTPClient(sftpConfig, log)
	case BackendTypeS3:
		if s3Config == nil {
			return nil, fmt.Errorf("s3 configuration is required for s3 backend")
		}
		return NewS3Client(s3Config, log)
	default:
		return nil, fmt.Errorf("unsupported storage backend type: %s", backendType)
	}
}
