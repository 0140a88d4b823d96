package deploy

import (
	"errors"
	"fmt"
	"time"

	"webdeploy/pkg/exclusion"
	"webdeploy/pkg/storage"
)

type CleanupMode string

const (
	CleanupNone           CleanupMode = "none"
	CleanupDeleteObsolete CleanupMode = "delete_obsolete"
	CleanupDeleteAll      CleanupMode = "delete_all"
)

func ParseCleanupMode(s string) (CleanupMode, error) {
	switch CleanupMode(s) {
	case "", CleanupNone:
		return CleanupNone, nil
	case CleanupDeleteObsolete, CleanupDeleteAll:
		return CleanupMode(s), nil
	default:
		return CleanupNone, fmt.Errorf("unknown cleanup mode %q", s)
	}
}

// Connection describes how to reach the remote host. Exactly one of SFTP or
// S3 is set, matching Transport.
type Connection struct {
	Transport storage.BackendType
	SFTP      *storage.SFTPConfig
	S3        *storage.S3Config
}

// Host is a human readable name of the remote end.
func (c Connection) Host() string {
	switch {
	case c.SFTP != nil:
		return fmt.Sprintf("%s:%d", c.SFTP.Host, c.SFTP.Port)
	case c.S3 != nil && c.S3.Endpoint != "":
		return c.S3.Endpoint + "/" + c.S3.Bucket
	case c.S3 != nil:
		return "s3://" + c.S3.Bucket
	}
	return ""
}

type BuildSettings struct {
	Command    string
	WorkingDir string
	OutputDir  string
	Timeout    time.Duration
	Env        []string
}

// Profile is a resolved deployment target. It is read-only for the
// duration of a run.
type Profile struct {
	Name               string
	Connection         Connection
	RemoteRoot         string
	Build              BuildSettings
	Concurrency        int
	RetryCount         int
	RetryDelay         time.Duration
	UploadsPerSecond   float64
	CleanupMode        CleanupMode
	ExcludePatterns    []string
	UseDefaultExcludes bool
	MaintenanceMode    bool
	MaintenancePage    string
}

func (p *Profile) Validate() error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("profile name is required"))
	}
	if p.Concurrency < 1 || p.Concurrency > 32 {
		errs = append(errs, fmt.Errorf("concurrency must be between 1 and 32, got %d", p.Concurrency))
	}
	if p.RetryCount < 0 || p.RetryCount > 10 {
		errs = append(errs, fmt.Errorf("retry count must be between 0 and 10, got %d", p.RetryCount))
	}
	if _, err := ParseCleanupMode(string(p.CleanupMode)); err != nil {
		errs = append(errs, err)
	}
	if p.Build.OutputDir == "" {
		errs = append(errs, errors.New("build output directory is required"))
	}

	switch p.Connection.Transport {
	case storage.BackendTypeSFTP:
		if p.Connection.SFTP == nil {
			errs = append(errs, errors.New("sftp connection settings are required"))
		}
	case storage.BackendTypeS3:
		if p.Connection.S3 == nil {
			errs = append(errs, errors.New("s3 connection settings are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported transport %q", p.Connection.Transport))
	}

	if _, err := p.Matcher(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Patterns returns the exclusion patterns in effect for this profile.
func (p *Profile) Patterns() []string {
	if p.UseDefaultExcludes {
		return exclusion.WithDefaults(p.ExcludePatterns)
	}
	return append([]string(nil), p.ExcludePatterns...)
}

func (p *Profile) Matcher() (*exclusion.Matcher, error) {
	return exclusion.Compile(p.Patterns())
}
