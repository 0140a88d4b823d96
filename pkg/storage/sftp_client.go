package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/pkg/sftp"

	"webdeploy/pkg/logger"
)

type SFTPConfig struct {
	Host              string `mapstructure:"host" validate:"required"`
	Port              int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	Username          string `mapstructure:"username" validate:"required"`
	Password          string `mapstructure:"password"`
	PrivateKey        string `mapstructure:"private_key"`
	HostKey           string `mapstructure:"host_key"`
	ConnectionTimeout int    `mapstructure:"connection_timeout" validate:"min=1,max=300"`
	EnableResume      bool   `mapstructure:"enable_resume"`
}

// stripedLock provides a set of locks for concurrent access to different keys.
// This avoids holding a global lock or having a map of locks that grows indefinitely.
type stripedLock struct {
	locks []sync.Mutex
}

func newStripedLock(count int) *stripedLock {
	if count <= 0 {
		count = 1024
	}
	return &stripedLock{
		locks: make([]sync.Mutex, count),
	}
}

func (sl *stripedLock) Lock(key string) {
	h := xxhash.Sum64String(key)
	sl.locks[h%uint64(len(sl.locks))].Lock()
}

func (sl *stripedLock) Unlock(key string) {
	h := xxhash.Sum64String(key)
	sl.locks[h%uint64(len(sl.locks))].Unlock()
}

// remoteFS is the subset of *sftp.Client the transfer client uses.
type remoteFS interface {
	Stat(p string) (os.FileInfo, error)
	MkdirAll(p string) error
	Create(p string) (io.WriteCloser, error)
	OpenFile(p string, f int) (io.WriteCloser, error)
	Rename(oldname, newname string) error
	Remove(p string) error
	RemoveDirectory(p string) error
	ReadDir(p string) ([]os.FileInfo, error)
}

type sftpFS struct {
	c *sftp.Client
}

func (f sftpFS) Stat(p string) (os.FileInfo, error)      { return f.c.Stat(p) }
func (f sftpFS) MkdirAll(p string) error                 { return f.c.MkdirAll(p) }
func (f sftpFS) Rename(oldname, newname string) error    { return f.c.Rename(oldname, newname) }
func (f sftpFS) Remove(p string) error                   { return f.c.Remove(p) }
func (f sftpFS) RemoveDirectory(p string) error          { return f.c.RemoveDirectory(p) }
func (f sftpFS) ReadDir(p string) ([]os.FileInfo, error) { return f.c.ReadDir(p) }

func (f sftpFS) Create(p string) (io.WriteCloser, error) {
	file, err := f.c.Create(p)
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (f sftpFS) OpenFile(p string, flag int) (io.WriteCloser, error) {
	file, err := f.c.OpenFile(p, flag)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// SFTPClient uploads through a temp file named after the content hash and
// renames it into place, so an interrupted upload never leaves a truncated
// file at the final path. With EnableResume a partial temp file is appended
// to instead of restarted.
type SFTPClient struct {
	manager SFTPManager
	config  *SFTPConfig
	locks   *stripedLock
	log     *logger.Logger
	fs      func() (remoteFS, error)
}

func NewSFTPClient(config *SFTPConfig, log *logger.Logger) (*SFTPClient, error) {
	if config == nil {
		return nil, fmt.Errorf("sftp configuration is required")
	}

	c := &SFTPClient{
		manager: NewBasicSFTPManager(config, log),
		config:  config,
		locks:   newStripedLock(1024),
		log:     logger.OrDefault(log),
	}
	c.fs = c.sessionFS
	return c, nil
}

func (s *SFTPClient) sessionFS() (remoteFS, error) {
	conn, err := s.manager.GetConnection()
	if err != nil {
		return nil, newError(ErrorTypeNetworkError, "get sftp connection", err)
	}
	client, err := conn.GetClient()
	if err != nil {
		return nil, newError(ErrorTypeNetworkError, "get sftp client", err)
	}
	return sftpFS{c: client}, nil
}

func (s *SFTPClient) GetBackendType() BackendType {
	return BackendTypeSFTP
}

func (s *SFTPClient) Connect(ctx context.Context) error {
	if _, err := s.manager.Connect(ctx); err != nil {
		return newError(ErrorTypeNetworkError, fmt.Sprintf("connect to %s:%d", s.config.Host, s.config.Port), err)
	}
	s.log.Info("sftp connected", map[string]any{"host": s.config.Host, "port": s.config.Port})
	return nil
}

func (s *SFTPClient) Disconnect() error {
	if s.manager == nil {
		return nil
	}
	return s.manager.Close()
}

func (s *SFTPClient) TestWritable(ctx context.Context, remoteRoot string) error {
	fs, err := s.fs()
	if err != nil {
		return err
	}

	root := cleanRemote(remoteRoot)
	if err := fs.MkdirAll(root); err != nil {
		return classifySFTPError("create remote root", err)
	}

	probe := path.Join(root, ".webdeploy-write-test-"+uuid.NewString())
	w, err := fs.Create(probe)
	if err != nil {
		return classifySFTPError("create write probe", err)
	}
	if _, err := io.WriteString(w, "ok"); err != nil {
		_ = w.Close()
		return classifySFTPError("write probe", err)
	}
	if err := w.Close(); err != nil {
		return classifySFTPError("close write probe", err)
	}
	if err := fs.Remove(probe); err != nil {
		return classifySFTPError("remove write probe", err)
	}
	return nil
}

func (s *SFTPClient) UploadFile(ctx context.Context, localPath, remotePath string, overwrite, createRemoteDir bool) error {
	remotePath = cleanRemote(remotePath)

	s.locks.Lock(remotePath)
	defer s.locks.Unlock(remotePath)

	fs, err := s.fs()
	if err != nil {
		return err
	}

	exists := false
	stat, err := fs.Stat(remotePath)
	switch {
	case err == nil:
		if stat.IsDir() {
			return newError(ErrorTypeConflict, "remote path is a directory: "+remotePath, nil)
		}
		exists = true
	case errors.Is(err, os.ErrNotExist):
	default:
		return classifySFTPError("stat remote file", err)
	}

	if exists && !overwrite {
		return newError(ErrorTypeConflict, "remote file exists: "+remotePath, nil)
	}

	if createRemoteDir {
		if err := fs.MkdirAll(path.Dir(remotePath)); err != nil {
			return classifySFTPError("create remote directory", err)
		}
	}

	localSize, err := localFileSize(localPath)
	if err != nil {
		return newError(ErrorTypeInvalidInput, "stat local file", err)
	}

	hash, err := fileHash(localPath)
	if err != nil {
		return newError(ErrorTypeInvalidInput, "hash local file", err)
	}
	tempPath := tempPathFor(remotePath, hash)

	remoteSize, tempExists, err := s.remoteFileSize(fs, tempPath)
	if err != nil {
		return err
	}

	startOffset := int64(0)
	skipUpload := false
	if s.config.EnableResume && tempExists {
		if remoteSize == localSize {
			skipUpload = true
		} else if remoteSize > 0 && remoteSize < localSize {
			startOffset = remoteSize
		}
	}

	if !skipUpload {
		if err := s.uploadWithResume(ctx, fs, localPath, tempPath, startOffset); err != nil {
			return err
		}
	}

	if exists {
		if err := fs.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return classifySFTPError("remove replaced file", err)
		}
	}

	if err := fs.Rename(tempPath, remotePath); err != nil {
		return classifySFTPError("rename temp file", err)
	}

	s.log.Debug("sftp upload complete", map[string]any{
		"remote_path": remotePath,
		"bytes":       localSize,
		"resumed_at":  startOffset,
	})
	return nil
}

func (s *SFTPClient) DeleteFile(ctx context.Context, remotePath string) error {
	fs, err := s.fs()
	if err != nil {
		return err
	}
	if err := fs.Remove(cleanRemote(remotePath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return classifySFTPError("delete remote file", err)
	}
	return nil
}

func (s *SFTPClient) DeleteDirectory(ctx context.Context, remotePath string) error {
	fs, err := s.fs()
	if err != nil {
		return err
	}
	if err := fs.RemoveDirectory(cleanRemote(remotePath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return classifySFTPError("delete remote directory", err)
	}
	return nil
}

// ListAllFiles walks remoteRoot recursively. A missing root lists as empty.
func (s *SFTPClient) ListAllFiles(ctx context.Context, remoteRoot string) ([]string, error) {
	fs, err := s.fs()
	if err != nil {
		return nil, err
	}

	root := cleanRemote(remoteRoot)
	files := make([]string, 0)

	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := fs.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && dir == root {
				return nil
			}
			return classifySFTPError("list "+dir, err)
		}
		for _, e := range entries {
			childRel := e.Name()
			if rel != "" {
				childRel = rel + "/" + e.Name()
			}
			if e.IsDir() {
				if err := walk(path.Join(dir, e.Name()), childRel); err != nil {
					return err
				}
				continue
			}
			files = append(files, childRel)
		}
		return nil
	}

	if err := walk(root, ""); err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (s *SFTPClient) remoteFileSize(fs remoteFS, remotePath string) (int64, bool, error) {
	stat, err := fs.Stat(remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, classifySFTPError("stat temp file", err)
	}
	return stat.Size(), true, nil
}

func (s *SFTPClient) uploadWithResume(ctx context.Context, fs remoteFS, localPath, tempPath string, startOffset int64) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return newError(ErrorTypeInvalidInput, "open local file", err)
	}
	defer func() { _ = localFile.Close() }()

	if startOffset > 0 {
		if _, err := localFile.Seek(startOffset, io.SeekStart); err != nil {
			return newError(ErrorTypeInternal, "seek local file", err)
		}
	}

	var remoteFile io.WriteCloser
	if startOffset > 0 {
		remoteFile, err = fs.OpenFile(tempPath, os.O_WRONLY|os.O_APPEND)
	} else {
		remoteFile, err = fs.Create(tempPath)
	}
	if err != nil {
		return classifySFTPError("open temp file", err)
	}

	if _, err := copyWithContext(ctx, remoteFile, localFile); err != nil {
		_ = remoteFile.Close()
		return classifySFTPError("copy file data", err)
	}
	if err := remoteFile.Close(); err != nil {
		return classifySFTPError("close temp file", err)
	}
	return nil
}

func classifySFTPError(op string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return newError(ErrorTypeNotFound, op, err)
	case errors.Is(err, os.ErrPermission):
		return newError(ErrorTypeAccessDenied, op, err)
	default:
		var se *StorageError
		if errors.As(err, &se) {
			return err
		}
		return newError(ErrorTypeNetworkError, op, err)
	}
}

func cleanRemote(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

func tempPathFor(remotePath, hash string) string {
	dir, name := path.Split(remotePath)
	return dir + fmt.Sprintf(".%s.%s", name, hash)
}

func fileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()

	h := xxhash.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("%016x", h.Sum64()), nil
}

func localFileSize(filePath string) (int64, error) {
	stat, err := os.Stat(filePath)
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

type readerFunc func(p []byte) (n int, err error)

func (rf readerFunc) Read(p []byte) (n int, err error) { return rf(p) }

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, readerFunc(func(p []byte) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
			return src.Read(p)
		}
	}))
}
