package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"webdeploy/pkg/logger"
)

var errConnectionClosed = errors.New("sftp connection closed")

// SFTPConnection defines the interface for SFTP connections
type SFTPConnection interface {
	GetClient() (*sftp.Client, error)
	GetReconnectCount() uint64
	Close() error
}

// SFTPManager owns a single SFTP session and re-dials it when the underlying
// SSH connection drops.
type SFTPManager interface {
	Connect(ctx context.Context) (SFTPConnection, error)
	GetConnection() (SFTPConnection, error)
	Close() error
}

// SFTPConn is a wrapped *sftp.Client with reconnection capabilities
type SFTPConn struct {
	sync.Mutex
	sshConn    *ssh.Client
	sftpClient *sftp.Client
	shutdown   chan struct{}
	closed     bool
	lastErr    error
	reconnects uint64
}

// GetClient returns the current *sftp.Client, or the reason the session is
// unusable.
func (s *SFTPConn) GetClient() (*sftp.Client, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil, errConnectionClosed
	}
	if s.sftpClient == nil {
		if s.lastErr != nil {
			return nil, fmt.Errorf("sftp session lost: %w", s.lastErr)
		}
		return nil, errConnectionClosed
	}
	return s.sftpClient, nil
}

// GetReconnectCount returns the number of times this connection has reconnected
func (s *SFTPConn) GetReconnectCount() uint64 {
	return atomic.LoadUint64(&s.reconnects)
}

// Close closes the underlying connections
func (s *SFTPConn) Close() error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil
	}

	close(s.shutdown)
	s.closed = true
	if s.sftpClient != nil {
		_ = s.sftpClient.Close()
	}
	if s.sshConn != nil {
		return s.sshConn.Close()
	}
	return nil
}

func (s *SFTPConn) broken() bool {
	s.Lock()
	defer s.Unlock()
	return !s.closed && s.sftpClient == nil
}

// BasicSFTPManager implements SFTPManager with a single reconnect attempt per
// dropped session.
type BasicSFTPManager struct {
	conn      *SFTPConn
	config    *SFTPConfig
	connMutex sync.Mutex
	log       *logger.Logger
}

func NewBasicSFTPManager(config *SFTPConfig, log *logger.Logger) *BasicSFTPManager {
	return &BasicSFTPManager{
		config: config,
		log:    logger.OrDefault(log),
	}
}

func (m *BasicSFTPManager) createSSHConfig() (*ssh.ClientConfig, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if m.config.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(m.config.HostKey))
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		hostKeyCallback = ssh.FixedHostKey(key)
	}

	sshConfig := &ssh.ClientConfig{
		User:            m.config.Username,
		HostKeyCallback: hostKeyCallback,
		Timeout:         time.Duration(m.config.ConnectionTimeout) * time.Second,
	}

	if m.config.PrivateKey != "" {
		key, err := ssh.ParsePrivateKey([]byte(m.config.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		sshConfig.Auth = []ssh.AuthMethod{ssh.PublicKeys(key)}
	} else if m.config.Password != "" {
		sshConfig.Auth = []ssh.AuthMethod{ssh.Password(m.config.Password)}
	} else {
		return nil, fmt.Errorf("either password or private key must be provided")
	}

	return sshConfig, nil
}

func (m *BasicSFTPManager) dial(ctx context.Context) (*ssh.Client, *sftp.Client, error) {
	sshConfig, err := m.createSSHConfig()
	if err != nil {
		return nil, nil, err
	}

	addr := net.JoinHostPort(m.config.Host, fmt.Sprint(m.config.Port))
	conn, err := dialSSHContext(ctx, "tcp", addr, sshConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("dial ssh %s: %w", addr, err)
	}

	sftpConn, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("initialize sftp subsystem: %w", err)
	}

	return conn, sftpConn, nil
}

// watch re-dials once when the SSH connection drops. A failed re-dial leaves
// the connection broken; the next GetConnection call starts a fresh one.
func (m *BasicSFTPManager) watch(c *SFTPConn) {
	c.Lock()
	sshConn := c.sshConn
	c.Unlock()

	closed := make(chan error, 1)
	go func() {
		closed <- sshConn.Wait()
	}()

	select {
	case <-c.shutdown:
		return
	case res := <-closed:
		c.Lock()
		shuttingDown := c.closed
		c.Unlock()
		if shuttingDown {
			return
		}

		fields := map[string]any{"host": m.config.Host, "port": m.config.Port}
		if res != nil {
			fields["reason"] = res.Error()
		}
		m.log.Warn("sftp connection closed, reconnecting", fields)

		ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout())
		conn, sftpConn, err := m.dial(ctx)
		cancel()

		c.Lock()
		if c.closed {
			c.Unlock()
			if err == nil {
				_ = sftpConn.Close()
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			c.sftpClient = nil
			c.sshConn = nil
			c.lastErr = err
			c.Unlock()
			m.log.Error("failed to reconnect sftp", err, fields)
			return
		}
		c.sftpClient = sftpConn
		c.sshConn = conn
		c.Unlock()

		atomic.AddUint64(&c.reconnects, 1)
		m.log.Info("sftp connection reconnected", map[string]any{
			"host":            m.config.Host,
			"port":            m.config.Port,
			"reconnect_count": c.GetReconnectCount(),
		})

		m.watch(c)
	}
}

func (m *BasicSFTPManager) dialTimeout() time.Duration {
	if m.config.ConnectionTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(m.config.ConnectionTimeout) * time.Second
}

// Connect dials a new session, replacing any existing one.
func (m *BasicSFTPManager) Connect(ctx context.Context) (SFTPConnection, error) {
	m.connMutex.Lock()
	defer m.connMutex.Unlock()

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	conn, sftpConn, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}

	wrapped := &SFTPConn{
		sshConn:    conn,
		sftpClient: sftpConn,
		shutdown:   make(chan struct{}),
	}

	go m.watch(wrapped)
	m.conn = wrapped

	return wrapped, nil
}

// GetConnection returns the live session, dialing a new one if the previous
// session could not be restored.
func (m *BasicSFTPManager) GetConnection() (SFTPConnection, error) {
	m.connMutex.Lock()
	conn := m.conn
	m.connMutex.Unlock()

	if conn != nil && !conn.broken() {
		return conn, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout())
	defer cancel()
	return m.Connect(ctx)
}

// Close closes the connection managed by this manager
func (m *BasicSFTPManager) Close() error {
	m.connMutex.Lock()
	defer m.connMutex.Unlock()

	if m.conn != nil {
		err := m.conn.Close()
		m.conn = nil
		return err
	}
	return nil
}

// dialSSHContext is ssh.Dial with cancellation of both the TCP dial and the
// handshake.
func dialSSHContext(ctx context.Context, network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result)
	go func() {
		var client *ssh.Client
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err == nil {
			client = ssh.NewClient(c, chans, reqs)
		} else {
			conn.Close()
		}
		select {
		case ch <- result{client, err}:
		case <-ctx.Done():
			if client != nil {
				client.Close()
			}
		}
	}()
	select {
	case res := <-ch:
		return res.client, res.err
	case <-ctx.Done():
		conn.Close()
		return nil, context.Cause(ctx)
	}
}
