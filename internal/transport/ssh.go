package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/gc3pie/gc3core/internal/gcerror"
)

// SSHConfig describes how to reach a remote host (spec.md §6
// auth/<name> with type=ssh).
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	Signer         ssh.Signer
	HostKeyCB      ssh.HostKeyCallback
	ConnectTimeout time.Duration
	KeepAlive      time.Duration

	// ExtraAuthErrorPatterns supplements isAuthError's built-in
	// substring list with site-specific phrasing an operator has seen
	// their SSH server or gateway return for rejected credentials
	// (spec.md §9's Open Question: the auth/transient classification
	// is inherently heuristic and must stay overridable per site).
	ExtraAuthErrorPatterns []string
}

// SSH multiplexes commands and file transfers over a single persistent
// authenticated session per (host, user) pair, reopening transparently
// on transient network failures (spec.md §4.1).
type SSH struct {
	cfg SSHConfig

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
	// sem bounds concurrent command executions over this transport's
	// single connection (spec.md §5 "a global semaphore bounds
	// concurrent command executions per transport").
	sem chan struct{}

	// permanentErr, once set, makes every subsequent call fail
	// immediately instead of retrying the dial — an auth/host-key
	// failure is fatal for the resource for the rest of the engine run.
	permanentErr error
}

// NewSSH builds an SSH transport. concurrency bounds the number of
// simultaneous command executions multiplexed over the one connection.
func NewSSH(cfg SSHConfig, concurrency int) *SSH {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &SSH{cfg: cfg, sem: make(chan struct{}, concurrency)}
}

func (s *SSH) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialLocked(ctx)
}

func (s *SSH) dialLocked(ctx context.Context) error {
	if s.permanentErr != nil {
		return s.permanentErr
	}
	if s.client != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, portOrDefault(s.cfg.Port))
	clientCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.cfg.Signer)},
		HostKeyCallback: hostKeyCallbackOrInsecure(s.cfg.HostKeyCB),
		Timeout:         connectTimeoutOrDefault(s.cfg.ConnectTimeout),
	}

	dialer := net.Dialer{Timeout: clientCfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return gcerror.New(gcerror.KindTransient, fmt.Errorf("ssh: dial %s: %w", addr, err))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		if isAuthError(err, s.cfg.ExtraAuthErrorPatterns...) {
			s.permanentErr = gcerror.New(gcerror.KindAuth, fmt.Errorf("ssh: auth to %s: %w", addr, err))
			return s.permanentErr
		}
		return gcerror.New(gcerror.KindTransient, fmt.Errorf("ssh: handshake %s: %w", addr, err))
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return gcerror.New(gcerror.KindTransient, fmt.Errorf("ssh: sftp subsystem on %s: %w", addr, err))
	}

	s.client = client
	s.sftp = sftpClient
	return nil
}

func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.sftp != nil {
		err = s.sftp.Close()
		s.sftp = nil
	}
	if s.client != nil {
		if cerr := s.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.client = nil
	}
	return err
}

// reconnect drops the current connection and dials again — used when
// a command/transfer fails with what looks like a dropped connection
// (transient per spec.md §4.1), never for an auth failure.
func (s *SSH) reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp != nil {
		_ = s.sftp.Close()
		s.sftp = nil
	}
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	return s.dialLocked(ctx)
}

func (s *SSH) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SSH) release() { <-s.sem }

func (s *SSH) Run(ctx context.Context, command string, stdin io.Reader) (CommandResult, error) {
	if err := s.acquire(ctx); err != nil {
		return CommandResult{}, err
	}
	defer s.release()

	if err := s.Open(ctx); err != nil {
		return CommandResult{}, err
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	session, err := client.NewSession()
	if err != nil {
		if rerr := s.reconnect(ctx); rerr == nil {
			s.mu.Lock()
			client = s.client
			s.mu.Unlock()
			session, err = client.NewSession()
		}
		if err != nil {
			return CommandResult{}, gcerror.New(gcerror.KindTransient, fmt.Errorf("ssh: new session: %w", err))
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	err = session.Run(command)
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if ok := asExitError(err, &exitErr); ok {
		res.ExitCode = exitErr.ExitStatus()
		if exitErr.Signal() != "" {
			res.Signal = signalNumber(string(exitErr.Signal()))
			res.ExitCode = 0
		}
		return res, nil
	}
	return res, gcerror.New(gcerror.KindTransient, fmt.Errorf("ssh: run %q: %w", command, err))
}

func (s *SSH) Get(ctx context.Context, remotePath, localPath string) error {
	if err := s.Open(ctx); err != nil {
		return err
	}
	remote, err := s.sftp.Open(remotePath)
	if err != nil {
		return gcerror.New(gcerror.KindDataStaging, err)
	}
	defer remote.Close()
	return writeLocalFile(localPath, remote)
}

func (s *SSH) Put(ctx context.Context, localPath, remotePath string) error {
	if err := s.Open(ctx); err != nil {
		return err
	}
	local, err := openLocalFile(localPath)
	if err != nil {
		return gcerror.New(gcerror.KindDataStaging, err)
	}
	defer local.Close()

	if err := s.sftp.MkdirAll(dirOf(remotePath)); err != nil {
		return gcerror.New(gcerror.KindDataStaging, err)
	}
	remote, err := s.sftp.Create(remotePath)
	if err != nil {
		return gcerror.New(gcerror.KindDataStaging, err)
	}
	defer remote.Close()
	_, err = io.Copy(remote, local)
	return err
}

func (s *SSH) ListDir(ctx context.Context, path string) ([]FileInfo, error) {
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	entries, err := s.sftp.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, FileInfo{Name: e.Name(), Size: e.Size(), IsDir: e.IsDir(), Mode: uint32(e.Mode())})
	}
	return out, nil
}

func (s *SSH) Remove(ctx context.Context, path string) error {
	if err := s.Open(ctx); err != nil {
		return err
	}
	return s.sftp.RemoveAll(path)
}

func portOrDefault(p int) int {
	if p == 0 {
		return 22
	}
	return p
}

func connectTimeoutOrDefault(d time.Duration) time.Duration {
	if d == 0 {
		return 30 * time.Second
	}
	return d
}

func hostKeyCallbackOrInsecure(cb ssh.HostKeyCallback) ssh.HostKeyCallback {
	if cb != nil {
		return cb
	}
	return ssh.InsecureIgnoreHostKey()
}
