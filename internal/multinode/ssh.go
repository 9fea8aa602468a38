package multinode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	cryptossh "golang.org/x/crypto/ssh"
)

// SSHConfig describes how to reach one worker node.
type SSHConfig struct {
	Logger   *zap.Logger
	KeyPath  string
	Addr     string
	UserName string

	// DialRetries bounds the number of dial attempts. Defaults to 15.
	DialRetries   int
	RetryInterval time.Duration
}

type sshRunner struct {
	cfg    SSHConfig
	lg     *zap.Logger
	client *cryptossh.Client
}

// NewSSHRunner authenticates with the private key at cfg.KeyPath and keeps
// one connection to the node open until Close.
func NewSSHRunner(ctx context.Context, cfg SSHConfig) (Runner, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DialRetries <= 0 {
		cfg.DialRetries = 15
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}

	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := cryptossh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", cfg.KeyPath, err)
	}

	conn, err := dialWithRetry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	clientCfg := &cryptossh.ClientConfig{
		User:            cfg.UserName,
		Auth:            []cryptossh.AuthMethod{cryptossh.PublicKeys(signer)},
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(),
	}
	c, chans, reqs, err := cryptossh.NewClientConn(conn, cfg.Addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", cfg.Addr, err)
	}
	cfg.Logger.Info("connected", zap.String("addr", cfg.Addr), zap.String("user", cfg.UserName))
	return &sshRunner{cfg: cfg, lg: cfg.Logger, client: cryptossh.NewClient(c, chans, reqs)}, nil
}

// dialWithRetry keeps dialing while the node refuses connections, which is
// what a node whose sshd is still starting looks like.
func dialWithRetry(ctx context.Context, cfg SSHConfig) (net.Conn, error) {
	var d net.Dialer
	var lastErr error
	for attempt := 1; attempt <= cfg.DialRetries; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		conn, err := d.DialContext(dctx, "tcp", cfg.Addr)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !errors.Is(err, syscall.ECONNREFUSED) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		cfg.Logger.Warn("dial failed, node might not be ready yet",
			zap.String("addr", cfg.Addr),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, fmt.Errorf("failed to dial %s after %d attempts: %w", cfg.Addr, cfg.DialRetries, lastErr)
}

func (sh *sshRunner) Close() {
	err := sh.client.Close()
	sh.lg.Debug("closed connection", zap.String("addr", sh.cfg.Addr), zap.Error(err))
}

// Run runs cmd in a new session. Cancelling ctx closes the session.
func (sh *sshRunner) Run(ctx context.Context, cmd string) ([]byte, error) {
	start := time.Now()
	ss, err := sh.client.NewSession()
	if err != nil {
		return nil, err
	}
	defer ss.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := ss.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		ss.Close()
		<-done
		res = result{err: ctx.Err()}
	case res = <-done:
	}
	sh.lg.Info("ran command",
		zap.String("addr", sh.cfg.Addr),
		zap.String("cmd", cmd),
		zap.String("started", humanize.RelTime(start, time.Now(), "ago", "from now")),
		zap.Error(res.err),
	)
	return res.out, res.err
}
