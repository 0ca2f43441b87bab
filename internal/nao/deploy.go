package nao

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/HerbHall/robobridge/internal/protocol"
)

const (
	defaultFTPPort = 21
	defaultSSHPort = 22
)

// Login holds the robot account used for FTP and SSH.
type Login struct {
	Username string
	Password string
}

// Deployer places a program and the HAL modules on a robot and runs it.
type Deployer interface {
	Deploy(ctx context.Context, host string, hal []File, prog protocol.Program) error
}

// RemoteDeployer uploads over FTP and runs the program over SSH. Running
// is synchronous, so the program has finished when Deploy returns.
type RemoteDeployer struct {
	login   Login
	ftpPort int
	sshPort int
	timeout time.Duration
	logger  *zap.Logger
}

// NewRemoteDeployer creates a deployer using the standard FTP and SSH ports.
func NewRemoteDeployer(login Login, timeout time.Duration, logger *zap.Logger) *RemoteDeployer {
	return &RemoteDeployer{
		login:   login,
		ftpPort: defaultFTPPort,
		sshPort: defaultSSHPort,
		timeout: timeout,
		logger:  logger,
	}
}

// Deploy uploads hal into the roberta directory and prog into the home
// directory, runs prog with python and removes both afterwards.
func (d *RemoteDeployer) Deploy(ctx context.Context, host string, hal []File, prog protocol.Program) error {
	if err := d.upload(ctx, host, hal, prog); err != nil {
		return err
	}
	return d.execute(ctx, host, prog.Name)
}

func (d *RemoteDeployer) upload(ctx context.Context, host string, hal []File, prog protocol.Program) error {
	addr := net.JoinHostPort(host, strconv.Itoa(d.ftpPort))
	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(d.timeout))
	if err != nil {
		return fmt.Errorf("ftp connect %s: %w", addr, err)
	}
	defer func() {
		if err := conn.Quit(); err != nil {
			d.logger.Debug("ftp quit failed", zap.Error(err))
		}
	}()

	if err := conn.Login(d.login.Username, d.login.Password); err != nil {
		return fmt.Errorf("ftp login as %s: %w", d.login.Username, err)
	}
	if err := ensureDir(conn, HALDir); err != nil {
		return err
	}
	for _, f := range hal {
		if err := d.store(conn, path.Join(HALDir, f.Name), f.Data); err != nil {
			return err
		}
	}
	return d.store(conn, prog.Name, prog.Data)
}

func (d *RemoteDeployer) store(conn *ftp.ServerConn, name string, data []byte) error {
	d.logger.Debug("transferring file to NAO", zap.String("file", name), zap.Int("bytes", len(data)))
	if err := conn.Stor(name, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("ftp store %s: %w", name, err)
	}
	return nil
}

func ensureDir(conn *ftp.ServerConn, dir string) error {
	if entries, err := conn.List(""); err == nil {
		for _, e := range entries {
			if e.Name == dir && e.Type == ftp.EntryTypeFolder {
				return nil
			}
		}
	}
	if err := conn.MakeDir(dir); err != nil {
		return fmt.Errorf("ftp mkdir %s: %w", dir, err)
	}
	return nil
}

// execute runs the program and cleans up. Cleanup failures are logged
// only.
func (d *RemoteDeployer) execute(ctx context.Context, host, file string) error {
	client, err := d.dialSSH(ctx, host)
	if err != nil {
		return err
	}
	defer client.Close()
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	runErr := d.run(client, "python "+shellQuote(file))
	for _, cmd := range []string{"rm " + shellQuote(file), "rm -r " + HALDir} {
		if err := d.run(client, cmd); err != nil {
			d.logger.Warn("cleanup on NAO failed", zap.String("command", cmd), zap.Error(err))
		}
	}
	if runErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return runErr
}

func (d *RemoteDeployer) dialSSH(ctx context.Context, host string) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User: d.login.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(d.login.Password),
		},
		// Robots are re-flashed routinely and regenerate their host keys.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         d.timeout,
	}
	addr := net.JoinHostPort(host, strconv.Itoa(d.sshPort))
	conn, err := (&net.Dialer{Timeout: d.timeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh connect %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (d *RemoteDeployer) run(client *ssh.Client, cmd string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	out, err := session.CombinedOutput(cmd)
	d.logger.Debug("ssh command finished", zap.String("command", cmd), zap.ByteString("output", out))
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
