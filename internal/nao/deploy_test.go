package nao

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/HerbHall/robobridge/internal/protocol"
	"github.com/HerbHall/robobridge/internal/testutil"
)

// sshRobot is a minimal SSH server that records exec requests. Commands
// starting with failPrefix exit with status 1.
type sshRobot struct {
	failPrefix string

	mu       sync.Mutex
	commands []string
}

func (r *sshRobot) record(cmd string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
}

func (r *sshRobot) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func startSSHRobot(t *testing.T, robot *sshRobot, password string) int {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if string(pw) != password {
				return nil, assert.AnError
			}
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go robot.serve(conn, config)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func (r *sshRobot) serve(conn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go r.session(ch, requests)
	}
}

func (r *sshRobot) session(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)
		r.record(payload.Command)

		status := uint32(0)
		if r.failPrefix != "" && strings.HasPrefix(payload.Command, r.failPrefix) {
			_, _ = ch.Stderr().Write([]byte("Traceback: boom\n"))
			status = 1
		}
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func testDeployer(t *testing.T, sshPort int) *RemoteDeployer {
	d := NewRemoteDeployer(Login{Username: "nao", Password: "nao"}, 2*time.Second, testutil.Logger(t))
	d.sshPort = sshPort
	return d
}

func TestExecuteRunsAndCleansUp(t *testing.T) {
	robot := &sshRobot{}
	port := startSSHRobot(t, robot, "nao")

	err := testDeployer(t, port).execute(context.Background(), "127.0.0.1", "NEPOprog.py")
	require.NoError(t, err)
	assert.Equal(t, []string{"python 'NEPOprog.py'", "rm 'NEPOprog.py'", "rm -r roberta"}, robot.executed())
}

func TestExecuteProgramFailureStillCleansUp(t *testing.T) {
	robot := &sshRobot{failPrefix: "python"}
	port := startSSHRobot(t, robot, "nao")

	err := testDeployer(t, port).execute(context.Background(), "127.0.0.1", "NEPOprog.py")
	var exitErr *ssh.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitStatus())
	assert.Len(t, robot.executed(), 3)
}

func TestExecuteWrongPassword(t *testing.T) {
	port := startSSHRobot(t, &sshRobot{}, "secret")

	err := testDeployer(t, port).execute(context.Background(), "127.0.0.1", "NEPOprog.py")
	assert.ErrorContains(t, err, "ssh handshake")
}

func TestDeployFTPUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	d := testDeployer(t, 0)
	d.ftpPort = port
	err = d.Deploy(context.Background(), "127.0.0.1", nil, protocol.Program{Name: "p.py"})
	assert.ErrorContains(t, err, "ftp connect 127.0.0.1:"+strconv.Itoa(port))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'a b.py'`, shellQuote("a b.py"))
	assert.Equal(t, `'it'\''s.py'`, shellQuote("it's.py"))
}
