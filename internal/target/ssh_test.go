package target

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/redloop-ai/redloop/internal/config"
)

// execHandler serves one exec request on the test SSH server.
type execHandler func(user, command string) (output string, status uint32)

func generateTestHostKey(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}
	return signer
}

// newTestSSHServer starts an in-process SSH server that authenticates users
// against the given password map and answers exec requests via handle.
func newTestSSHServer(t *testing.T, users map[string]string, handle execHandler) (addr string, cleanup func()) {
	t.Helper()

	serverConfig := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if want, ok := users[c.User()]; ok && string(pass) == want {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	serverConfig.AddHostKey(generateTestHostKey(t))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleTestSSHConn(conn, serverConfig, handle)
		}
	}()

	return listener.Addr().String(), func() {
		listener.Close()
		<-done
	}
}

func handleTestSSHConn(conn net.Conn, config *ssh.ServerConfig, handle execHandler) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			return
		}

		go func(channel ssh.Channel, requests <-chan *ssh.Request) {
			defer channel.Close()
			for req := range requests {
				if req.Type != "exec" {
					if req.WantReply {
						req.Reply(false, nil)
					}
					continue
				}
				var msg struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
					req.Reply(false, nil)
					continue
				}
				req.Reply(true, nil)

				out, status := handle(sshConn.User(), msg.Command)
				_, _ = channel.Write([]byte(out))
				exit := struct{ Status uint32 }{status}
				_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&exit))
				return
			}
		}(channel, requests)
	}
}

func testTargetConfig(t *testing.T, addr string) config.TargetConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return config.TargetConfig{
		Host:           host,
		Port:           port,
		Username:       "lowpriv",
		Password:       "trustno1",
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 5 * time.Second,
	}
}

func TestTarget_RunCommand(t *testing.T) {
	addr, cleanup := newTestSSHServer(t, map[string]string{"lowpriv": "trustno1"}, func(user, command string) (string, uint32) {
		if command == "id" {
			return "uid=1001(lowpriv) gid=1001(lowpriv) groups=1001(lowpriv)\n", 0
		}
		return "", 127
	})
	defer cleanup()

	tgt := New(testTargetConfig(t, addr))
	if err := tgt.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tgt.Close()

	out, err := tgt.Run(context.Background(), "id")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "uid=1001(lowpriv)") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestTarget_RunKeepsFailedCommandOutput(t *testing.T) {
	addr, cleanup := newTestSSHServer(t, map[string]string{"lowpriv": "trustno1"}, func(user, command string) (string, uint32) {
		return "cat: /etc/shadow: Permission denied\n", 1
	})
	defer cleanup()

	tgt := New(testTargetConfig(t, addr))
	if err := tgt.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tgt.Close()

	out, err := tgt.Run(context.Background(), "cat /etc/shadow")
	if err != nil {
		t.Fatalf("a non-zero exit must not be an error, got: %v", err)
	}
	if !strings.Contains(out, "Permission denied") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestTarget_HostnameCheck(t *testing.T) {
	addr, cleanup := newTestSSHServer(t, map[string]string{"lowpriv": "trustno1"}, func(user, command string) (string, uint32) {
		if command == "hostname" {
			return "testbox\n", 0
		}
		return "", 127
	})
	defer cleanup()

	cfg := testTargetConfig(t, addr)
	cfg.Hostname = "testbox"
	tgt := New(cfg)
	if err := tgt.Connect(context.Background()); err != nil {
		t.Fatalf("connect with matching hostname: %v", err)
	}
	tgt.Close()

	cfg.Hostname = "prodbox"
	tgt = New(cfg)
	err := tgt.Connect(context.Background())
	if err == nil {
		tgt.Close()
		t.Fatal("expected hostname mismatch to refuse the connection")
	}
	if !strings.Contains(err.Error(), `reports hostname "testbox"`) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTarget_CommandTimeout(t *testing.T) {
	addr, cleanup := newTestSSHServer(t, map[string]string{"lowpriv": "trustno1"}, func(user, command string) (string, uint32) {
		time.Sleep(500 * time.Millisecond)
		return "too late\n", 0
	})
	defer cleanup()

	cfg := testTargetConfig(t, addr)
	cfg.CommandTimeout = 50 * time.Millisecond
	tgt := New(cfg)
	if err := tgt.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tgt.Close()

	out, err := tgt.Run(context.Background(), "sleep 30")
	if err != nil {
		t.Fatalf("a timeout must not be an error, got: %v", err)
	}
	if !strings.Contains(out, "command timed out after") {
		t.Fatalf("expected timeout note in output, got %q", out)
	}
}

func TestTarget_RunBeforeConnect(t *testing.T) {
	tgt := New(config.TargetConfig{Host: "127.0.0.1", Port: 22})
	if _, err := tgt.Run(context.Background(), "id"); err == nil {
		t.Fatal("expected error for unconnected target")
	}
}

func TestTarget_DialErrorSurfaces(t *testing.T) {
	tgt := New(config.TargetConfig{
		Host:           "10.0.0.1",
		Port:           22,
		Username:       "lowpriv",
		Password:       "trustno1",
		ConnectTimeout: time.Second,
		CommandTimeout: time.Second,
	})
	tgt.sshDial = func(_, _ string, _ *ssh.ClientConfig) (*ssh.Client, error) {
		return nil, fmt.Errorf("connection refused")
	}

	err := tgt.Connect(context.Background())
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTarget_TestCredentials(t *testing.T) {
	users := map[string]string{
		"lowpriv": "trustno1",
		"svc":     "hunter2",
		"root":    "toor",
	}
	addr, cleanup := newTestSSHServer(t, users, func(user, command string) (string, uint32) {
		if command != "id -u" {
			return "", 127
		}
		if user == "root" {
			return "0\n", 0
		}
		return "1002\n", 0
	})
	defer cleanup()

	tgt := New(testTargetConfig(t, addr))

	probe, err := tgt.TestCredentials(context.Background(), "svc", "hunter2")
	if err != nil {
		t.Fatalf("probe svc: %v", err)
	}
	if !probe.Valid || probe.Root {
		t.Fatalf("unexpected probe for svc: %+v", probe)
	}

	probe, err = tgt.TestCredentials(context.Background(), "root", "toor")
	if err != nil {
		t.Fatalf("probe root: %v", err)
	}
	if !probe.Valid || !probe.Root {
		t.Fatalf("unexpected probe for root: %+v", probe)
	}

	probe, err = tgt.TestCredentials(context.Background(), "svc", "wrong")
	if err != nil {
		t.Fatalf("an invalid password must not be an error, got: %v", err)
	}
	if probe.Valid {
		t.Fatalf("unexpected probe for bad password: %+v", probe)
	}
}
