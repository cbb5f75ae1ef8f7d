//go:build !integration

// Package unit drives the full accept -> handshake -> relay ->
// terminate path through the real Multiplexer, Timer Set, and Worker
// Pool, but with a FakeLauncher standing in for a PTY and shell, so the
// whole wire protocol can be exercised without spawning a process or
// requiring root.
package unit

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/tflatt/rembashd"
	"github.com/tflatt/rembashd/internal/config"
	"github.com/tflatt/rembashd/internal/constants"
	"github.com/tflatt/rembashd/internal/logging"
)

// freePort finds an available TCP port by briefly binding to it.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// startServer boots a rembashd.Server bound to a fresh port with a
// FakeLauncher, waits for it to accept connections, and registers
// cleanup to cancel it when the test ends.
func startServer(t *testing.T, handshakeTimeout time.Duration) (*rembashd.FakeLauncher, string) {
	t.Helper()
	port := freePort(t)

	launcher := rembashd.NewFakeLauncher()
	cfg := config.Config{
		Port:             port,
		Workers:          4,
		HandshakeTimeout: handshakeTimeout,
	}
	logger := logging.NewLogger(&logging.Config{Level: logging.LevelError})

	server, err := rembashd.NewWithLauncher(cfg, logger, launcher)
	if err != nil {
		t.Fatalf("NewWithLauncher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	waitForListener(t, addr)
	return launcher, addr
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never started listening on %s", addr)
}

func waitForLaunch(t *testing.T, launcher *rembashd.FakeLauncher) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for launcher.LaunchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if launcher.LaunchCount() == 0 {
		t.Fatal("shell was never launched")
	}
}

func TestHandshakeHappyPath(t *testing.T) {
	launcher, addr := startServer(t, 3*time.Second)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))
	r := bufio.NewReader(conn)

	challenge := readN(t, r, len(constants.Challenge))
	if challenge != constants.Challenge {
		t.Fatalf("challenge = %q, want %q", challenge, constants.Challenge)
	}

	if _, err := conn.Write([]byte(constants.Secret)); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	proceed := readN(t, r, len(constants.Proceed))
	if proceed != constants.Proceed {
		t.Fatalf("proceed = %q, want %q", proceed, constants.Proceed)
	}

	waitForLaunch(t, launcher)
	if launcher.LaunchCount() != 1 {
		t.Fatalf("LaunchCount = %d, want 1", launcher.LaunchCount())
	}
}

func TestHandshakeWrongSecretIsTerminated(t *testing.T) {
	launcher, addr := startServer(t, 3*time.Second)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))
	r := bufio.NewReader(conn)

	readN(t, r, len(constants.Challenge))
	if _, err := conn.Write([]byte("not the secret\n")); err != nil {
		t.Fatalf("write bad secret: %v", err)
	}

	errMsg := readN(t, r, len(constants.ErrorMsg))
	if errMsg != constants.ErrorMsg {
		t.Fatalf("error response = %q, want %q", errMsg, constants.ErrorMsg)
	}

	buf := make([]byte, 1)
	conn.SetDeadline(time.Now().Add(1 * time.Second))
	if _, err := r.Read(buf); err == nil {
		t.Fatal("expected connection to be closed after bad secret")
	}
	if launcher.LaunchCount() != 0 {
		t.Errorf("LaunchCount = %d, want 0 after failed handshake", launcher.LaunchCount())
	}
}

func TestSilentClientHitsHandshakeTimeout(t *testing.T) {
	_, addr := startServer(t, 200*time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	readN(t, r, len(constants.Challenge))
	// Never respond; the handshake timer should fire and the server
	// should close the connection without a proceed/error reply.
	buf := make([]byte, 1)
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.Read(buf); err == nil {
		t.Fatal("expected connection to be closed after handshake timeout")
	}
}

func TestRelayEchoesBothDirections(t *testing.T) {
	launcher, addr := startServer(t, 3*time.Second)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))
	r := bufio.NewReader(conn)

	readN(t, r, len(constants.Challenge))
	conn.Write([]byte(constants.Secret))
	readN(t, r, len(constants.Proceed))
	waitForLaunch(t, launcher)

	masterFD := launcher.LastMasterFD()
	shellFD, ok := launcher.ShellEnd(masterFD)
	if !ok {
		t.Fatal("ShellEnd: no fake shell end for launched master fd")
	}
	shellFile := os.NewFile(uintptr(shellFD), "fake-shell")
	defer shellFile.Close()

	// client -> shell
	if _, err := conn.Write([]byte("ls -la\n")); err != nil {
		t.Fatalf("write to socket: %v", err)
	}
	got := readNonblocking(t, shellFile, len("ls -la\n"))
	if got != "ls -la\n" {
		t.Fatalf("shell received %q, want %q", got, "ls -la\n")
	}

	// shell -> client
	if _, err := shellFile.Write([]byte("total 0\n")); err != nil {
		t.Fatalf("write from fake shell: %v", err)
	}
	got = readN(t, r, len("total 0\n"))
	if got != "total 0\n" {
		t.Fatalf("client received %q, want %q", got, "total 0\n")
	}
}

// readNonblocking reads exactly n bytes from f. FakeLauncher hands back
// O_NONBLOCK descriptors the same way a real PTY master would; wrapping
// one in os.NewFile lets the Go runtime poller handle the readiness
// wait transparently, same as for any other *os.File.
func readNonblocking(t *testing.T, f *os.File, n int) string {
	t.Helper()
	f.SetDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	total := 0
	for total < n {
		k, err := f.Read(buf[total:])
		total += k
		if err != nil {
			t.Fatalf("read %d bytes (got %d): %v", n, total, err)
		}
	}
	return string(buf)
}

func readN(t *testing.T, r *bufio.Reader, n int) string {
	t.Helper()
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return string(buf)
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
