package scpi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeInstrument is a line-oriented TCP server scripted per command.
// A handler that returns nil stays silent; returning keepOpen=false drops
// the connection after responding.
type fakeInstrument struct {
	ln net.Listener

	mu       sync.Mutex
	requests []string

	handle func(cmd string) (reply []byte, keepOpen bool)
}

func startFakeInstrument(t *testing.T, handle func(cmd string) ([]byte, bool)) (*fakeInstrument, string, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	f := &fakeInstrument{ln: ln, handle: handle}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("Failed to split address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	return f, host, port
}

func (f *fakeInstrument) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}

		go func() {
			defer conn.Close()

			scanner := bufio.NewScanner(conn)
			for scanner.Scan() {
				cmd := scanner.Text()

				f.mu.Lock()
				f.requests = append(f.requests, cmd)
				f.mu.Unlock()

				reply, keepOpen := f.handle(cmd)
				if reply != nil {
					if _, err := conn.Write(reply); err != nil {
						return
					}
				}
				if !keepOpen {
					return
				}
			}
		}()
	}
}

func (f *fakeInstrument) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func TestConn_Query(t *testing.T) {
	_, host, port := startFakeInstrument(t, func(cmd string) ([]byte, bool) {
		if cmd == "*IDN?" {
			return []byte("TEKTRONIX,TBS2102B,SN0001,FV:1.0\n"), true
		}
		return []byte("0\n"), true
	})

	conn, err := Dial(context.Background(), host, port, WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	reply, err := conn.Query(context.Background(), "*IDN?")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if want := "TEKTRONIX,TBS2102B,SN0001,FV:1.0"; reply != want {
		t.Errorf("Expected reply %q, got %q", want, reply)
	}
}

func TestConn_QueryBlock(t *testing.T) {
	payload := make([]byte, 250)
	for i := range payload {
		payload[i] = byte(i)
	}

	_, host, port := startFakeInstrument(t, func(cmd string) ([]byte, bool) {
		if cmd == "CURV?" {
			resp := append([]byte("#3250"), payload...)
			return append(resp, '\n'), true
		}
		return nil, true
	})

	conn, err := Dial(context.Background(), host, port, WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	got, err := conn.QueryBlock(context.Background(), "CURV?")
	if err != nil {
		t.Fatalf("QueryBlock failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Payload mismatch: expected %d bytes, got %d", len(payload), len(got))
	}
}

func TestConn_QueryBlock_CRLFTerminator(t *testing.T) {
	payload := make([]byte, 250)
	for i := range payload {
		payload[i] = byte(i)
	}

	_, host, port := startFakeInstrument(t, func(cmd string) ([]byte, bool) {
		switch cmd {
		case "CURV?":
			resp := append([]byte("#3250"), payload...)
			return append(resp, '\r', '\n'), true
		case "*IDN?":
			return []byte("TEKTRONIX,TBS2102B,SN0001,FV:1.0\r\n"), true
		}
		return nil, true
	})

	conn, err := Dial(context.Background(), host, port, WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	got, err := conn.QueryBlock(context.Background(), "CURV?")
	if err != nil {
		t.Fatalf("QueryBlock failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Payload mismatch: expected %d bytes, got %d", len(payload), len(got))
	}

	// The whole "\r\n" terminator must be drained so the next text query
	// does not read a stale empty line.
	reply, err := conn.Query(context.Background(), "*IDN?")
	if err != nil {
		t.Fatalf("Query after block failed: %v", err)
	}
	if want := "TEKTRONIX,TBS2102B,SN0001,FV:1.0"; reply != want {
		t.Errorf("Expected reply %q, got %q", want, reply)
	}
}

func TestConn_QueryBlock_Truncated(t *testing.T) {
	_, host, port := startFakeInstrument(t, func(cmd string) ([]byte, bool) {
		// Declares 100 bytes but delivers 40, then drops the connection.
		return append([]byte("#3100"), make([]byte, 40)...), false
	})

	conn, err := Dial(context.Background(), host, port,
		WithTimeout(time.Second), WithRetries(0, time.Millisecond))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	payload, err := conn.QueryBlock(context.Background(), "CURV?")
	if payload != nil {
		t.Errorf("Expected no partial payload, got %d bytes", len(payload))
	}

	var aerr *AcquisitionError
	if !errors.As(err, &aerr) {
		t.Fatalf("Expected AcquisitionError, got %v", err)
	}
	if aerr.Declared != 100 || aerr.Received != 40 {
		t.Errorf("Expected declared=100 received=40, got declared=%d received=%d", aerr.Declared, aerr.Received)
	}
}

func TestConn_QueryTimeoutRetries(t *testing.T) {
	const (
		retries = 3
		backoff = 10 * time.Millisecond
	)

	f, host, port := startFakeInstrument(t, func(cmd string) ([]byte, bool) {
		return nil, true // never respond
	})

	conn, err := Dial(context.Background(), host, port,
		WithTimeout(50*time.Millisecond), WithRetries(retries, backoff))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	start := time.Now()
	_, err = conn.Query(context.Background(), "*IDN?")
	elapsed := time.Since(start)

	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}
	if terr.Attempts != retries+1 {
		t.Errorf("Expected %d attempts, got %d", retries+1, terr.Attempts)
	}
	if got := f.requestCount(); got != retries+1 {
		t.Errorf("Expected %d requests on the wire, got %d", retries+1, got)
	}

	// Backoff doubles between attempts: 10 + 20 + 40 ms.
	if minElapsed := 70 * time.Millisecond; elapsed < minElapsed {
		t.Errorf("Expected at least %v of backoff, finished in %v", minElapsed, elapsed)
	}
}

func TestConn_ProtocolErrorNotRetried(t *testing.T) {
	f, host, port := startFakeInstrument(t, func(cmd string) ([]byte, bool) {
		return []byte("\n"), true // empty reply is malformed
	})

	conn, err := Dial(context.Background(), host, port,
		WithTimeout(time.Second), WithRetries(3, time.Millisecond))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	_, err = conn.Query(context.Background(), "*IDN?")

	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected ProtocolError, got %v", err)
	}
	if got := f.requestCount(); got != 1 {
		t.Errorf("Expected a single request, got %d", got)
	}
}

func TestDial_Refused(t *testing.T) {
	// Bind a port, then close it so the connect is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	_ = ln.Close()

	_, err = Dial(context.Background(), host, port, WithTimeout(200*time.Millisecond))

	var cerr *ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected ConnectionError, got %v", err)
	}
}

func TestReadBlock(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     string
		protocol bool
		acq      bool
	}{
		{name: "valid", input: "#15hello", want: "hello"},
		{name: "valid multi-digit length", input: "#210helloworld", want: "helloworld"},
		{name: "missing marker", input: "@15hello", protocol: true},
		{name: "invalid length digit", input: "#05hello", protocol: true},
		{name: "non-numeric length", input: "#2ab", protocol: true},
		{name: "truncated length digits", input: "#3", acq: true},
		{name: "truncated payload", input: "#15hel", acq: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readBlock(bufio.NewReader(strings.NewReader(tt.input)))

			switch {
			case tt.protocol:
				var perr *ProtocolError
				if !errors.As(err, &perr) {
					t.Fatalf("Expected ProtocolError, got %v", err)
				}

			case tt.acq:
				var aerr *AcquisitionError
				if !errors.As(err, &aerr) {
					t.Fatalf("Expected AcquisitionError, got %v", err)
				}
				if got != nil {
					t.Errorf("Expected no partial payload, got %q", got)
				}

			default:
				if err != nil {
					t.Fatalf("Expected success, got %v", err)
				}
				if string(got) != tt.want {
					t.Errorf("Expected payload %q, got %q", tt.want, got)
				}
			}
		})
	}
}

func TestReadBlock_EOFBeforeMarker(t *testing.T) {
	_, err := readBlock(bufio.NewReader(strings.NewReader("")))
	if err == nil {
		t.Fatal("Expected error on empty stream")
	}
	if !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF to surface, got %v", err)
	}
}
