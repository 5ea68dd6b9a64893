package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeValkey is a minimal RESP server backing the provider tests. It
// understands PING, GET, SET (with PX and NX) and DEL, and honours key
// expiry, which is all the provider speaks.
type fakeValkey struct {
	listener net.Listener

	mu     sync.Mutex
	values map[string]fakeEntry
}

type fakeEntry struct {
	value     []byte
	expiresAt time.Time
}

func startFakeValkey(t *testing.T) *fakeValkey {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := &fakeValkey{
		listener: listener,
		values:   make(map[string]fakeEntry),
	}
	go server.serve()
	t.Cleanup(func() { listener.Close() })
	return server
}

func (s *fakeValkey) addr() string {
	return s.listener.Addr().String()
}

func (s *fakeValkey) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

// handle serves one connection. The provider opens a fresh connection per
// command, so each loop iteration usually sees exactly one command.
func (s *fakeValkey) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		args, err := readCommand(reader)
		if err != nil {
			return
		}
		if _, err := conn.Write([]byte(s.respond(args))); err != nil {
			return
		}
	}
}

func readCommand(reader *bufio.Reader) ([]string, error) {
	header, err := readLine(reader)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(header, "*") {
		return nil, fmt.Errorf("unexpected frame header %q", header)
	}
	count, err := strconv.Atoi(header[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		sizeLine, err := readLine(reader)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(sizeLine, "$") {
			return nil, fmt.Errorf("unexpected bulk header %q", sizeLine)
		}
		size, err := strconv.Atoi(sizeLine[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := ioReadFull(reader, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func (s *fakeValkey) respond(args []string) string {
	if len(args) == 0 {
		return "-ERR empty command\r\n"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch strings.ToUpper(args[0]) {
	case "PING":
		return "+PONG\r\n"
	case "GET":
		entry, ok := s.lookup(args[1])
		if !ok {
			return "$-1\r\n"
		}
		return fmt.Sprintf("$%d\r\n%s\r\n", len(entry.value), entry.value)
	case "SET":
		entry := fakeEntry{value: []byte(args[2])}
		nx := false
		for i := 3; i < len(args); i++ {
			switch strings.ToUpper(args[i]) {
			case "PX":
				i++
				ms, err := strconv.Atoi(args[i])
				if err != nil {
					return "-ERR bad PX\r\n"
				}
				entry.expiresAt = time.Now().Add(time.Duration(ms) * time.Millisecond)
			case "NX":
				nx = true
			}
		}
		if nx {
			if _, exists := s.lookup(args[1]); exists {
				return "$-1\r\n"
			}
		}
		s.values[args[1]] = entry
		return "+OK\r\n"
	case "DEL":
		delete(s.values, args[1])
		return ":1\r\n"
	default:
		return fmt.Sprintf("-ERR unknown command %q\r\n", args[0])
	}
}

// lookup applies expiry. Callers hold the lock.
func (s *fakeValkey) lookup(key string) (fakeEntry, bool) {
	entry, ok := s.values[key]
	if !ok {
		return fakeEntry{}, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.values, key)
		return fakeEntry{}, false
	}
	return entry, true
}

func newTestValkeyProvider(t *testing.T) *ValkeyProvider {
	t.Helper()
	server := startFakeValkey(t)
	provider, err := NewValkeyProvider(ValkeyConfig{Addr: server.addr()})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	t.Cleanup(func() { provider.Close() })
	return provider
}

func TestValkeyProviderRoundTrip(t *testing.T) {
	p := newTestValkeyProvider(t)
	ctx := context.Background()

	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
	if err := p.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := p.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("got %q, want %q", got, "v")
	}
	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("deleted key must miss, got %v", err)
	}
}

func TestValkeyProviderSetNX(t *testing.T) {
	p := newTestValkeyProvider(t)
	ctx := context.Background()

	stored, err := p.SetNX(ctx, "dedup", []byte("1"), time.Minute)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if !stored {
		t.Fatalf("first SetNX must store")
	}
	stored, err = p.SetNX(ctx, "dedup", []byte("2"), time.Minute)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if stored {
		t.Fatalf("second SetNX on a live key must not store")
	}
}

func TestValkeyProviderSetNXAfterExpiry(t *testing.T) {
	p := newTestValkeyProvider(t)
	ctx := context.Background()

	if _, err := p.SetNX(ctx, "dedup", []byte("1"), 50*time.Millisecond); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	stored, err := p.SetNX(ctx, "dedup", []byte("2"), time.Minute)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if !stored {
		t.Fatalf("SetNX must store once the previous key expired")
	}
}

func TestNewValkeyProviderRequiresAddr(t *testing.T) {
	if _, err := NewValkeyProvider(ValkeyConfig{}); err == nil {
		t.Fatalf("empty addr must error")
	}
}
