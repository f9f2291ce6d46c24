package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lojhan/chainmap/internal/command"
	"github.com/lojhan/chainmap/internal/persistence"
	"github.com/lojhan/chainmap/internal/resp"
	"github.com/lojhan/chainmap/internal/store"
)

func newTestServer(t *testing.T, buckets int) (*Server, *store.Store) {
	t.Helper()

	srv := NewServer()
	st, err := store.NewStore(buckets)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	st.SetKeyModifiedHandler(srv.MarkKeyModified)

	srv.RegisterCommand("PING", command.PingCommand)
	srv.RegisterCommand("SET", command.SetCommand(st))
	srv.RegisterCommand("GET", command.GetCommand(st))
	srv.RegisterCommand("DEL", command.DelCommand(st))
	srv.RegisterCommand("INCR", command.IncrCommand(st))
	srv.RegisterCommand("DBSIZE", command.DBSizeCommand(st))
	return srv, st
}

func startServer(t *testing.T, srv *Server, port string) {
	t.Helper()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port)
	}()

	select {
	case <-srv.Started():
	case err := <-errChan:
		t.Fatalf("Server failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not start in time")
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			t.Errorf("Failed to stop server: %v", err)
		}
		select {
		case <-errChan:
		case <-time.After(5 * time.Second):
			t.Error("Server did not stop in time")
		}
	})
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	writer *resp.Writer
	reader *resp.Reader
}

func dial(t *testing.T, port string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", "localhost:"+port)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{
		t:      t,
		conn:   conn,
		writer: resp.NewWriter(conn),
		reader: resp.NewReader(conn),
	}
}

func (c *testClient) do(args ...string) resp.Value {
	c.t.Helper()
	if err := c.writer.Write(resp.Command(args[0], args[1:]...)); err != nil {
		c.t.Fatalf("Failed to send %v: %v", args, err)
	}
	return c.read()
}

func (c *testClient) read() resp.Value {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	value, err := c.reader.Read()
	if err != nil {
		c.t.Fatalf("Failed to read response: %v", err)
	}
	return value
}

func TestServerPing(t *testing.T) {
	srv, _ := newTestServer(t, 64)
	startServer(t, srv, "16480")

	client := dial(t, "16480")
	response := client.do("PING")
	if response.Type != resp.SimpleString || response.Str != "PONG" {
		t.Errorf("Expected PONG, got %+v", response)
	}

	deadline := time.Now().Add(time.Second)
	for srv.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.ClientCount() != 1 {
		t.Errorf("Expected 1 client, got %d", srv.ClientCount())
	}
}

func TestServerKeyspace(t *testing.T) {
	srv, _ := newTestServer(t, 1)
	startServer(t, srv, "16481")
	client := dial(t, "16481")

	for _, kv := range [][2]string{{"1", "2"}, {"2", "4"}, {"3", "6"}} {
		if r := client.do("SET", kv[0], kv[1]); r.Str != "OK" {
			t.Fatalf("Expected OK, got %+v", r)
		}
	}

	if r := client.do("GET", "1"); r.Type != resp.BulkString || r.Str != "2" {
		t.Errorf("Expected 2, got %+v", r)
	}
	if r := client.do("GET", "4"); !r.Null {
		t.Errorf("Expected null, got %+v", r)
	}
	if r := client.do("DBSIZE"); r.Int != 3 {
		t.Errorf("Expected 3, got %+v", r)
	}
	if r := client.do("DEL", "2"); r.Int != 1 {
		t.Errorf("Expected 1, got %+v", r)
	}
	if r := client.do("DBSIZE"); r.Int != 2 {
		t.Errorf("Expected 2, got %+v", r)
	}
	if r := client.do("GET", "2"); !r.Null {
		t.Errorf("Expected null, got %+v", r)
	}
}

func TestServerUnknownCommand(t *testing.T) {
	srv, _ := newTestServer(t, 64)
	startServer(t, srv, "16482")
	client := dial(t, "16482")

	r := client.do("FLY")
	if r.Type != resp.Error || r.Str != "ERR unknown command 'FLY'" {
		t.Errorf("Expected unknown command error, got %+v", r)
	}
}

func TestServerPipelineAndSplitFrames(t *testing.T) {
	srv, _ := newTestServer(t, 64)
	startServer(t, srv, "16483")
	client := dial(t, "16483")

	pipeline := resp.AppendValue(nil, resp.Command("SET", "a", "1"))
	pipeline = resp.AppendValue(pipeline, resp.Command("INCR", "a"))
	pipeline = resp.AppendValue(pipeline, resp.Command("GET", "a"))

	// Send the pipeline in two pieces, splitting the second frame.
	split := len(pipeline) - 10
	if _, err := client.conn.Write(pipeline[:split]); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := client.conn.Write(pipeline[split:]); err != nil {
		t.Fatal(err)
	}

	if r := client.read(); r.Str != "OK" {
		t.Errorf("Expected OK, got %+v", r)
	}
	if r := client.read(); r.Int != 2 {
		t.Errorf("Expected 2, got %+v", r)
	}
	if r := client.read(); r.Str != "2" {
		t.Errorf("Expected bulk 2, got %+v", r)
	}
}

func TestServerInlineCommand(t *testing.T) {
	srv, _ := newTestServer(t, 64)
	startServer(t, srv, "16484")
	client := dial(t, "16484")

	if _, err := client.conn.Write([]byte("SET greeting hello\r\nGET greeting\r\n")); err != nil {
		t.Fatal(err)
	}
	if r := client.read(); r.Str != "OK" {
		t.Errorf("Expected OK, got %+v", r)
	}
	if r := client.read(); r.Str != "hello" {
		t.Errorf("Expected hello, got %+v", r)
	}
}

func TestServerProtocolError(t *testing.T) {
	srv, _ := newTestServer(t, 64)
	startServer(t, srv, "16485")
	client := dial(t, "16485")

	if _, err := client.conn.Write([]byte("*1\r\n$x\r\n")); err != nil {
		t.Fatal(err)
	}
	r := client.read()
	if r.Type != resp.Error {
		t.Errorf("Expected protocol error, got %+v", r)
	}
}

func TestServerAppendsWritesToAOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appendonly.aof")
	aof, err := persistence.NewAOFWriter(path, persistence.AOFSyncAlways, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	srv, _ := newTestServer(t, 64)
	srv.SetAOFWriter(aof)
	startServer(t, srv, "16486")
	client := dial(t, "16486")

	client.do("SET", "a", "1")
	if r := client.do("SET", "a", "x", "NX"); !r.Null {
		t.Errorf("Expected null reply for SET NX on existing key, got %+v", r)
	}
	if r := client.do("SET", "c", "x", "XX"); !r.Null {
		t.Errorf("Expected null reply for SET XX on missing key, got %+v", r)
	}
	client.do("GET", "a")
	client.do("INCR", "a")
	client.do("INCR", "missing-args-are-fine")
	client.do("SET", "b")
	if r := client.do("DEL", "nothing"); r.Int != 0 {
		t.Errorf("Expected 0 for DEL of missing key, got %+v", r)
	}
	client.do("DEL", "a")

	if err := aof.Close(); err != nil {
		t.Fatal(err)
	}

	replay, st := newTestServer(t, 64)
	count, err := persistence.LoadAOF(path, replay.Execute)
	if err != nil {
		t.Fatalf("LoadAOF() error = %v", err)
	}
	if count != 4 {
		t.Errorf("Expected 4 logged writes, got %d", count)
	}
	if st.Exists("a") {
		t.Error("Expected a to be deleted after replay")
	}
	if v, _ := st.Get("missing-args-are-fine"); v != "1" {
		t.Errorf("Expected 1, got %q", v)
	}
}

func TestStopAfterFailedStart(t *testing.T) {
	srv, _ := newTestServer(t, 64)
	if err := srv.Start("not-a-port"); err == nil {
		t.Fatal("Expected Start to fail on an invalid port")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	begin := time.Now()
	if err := srv.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("Stop() took %v after a failed Start", elapsed)
	}
}
