package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/gnet/v2"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/lojhan/chainmap/internal/persistence"
	"github.com/lojhan/chainmap/internal/resp"
)

type CommandHandler func(args []resp.Value) resp.Value

var writeCommands = map[string]bool{
	"SET":    true,
	"DEL":    true,
	"INCR":   true,
	"DECR":   true,
	"INCRBY": true,
}

type client struct {
	addr string

	inTransaction bool
	txFailed      bool
	txQueue       []resp.Value

	watchedKeys map[string]struct{}
	isDirty     bool
}

// Server speaks RESP over gnet event loops. Command execution is
// serialised by cmdMu, so a transaction runs without interleaving and the
// watch bookkeeping needs no further locking.
type Server struct {
	gnet.BuiltinEventEngine

	logger    *zap.Logger
	multicore bool

	eng     gnet.Engine
	started chan struct{}
	done    chan struct{}
	clients atomic.Int64

	cmdMu       sync.Mutex
	handlers    map[string]CommandHandler
	watchedKeys map[string]map[*client]struct{}
	aofWriter   *persistence.AOFWriter
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithMulticore(multicore bool) Option {
	return func(s *Server) {
		s.multicore = multicore
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:      zap.NewNop(),
		started:     make(chan struct{}),
		done:        make(chan struct{}),
		handlers:    make(map[string]CommandHandler),
		watchedKeys: make(map[string]map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterCommand must be called before Start.
func (s *Server) RegisterCommand(name string, handler CommandHandler) {
	s.handlers[strings.ToUpper(name)] = handler
}

func (s *Server) SetAOFWriter(aof *persistence.AOFWriter) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	s.aofWriter = aof
}

func (s *Server) ClientCount() int64 {
	return s.clients.Load()
}

// Started is closed once the listener is up.
func (s *Server) Started() <-chan struct{} {
	return s.started
}

// Start serves on port until Stop is called.
func (s *Server) Start(port string) error {
	defer close(s.done)
	err := gnet.Run(s, "tcp://:"+port,
		gnet.WithMulticore(s.multicore),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLogger(s.logger.Sugar()),
	)
	return errors.Wrapf(err, "serve on port %s", port)
}

func (s *Server) Stop(ctx context.Context) error {
	select {
	case <-s.started:
	case <-s.done:
		// Start already returned, possibly without ever booting.
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	return errors.Wrap(s.eng.Stop(ctx), "stop engine")
}

func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.eng = eng
	close(s.started)
	s.logger.Info("server listening")
	return gnet.None
}

func (s *Server) OnShutdown(gnet.Engine) {
	s.logger.Info("server stopped")
}

func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	cl := &client{
		addr:        c.RemoteAddr().String(),
		watchedKeys: make(map[string]struct{}),
	}
	c.SetContext(cl)
	s.clients.Add(1)
	s.logger.Debug("client connected", zap.String("addr", cl.addr))
	return nil, gnet.None
}

func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	s.clients.Add(-1)
	cl, ok := c.Context().(*client)
	if !ok {
		return gnet.None
	}

	s.cmdMu.Lock()
	s.unwatchAll(cl)
	s.cmdMu.Unlock()

	if err != nil {
		s.logger.Warn("client disconnected", zap.String("addr", cl.addr), zap.Error(err))
	} else {
		s.logger.Debug("client disconnected", zap.String("addr", cl.addr))
	}
	return gnet.None
}

// OnTraffic answers every complete request in the inbound buffer and
// leaves a trailing partial request buffered.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	cl := c.Context().(*client)

	buf, err := c.Peek(-1)
	if err != nil {
		s.logger.Warn("read inbound buffer", zap.String("addr", cl.addr), zap.Error(err))
		return gnet.Close
	}

	out := bytebufferpool.Get()
	defer bytebufferpool.Put(out)

	action := gnet.None
	consumed := 0
	for consumed < len(buf) {
		value, n, err := resp.Decode(buf[consumed:])
		if errors.Is(err, resp.ErrIncomplete) {
			break
		}
		if err != nil {
			s.logger.Warn("protocol error", zap.String("addr", cl.addr), zap.Error(err))
			out.B = resp.AppendValue(out.B, resp.ErrorValue("ERR Protocol error: "+err.Error()))
			consumed = len(buf)
			action = gnet.Close
			break
		}
		consumed += n

		if value.Type == resp.Array && len(value.Array) == 0 {
			continue
		}
		out.B = resp.AppendValue(out.B, s.handle(cl, value))
	}

	if _, err := c.Discard(consumed); err != nil {
		s.logger.Warn("discard inbound buffer", zap.String("addr", cl.addr), zap.Error(err))
		return gnet.Close
	}
	if out.Len() > 0 {
		if _, err := c.Write(out.B); err != nil {
			s.logger.Warn("write reply", zap.String("addr", cl.addr), zap.Error(err))
			return gnet.Close
		}
	}
	return action
}

// Execute runs a request outside any connection, as AOF replay does. The
// command is not appended to the AOF.
func (s *Server) Execute(value resp.Value) resp.Value {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if errValue, ok := validateRequest(value); !ok {
		return errValue
	}
	return s.dispatch(value, false)
}

func validateRequest(value resp.Value) (resp.Value, bool) {
	if value.Type != resp.Array {
		return resp.ErrorValue("ERR protocol error: expected array"), false
	}
	if len(value.Array) == 0 {
		return resp.ErrorValue("ERR empty command"), false
	}
	if value.Array[0].Type != resp.BulkString {
		return resp.ErrorValue("ERR protocol error: command must be bulk string"), false
	}
	return resp.Value{}, true
}

func (s *Server) handle(cl *client, value resp.Value) resp.Value {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if errValue, ok := validateRequest(value); !ok {
		return errValue
	}

	cmdName := strings.ToUpper(value.Array[0].Str)
	switch cmdName {
	case "MULTI":
		if cl.inTransaction {
			return resp.ErrorValue("ERR MULTI calls can not be nested")
		}
		cl.inTransaction = true
		cl.txFailed = false
		cl.txQueue = nil
		return resp.OKValue()

	case "EXEC":
		if !cl.inTransaction {
			return resp.ErrorValue("ERR EXEC without MULTI")
		}
		queue, failed, dirty := cl.txQueue, cl.txFailed, cl.isDirty
		cl.inTransaction = false
		cl.txFailed = false
		cl.txQueue = nil
		s.unwatchAll(cl)

		if failed {
			return resp.ErrorValue("EXECABORT Transaction discarded because of previous errors.")
		}
		if dirty {
			return resp.Value{Type: resp.Array, Null: true}
		}
		results := make([]resp.Value, len(queue))
		for i, cmd := range queue {
			results[i] = s.dispatch(cmd, true)
		}
		return resp.ArrayValue(results...)

	case "DISCARD":
		if !cl.inTransaction {
			return resp.ErrorValue("ERR DISCARD without MULTI")
		}
		cl.inTransaction = false
		cl.txFailed = false
		cl.txQueue = nil
		s.unwatchAll(cl)
		return resp.OKValue()

	case "WATCH":
		if cl.inTransaction {
			return resp.ErrorValue("ERR WATCH inside MULTI is not allowed")
		}
		keys := value.Array[1:]
		if len(keys) == 0 {
			return resp.ErrorValue("ERR wrong number of arguments for 'watch' command")
		}
		for _, key := range keys {
			if key.Type != resp.BulkString {
				return resp.ErrorValue("ERR invalid argument type")
			}
		}
		for _, key := range keys {
			s.watchKey(cl, key.Str)
		}
		return resp.OKValue()

	case "UNWATCH":
		s.unwatchAll(cl)
		return resp.OKValue()
	}

	if cl.inTransaction {
		if _, ok := s.handlers[cmdName]; !ok {
			cl.txFailed = true
			return unknownCommand(cmdName)
		}
		cl.txQueue = append(cl.txQueue, value)
		return resp.SimpleStringValue("QUEUED")
	}

	return s.dispatch(value, true)
}

func unknownCommand(name string) resp.Value {
	return resp.ErrorValue(fmt.Sprintf("ERR unknown command '%s'", name))
}

// dispatch runs a validated request. cmdMu must be held.
func (s *Server) dispatch(value resp.Value, logAOF bool) resp.Value {
	cmdName := strings.ToUpper(value.Array[0].Str)
	handler, ok := s.handlers[cmdName]
	if !ok {
		return unknownCommand(cmdName)
	}

	result := handler(value.Array[1:])

	if logAOF && s.aofWriter != nil && writeCommands[cmdName] && changedKeyspace(cmdName, result) {
		if err := s.aofWriter.Append(value); err != nil {
			s.logger.Error("append to AOF", zap.String("command", cmdName), zap.Error(err))
		}
	}
	return result
}

// changedKeyspace reports whether a write command's reply shows that it
// modified something. SET NX/XX that did not apply replies null, and DEL
// that removed nothing replies 0.
func changedKeyspace(cmdName string, result resp.Value) bool {
	switch {
	case result.Type == resp.Error, result.Null:
		return false
	case cmdName == "DEL":
		return result.Int > 0
	}
	return true
}

func (s *Server) watchKey(cl *client, key string) {
	cl.watchedKeys[key] = struct{}{}
	watchers, ok := s.watchedKeys[key]
	if !ok {
		watchers = make(map[*client]struct{})
		s.watchedKeys[key] = watchers
	}
	watchers[cl] = struct{}{}
}

func (s *Server) unwatchAll(cl *client) {
	for key := range cl.watchedKeys {
		watchers := s.watchedKeys[key]
		delete(watchers, cl)
		if len(watchers) == 0 {
			delete(s.watchedKeys, key)
		}
	}
	cl.watchedKeys = make(map[string]struct{})
	cl.isDirty = false
}

// MarkKeyModified flags every client watching key. It is installed as the
// store's modification callback and so runs inside a command, with cmdMu
// held.
func (s *Server) MarkKeyModified(key string) {
	for cl := range s.watchedKeys[key] {
		cl.isDirty = true
	}
}
