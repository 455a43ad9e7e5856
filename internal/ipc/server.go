// Package ipc implements the control-plane listener (spec §4.10): a Unix
// domain socket carrying newline-delimited JSON frames, one connection per
// client, each `send` frame constructing an InboundMessage and driving the
// router directly. Grounded on the teacher's internal/gateway/
// ws_control_plane.go (a websocket variant of the same idea: one reader
// goroutine decoding frames plus method dispatch, one writer goroutine
// draining a per-connection buffered channel) generalized onto a Unix
// socket and narrowed to this gateway's four request kinds instead of the
// teacher's full chat/sessions/health RPC surface.
//
// This is a direct protocol server, not a channel.Channel driven by
// channel.Loop: the wire format already exposes TurnEvent-shaped frames
// per connection, so there's no OutboundAction translation step to share
// with the display-oriented channel loop.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/kestrelhq/relay/internal/router"
	"github.com/kestrelhq/relay/internal/sessions"
	"github.com/kestrelhq/relay/internal/telemetry"
	"github.com/kestrelhq/relay/pkg/models"
)

// Dispatcher is the subset of *router.Router the IPC server depends on.
type Dispatcher interface {
	Route(ctx context.Context, msg models.InboundMessage) (models.RouteDecision, string, error)
	DispatchDecision(ctx context.Context, decision models.RouteDecision, channelID, userInputText, bootstrap string, sink models.EventSink) error
	ResolveSessionKey(msg models.InboundMessage) (models.SessionKey, bool)
}

// ChannelID is the fixed InboundMessage.ChannelID every IPC-originated
// message carries, so router configuration can match IPC senders like any
// other channel's sender ids.
const ChannelID = "ipc"

// Server accepts connections on a Unix domain socket and serves the
// control-plane protocol over each.
type Server struct {
	Dispatcher Dispatcher
	Store      sessions.Store
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics

	mu   sync.Mutex
	subs map[string]map[*conn]struct{}

	listener net.Listener
	wg       sync.WaitGroup
}

// New constructs a Server. Logger defaults when nil.
func New(dispatcher Dispatcher, store sessions.Store, metrics *telemetry.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Dispatcher: dispatcher,
		Store:      store,
		Logger:     logger,
		Metrics:    metrics,
		subs:       map[string]map[*conn]struct{}{},
	}
}

// Listen binds socketPath, removing any stale socket file left behind by a
// prior unclean shutdown.
func (s *Server) Listen(socketPath string) error {
	if err := os.RemoveAll(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	s.listener = l
	return nil
}

// Serve accepts connections until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("ipc: Listen must be called before Serve")
	}
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return ctx.Err()
			}
			return err
		}
		if s.Metrics != nil && s.Metrics.IPCConnections != nil {
			s.Metrics.IPCConnections.Inc()
		}
		c := &conn{nc: nc, enc: json.NewEncoder(nc)}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, c)
			if s.Metrics != nil && s.Metrics.IPCConnections != nil {
				s.Metrics.IPCConnections.Dec()
			}
		}()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

type conn struct {
	nc      net.Conn
	enc     *json.Encoder
	writeMu sync.Mutex
}

func (c *conn) send(frame serverFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(frame)
}

func (s *Server) serveConn(ctx context.Context, c *conn) {
	defer c.nc.Close()
	defer s.unsubscribeAll(c)

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame clientFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			_ = c.send(serverFrame{Type: "error", ErrorKind: string(models.ErrInternal), Detail: "invalid frame: " + err.Error()})
			continue
		}
		s.handleFrame(ctx, c, frame)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *conn, frame clientFrame) {
	switch frame.Type {
	case "send":
		s.handleSend(ctx, c, frame)
	case "clear":
		s.handleClear(ctx, c, frame)
	case "list_sessions":
		s.handleListSessions(ctx, c)
	case "subscribe":
		s.handleSubscribe(c, frame)
	default:
		_ = c.send(serverFrame{Type: "error", Session: frame.Session, ErrorKind: string(models.ErrInternal), Detail: "unknown frame type " + frame.Type})
	}
}

func (s *Server) handleSend(ctx context.Context, c *conn, frame clientFrame) {
	msg := models.InboundMessage{ChannelID: ChannelID, SenderID: frame.Session, Content: frame.Content, Kind: models.InboundText}

	decision, bootstrap, err := s.Dispatcher.Route(ctx, msg)
	if err != nil {
		var ferr router.FilteredError
		if errors.As(err, &ferr) {
			_ = c.send(serverFrame{Type: "error", Session: frame.Session, ErrorKind: string(models.ErrInternal), Detail: ferr.Error()})
			return
		}
		_ = c.send(serverFrame{Type: "error", Session: frame.Session, ErrorKind: string(models.ErrInternal), Detail: err.Error()})
		return
	}

	key := decision.SessionKey.String()
	sink := models.EventSinkFunc(func(e models.TurnEvent) {
		frame := toServerFrame(key, e)
		_ = c.send(frame)
		s.broadcast(key, frame, c)
	})

	if serr := s.Dispatcher.DispatchDecision(ctx, decision, msg.ChannelID, msg.Content, bootstrap, sink); serr != nil {
		s.Logger.Error("ipc: dispatch failed", slog.String("session", key), slog.Any("error", serr))
	}
}

func (s *Server) handleClear(ctx context.Context, c *conn, frame clientFrame) {
	msg := models.InboundMessage{ChannelID: ChannelID, SenderID: frame.Session, Kind: models.InboundText}
	key, ok := s.Dispatcher.ResolveSessionKey(msg)
	if !ok {
		_ = c.send(serverFrame{Type: "error", Session: frame.Session, ErrorKind: string(models.ErrInternal), Detail: "no session resolves for " + frame.Session})
		return
	}
	if err := s.Store.Clear(ctx, key); err != nil {
		_ = c.send(serverFrame{Type: "error", Session: frame.Session, ErrorKind: string(models.ErrInternal), Detail: err.Error()})
		return
	}
	_ = c.send(serverFrame{Type: "done", Session: key.String()})
}

func (s *Server) handleListSessions(ctx context.Context, c *conn) {
	keys, err := s.Store.List(ctx)
	if err != nil {
		_ = c.send(serverFrame{Type: "error", ErrorKind: string(models.ErrInternal), Detail: err.Error()})
		return
	}
	rendered := make([]string, len(keys))
	for i, k := range keys {
		rendered[i] = k.String()
	}
	_ = c.send(serverFrame{Type: "sessions", Keys: rendered})
}

func (s *Server) handleSubscribe(c *conn, frame clientFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[frame.Session] == nil {
		s.subs[frame.Session] = map[*conn]struct{}{}
	}
	s.subs[frame.Session][c] = struct{}{}
}

func (s *Server) unsubscribeAll(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, set := range s.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(s.subs, key)
		}
	}
}

// broadcast sends frame to every connection subscribed to key other than
// exclude (the initiating connection, which already received it directly).
func (s *Server) broadcast(key string, frame serverFrame, exclude *conn) {
	s.mu.Lock()
	subs := make([]*conn, 0, len(s.subs[key]))
	for c := range s.subs[key] {
		if c != exclude {
			subs = append(subs, c)
		}
	}
	s.mu.Unlock()
	for _, c := range subs {
		_ = c.send(frame)
	}
}
