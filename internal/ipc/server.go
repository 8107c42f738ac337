package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andywolf/agentium-supervisor/internal/issuebackend"
	"github.com/andywolf/agentium-supervisor/internal/orchestrator"
	"github.com/andywolf/agentium-supervisor/internal/supervisor"
)

// Logger is this package's own narrow logging seam (see internal/logging).
type Logger interface {
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// ProjectBuilder turns a project.add request's spec into the issue backend
// and agent spec factory AddProject needs, resolving config-driven choices
// (local-file vs GitHub issue backend, the agent CLI command to run) that
// the wire payload alone does not carry.
type ProjectBuilder func(spec supervisor.ProjectSpec) (issuebackend.Backend, orchestrator.SpecFactory, error)

const maxLineSize = 1 << 20 // 1 MiB, generous for a chat_history payload

// Server accepts connections on a Unix domain socket and frames each as
// JSONL, per spec.md section 6. No teacher file implements this transport
// (see envelope.go); the accept-loop/per-connection-goroutine shape
// follows the same "one goroutine per long-lived unit of work, cancelled
// via context" discipline the teacher uses for the controller CLI.
type Server struct {
	supervisor     *supervisor.Supervisor
	logger         Logger
	socketPath     string
	projectBuilder ProjectBuilder
	nowFunc        func() time.Time

	runCtx    context.Context
	cancelRun context.CancelFunc
}

// New constructs a Server. socketPath is the filesystem path to bind; any
// stale socket file left by an unclean previous shutdown is removed before
// binding.
func New(sup *supervisor.Supervisor, socketPath string, builder ProjectBuilder, logger Logger) *Server {
	return &Server{
		supervisor:     sup,
		logger:         logger,
		socketPath:     socketPath,
		projectBuilder: builder,
		nowFunc:        time.Now,
	}
}

// ListenAndServe binds the socket and serves connections until ctx is
// cancelled or a server.shutdown request arrives. It always returns (nil on
// a clean stop), never leaves the listener open.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("ipc: removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: bind %s: %w", s.socketPath, err)
	}
	defer listener.Close()

	s.runCtx, s.cancelRun = context.WithCancel(ctx)
	defer s.cancelRun()

	go func() {
		<-s.runCtx.Done()
		listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.runCtx.Done():
				wg.Wait()
				return nil
			default:
				wg.Wait()
				return fmt.Errorf("ipc: accept: %w", err)
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(s.runCtx, conn)
		}()
	}
}

// triggerShutdown is called by the server.shutdown handler.
func (s *Server) triggerShutdown() {
	if s.cancelRun != nil {
		s.cancelRun()
	}
}

// connState tracks the one attach subscription (spec.md allows exactly one
// attach per connection; a second attach replaces the first) and
// serialises writes, since the event-forwarding goroutine and the request
// loop both write to the same connection.
type connState struct {
	server *Server
	conn   net.Conn

	writeMu sync.Mutex
	seq     int64

	attachMu sync.Mutex
	detachFn func()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// On shutdown, close the read side so the loop below ends once the
	// request being dispatched has been answered.
	stopWatch := context.AfterFunc(ctx, func() {
		if uc, ok := conn.(*net.UnixConn); ok {
			uc.CloseRead()
		} else {
			conn.Close()
		}
	})
	defer stopWatch()

	cs := &connState{server: s, conn: conn}
	defer cs.detach()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			cs.writeResponse(Response{Success: false, Payload: ErrorPayload{Error: ErrKindProtocolViolation, Message: err.Error()}})
			continue
		}
		s.dispatch(ctx, cs, req)
	}
}

func (s *Server) dispatch(ctx context.Context, cs *connState, req Request) {
	h, ok := handlers[req.Type]
	if !ok {
		cs.writeResponse(errorResponse(req, ErrKindUnknownRequest, "unknown request type: "+req.Type))
		return
	}

	payload, err := h(ctx, cs, req)
	if err != nil {
		kind, msg := classifyError(err)
		s.logger.Warn("ipc: request failed", "type", req.Type, "kind", kind, "error", msg)
		cs.writeResponse(errorResponse(req, kind, msg))
		return
	}
	cs.writeResponse(okResponse(req, payload))
}

func classifyError(err error) (string, string) {
	var te typedError
	if errors.As(err, &te) {
		return te.kind, te.message
	}
	switch {
	case errors.Is(err, supervisor.ErrUnknownProject), errors.Is(err, supervisor.ErrUnknownAgent):
		return ErrKindNotFound, err.Error()
	case errors.Is(err, supervisor.ErrProjectExists):
		return ErrKindPolicyViolation, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrKindResource, err.Error()
	default:
		return ErrKindResource, err.Error()
	}
}

func (cs *connState) writeResponse(resp Response) {
	cs.writeLine(resp)
}

// attach replaces any existing subscription with a new one filtered to
// projects, and starts the forwarding goroutine. Per spec.md section 6,
// events and responses interleave on the same connection once attached.
func (cs *connState) attach(projects []string) {
	cs.attachMu.Lock()
	defer cs.attachMu.Unlock()

	if cs.detachFn != nil {
		cs.detachFn()
		cs.detachFn = nil
	}

	ch, detach := cs.server.supervisor.Attach(projects)
	cs.detachFn = detach

	go cs.forwardEvents(ch)
}

func (cs *connState) detach() {
	cs.attachMu.Lock()
	defer cs.attachMu.Unlock()
	if cs.detachFn != nil {
		cs.detachFn()
		cs.detachFn = nil
	}
}

func (cs *connState) forwardEvents(ch <-chan supervisor.Event) {
	for ev := range ch {
		id := atomic.AddInt64(&cs.seq, 1)
		cs.writeLine(seqEvent{
			Type: string(ev.Kind),
			ID:   fmt.Sprintf("%d", id),
			Payload: map[string]any{
				"project":   ev.Project,
				"agent_id":  ev.AgentID,
				"content":   ev.Content,
				"state":     ev.State,
				"timestamp": ev.Timestamp,
			},
		})
	}
}

func (cs *connState) writeLine(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		cs.server.logger.Error("ipc: marshal response", "error", err)
		return
	}
	b = append(b, '\n')

	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	if _, err := cs.conn.Write(b); err != nil {
		cs.server.logger.Warn("ipc: write failed", "error", err)
	}
}
