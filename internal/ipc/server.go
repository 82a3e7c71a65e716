package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piframe/pi-frame/internal/quiesce"
	pfstore "github.com/piframe/pi-frame/internal/store"
)

// DaemonQuerier is the interface the IPC server uses to query daemon state.
// This avoids importing the daemon package (which would be circular).
type DaemonQuerier interface {
	Uptime() time.Duration
	ControllerStatus() quiesce.Status
	Stop()
}

// StoreQuerier provides data access methods needed by the IPC server.
type StoreQuerier interface {
	PublishCounts() (ok, failed int64, err error)
	DBSizeBytes() (int64, error)
	GetDaemonState(key string) (string, error)
}

// Server is a Unix domain socket server for CLI-to-daemon communication.
type Server struct {
	daemon      DaemonQuerier
	store       StoreQuerier
	mountPoint  string
	storageFile string

	listener net.Listener
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopped  bool
}

// NewServer creates a new IPC server reporting on the given export.
func NewServer(daemon DaemonQuerier, store StoreQuerier, mountPoint, storageFile string) *Server {
	return &Server{
		daemon:      daemon,
		store:       store,
		mountPoint:  mountPoint,
		storageFile: storageFile,
	}
}

// Listen starts accepting connections on the given Unix socket path.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Listen(ctx context.Context, socketPath string) error {
	// Remove stale socket file if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", socketPath, err)
	}

	// Set socket permissions to owner-only.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.stopped = false
	s.mu.Unlock()

	log.Info().Str("socket", socketPath).Msg("ipc: listening")

	// Close the listener when context is cancelled.
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return nil
			}
			// Context cancelled causes listener to close.
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop stops accepting connections and waits for in-flight connections to drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	// Wait for in-flight connections with a timeout.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("drain timeout: connections still open after 5s")
	}
}

// SetStore updates the store reference after daemon startup.
// Accepts interface{} to satisfy daemon.StoreAware without circular imports.
// The concrete value must implement StoreQuerier.
func (s *Server) SetStore(st interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sq, ok := st.(StoreQuerier); ok {
		s.store = sq
	}
}

// SetDaemon sets the daemon reference. This is called after daemon creation
// to break the circular construction dependency (daemon needs server, server needs daemon).
func (s *Server) SetDaemon(d DaemonQuerier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daemon = d
}

// handleConn reads a single JSON request, dispatches it, and writes the response.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	// Set a read/write deadline.
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		writeError(conn, "empty request")
		return
	}

	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		writeError(conn, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	s.mu.Lock()
	daemon := s.daemon
	s.mu.Unlock()

	switch req.Command {
	case "ping":
		writeResponse(conn, Response{OK: true, Data: "pong"})

	case "status":
		s.handleStatus(conn)

	case "stop":
		writeResponse(conn, Response{OK: true, Data: "shutting down"})
		// Trigger daemon shutdown after sending response.
		if daemon != nil {
			log.Info().Msg("ipc: stop requested")
			daemon.Stop()
		}

	default:
		writeError(conn, fmt.Sprintf("unknown command: %q", req.Command))
	}
}

func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	daemon, store := s.daemon, s.store
	s.mu.Unlock()

	data := StatusData{
		MountPoint:  s.mountPoint,
		StorageFile: s.storageFile,
		State:       quiesce.Idle.String(),
	}

	if daemon != nil {
		data.Uptime = daemon.Uptime().Truncate(time.Second).String()

		st := daemon.ControllerStatus()
		data.State = st.State.String()
		data.Dirty = st.Dirty
		data.Publishes = st.Publishes
		data.Failures = st.Failures
		data.LastError = st.LastError
		data.LastChangeAt = timePtr(st.LastChangeAt)
		data.LastPublishAt = timePtr(st.LastPublishAt)
	}

	if store != nil {
		if v, err := store.DBSizeBytes(); err == nil {
			data.DBSizeBytes = v
		}
		if ok, failed, err := store.PublishCounts(); err == nil {
			data.TotalPublishes = ok
			data.TotalFailures = failed
		}
		if v, err := store.GetDaemonState(pfstore.KeyLastStartedAt); err == nil && v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				data.StartedAt = &t
			}
		}
	}

	writeResponse(conn, Response{OK: true, Data: data})
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

func writeError(conn net.Conn, msg string) {
	writeResponse(conn, Response{OK: false, Error: msg})
}
