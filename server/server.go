package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
)

// Server accepts Redis protocol connections and hands their commands to
// a Dispatcher. A connection that sends PSYNC becomes a replica link.
type Server struct {
	dispatcher *Dispatcher
	logger     Logger

	// Server configuration
	addr        string
	password    string
	idleTimeout time.Duration

	// Connection management
	listener net.Listener
	clients  *xsync.MapOf[uint64, *Client]
	nextID   atomic.Uint64

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Client represents a connected Redis client
type Client struct {
	id     uint64
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer
	server *Server

	// Client state
	authenticated bool
	name          string
	listeningPort int
	capabilities  []string
	lastCmd       time.Time

	// Control
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewServer creates a new Redis protocol server
func NewServer(addr string, d *Dispatcher) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		dispatcher: d,
		logger:     d.logger,
		addr:       addr,
		clients:    xsync.NewMapOf[uint64, *Client](),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetPassword sets the authentication password for the server
func (s *Server) SetPassword(password string) {
	s.password = password
}

// SetIdleTimeout closes client connections idle for longer than d. Zero,
// the default, keeps idle connections open.
func (s *Server) SetIdleTimeout(d time.Duration) {
	s.idleTimeout = d
}

// SetLogger sets the logger
func (s *Server) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Start starts the Redis server
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.logger.Info("Server listening", "addr", s.listener.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop stops the Redis server
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	// Close all client connections
	s.clients.Range(func(_ uint64, client *Client) bool {
		client.Close()
		return true
	})

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stats returns server statistics
func (s *Server) Stats() map[string]interface{} {
	stats := s.dispatcher.Stats()
	return map[string]interface{}{
		"connected_clients": s.clients.Size(),
		"total_commands":    stats.TotalCommands.Load(),
		"total_errors":      stats.TotalErrors.Load(),
		"total_connections": stats.TotalConnections.Load(),
	}
}

// acceptConnections accepts new client connections
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return // Server is shutting down
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("Accept failed", "error", err)
			continue
		}

		s.handleNewClient(conn)
	}
}

// handleNewClient handles a new client connection
func (s *Server) handleNewClient(conn net.Conn) {
	stats := s.dispatcher.Stats()
	stats.TotalConnections.Add(1)
	stats.ConnectedClients.Add(1)

	ctx, cancel := context.WithCancel(s.ctx)
	client := &Client{
		id:            s.nextID.Add(1),
		conn:          conn,
		reader:        protocol.NewReader(conn),
		writer:        protocol.NewWriter(conn),
		server:        s,
		authenticated: s.password == "", // Auto-authenticated if no password
		lastCmd:       time.Now(),
		ctx:           ctx,
		cancel:        cancel,
	}

	s.clients.Store(client.id, client)

	s.wg.Add(1)
	go client.handle()
}

// Close closes the client connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
		c.server.clients.Delete(c.id)
		c.server.dispatcher.Stats().ConnectedClients.Add(-1)
	})
}

// handle handles client requests
func (c *Client) handle() {
	defer c.server.wg.Done()
	defer c.Close()

	for {
		if c.ctx.Err() != nil {
			return
		}
		if c.server.idleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.server.idleTimeout))
		}

		cmd, _, err := c.reader.ReadCommand()
		if err != nil {
			if errors.Is(err, io.EOF) || c.ctx.Err() != nil {
				return // Client disconnected or server shutting down
			}
			if errors.Is(err, protocol.ErrProtocol) {
				c.writeError(fmt.Sprintf("ERR Protocol error: %v", err))
			}
			return
		}
		if cmd == nil {
			continue
		}

		c.lastCmd = time.Now()
		if !c.executeCommand(cmd) {
			return
		}
	}
}

// executeCommand executes a Redis command. It returns false when the
// connection must not be read from again.
func (c *Client) executeCommand(cmd *protocol.Command) bool {
	// Check authentication first
	if !c.authenticated && cmd.Name != "AUTH" && cmd.Name != "QUIT" {
		c.writeValue(protocol.ErrorValue("NOAUTH Authentication required."))
		return true
	}

	switch cmd.Name {
	case "AUTH":
		c.handleAuth(cmd)
	case "QUIT":
		c.writeValue(protocol.OK())
		return false
	case "CLIENT":
		c.handleClient(cmd)
	case "REPLCONF":
		c.handleReplconf(cmd)
	case "PSYNC", "SYNC":
		return c.handlePSYNC(cmd)
	default:
		ctx := c.ctx
		if c.server.dispatcher.Blocking(cmd.Name) {
			var stop func()
			ctx, stop = c.watch()
			defer stop()
		}
		c.writeValue(c.server.dispatcher.Apply(ctx, cmd))
	}
	return true
}

// watch returns a context that is cancelled when the peer hangs up while
// a blocking command runs. The returned stop function must be called
// before the connection is read again.
func (c *Client) watch() (context.Context, func()) {
	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Pipelined input stays buffered; only a hang-up cancels.
		err := c.reader.Peek()
		var netErr net.Error
		if err != nil && !(errors.As(err, &netErr) && netErr.Timeout()) {
			cancel()
		}
	}()

	return ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
		<-done
		_ = c.conn.SetReadDeadline(time.Time{})
		cancel()
	}
}

// Command handlers

func (c *Client) handleAuth(cmd *protocol.Command) {
	if len(cmd.Args) != 1 && len(cmd.Args) != 2 {
		c.writeValue(wrongArgs("auth"))
		return
	}

	if c.server.password == "" {
		c.writeValue(protocol.ErrorValue("ERR AUTH <password> called without any password configured for the default user. Are you sure your configuration is correct?"))
		return
	}

	// AUTH username password is accepted for the default user only
	password := cmd.Arg(len(cmd.Args) - 1)
	if len(cmd.Args) == 2 && cmd.Arg(0) != "default" {
		password = ""
	}

	if password == c.server.password {
		c.authenticated = true
		c.writeValue(protocol.OK())
	} else {
		c.writeValue(protocol.ErrorValue("WRONGPASS invalid username-password pair or user is disabled."))
	}
}

func (c *Client) handleClient(cmd *protocol.Command) {
	if len(cmd.Args) == 0 {
		c.writeValue(wrongArgs("client"))
		return
	}

	switch strings.ToUpper(cmd.Arg(0)) {
	case "SETNAME":
		if len(cmd.Args) != 2 {
			c.writeValue(wrongArgs("client|setname"))
			return
		}
		c.name = cmd.Arg(1)
		c.writeValue(protocol.OK())
	case "GETNAME":
		if c.name == "" {
			c.writeValue(protocol.NullBulk())
			return
		}
		c.writeValue(protocol.BulkFromString(c.name))
	case "ID":
		c.writeValue(protocol.Integer(int64(c.id)))
	case "SETINFO":
		c.writeValue(protocol.OK())
	default:
		c.writeValue(protocol.ErrorValue(fmt.Sprintf("ERR unknown subcommand '%s'. Try CLIENT HELP.", cmd.Arg(0))))
	}
}

// handleReplconf records what a replica announces before PSYNC
func (c *Client) handleReplconf(cmd *protocol.Command) {
	if len(cmd.Args) == 0 || len(cmd.Args)%2 != 0 {
		c.writeValue(protocol.ErrorValue("ERR syntax error"))
		return
	}

	for i := 0; i < len(cmd.Args); i += 2 {
		option, value := strings.ToLower(cmd.Arg(i)), cmd.Arg(i+1)
		switch option {
		case "listening-port":
			port, err := strconv.Atoi(value)
			if err != nil {
				c.writeValue(protocol.ErrorValue("ERR value is not an integer or out of range"))
				return
			}
			c.listeningPort = port
		case "capa":
			c.capabilities = append(c.capabilities, value)
		case "ip-address", "rdb-only", "rdb-filter-only":
		case "ack", "getack":
			// Only meaningful on an established replica link
			return
		default:
			c.writeValue(protocol.ErrorValue(fmt.Sprintf("ERR Unrecognized REPLCONF option: %s", cmd.Arg(i))))
			return
		}
	}
	c.writeValue(protocol.OK())
}

// handlePSYNC turns the connection into a replica link. It returns false
// once the link ended, since the connection then belongs to no one.
func (c *Client) handlePSYNC(cmd *protocol.Command) bool {
	replID, offset := "?", "-1"
	if cmd.Name == "PSYNC" {
		if len(cmd.Args) != 2 {
			c.writeValue(wrongArgs("psync"))
			return true
		}
		replID, offset = cmd.Arg(0), cmd.Arg(1)
	}

	repl := c.server.dispatcher.Replication()
	if repl.Role() != replication.RolePrimary {
		c.writeValue(errorReply(replication.ErrReplicaPSYNC))
		return true
	}

	c.server.logger.Info("Replica requested sync",
		"replica", c.conn.RemoteAddr().String(), "replid", replID, "offset", offset)
	if c.server.idleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	err := repl.ServeReplica(c.ctx, replication.ReplicaConn{
		Conn:          c.conn,
		Reader:        c.reader,
		Writer:        c.writer,
		ListeningPort: c.listeningPort,
		Capabilities:  c.capabilities,
	}, replID, offset)
	if err != nil {
		c.server.logger.Error("Replica link ended", "replica", c.conn.RemoteAddr().String(), "error", err)
	}
	return false
}

// Response writers

func (c *Client) writeValue(v protocol.Value) {
	if err := c.writer.WriteValue(v); err != nil {
		c.server.logger.Debug("Write failed", "client", c.id, "error", err)
		return
	}
	if err := c.writer.Flush(); err != nil {
		c.server.logger.Debug("Flush failed", "client", c.id, "error", err)
	}
}

func (c *Client) writeError(s string) {
	c.writeValue(errorReply(errors.New(s)))
}
