package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
	"github.com/raniellyferreira/redis-inmemory-node/stream"
)

// Logger interface for server logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector receives per-command measurements
type MetricsCollector interface {
	RecordCommandProcessed(cmd string, duration time.Duration)
	RecordError(errorType string)
}

// Persister writes the keyspace to the snapshot file
type Persister interface {
	Save() error
	LastSave() time.Time
}

var (
	errSyntax     = errors.New("ERR syntax error")
	errNotInteger = errors.New("ERR value is not an integer or out of range")
	errReadOnly   = errors.New("READONLY You can't write against a read only replica.")
)

type commandFlags uint8

const (
	// flagWrite marks commands that mutate the keyspace. They are refused
	// on a replica unless they come from the primary.
	flagWrite commandFlags = 1 << iota
	// flagBlocking marks commands that may wait, so the connection is
	// watched for a hang-up while they run.
	flagBlocking
)

type handlerFunc func(ctx context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value

// commandSpec describes one command. arity counts the command name, as
// Redis does: a positive arity is exact, a negative one is a minimum.
type commandSpec struct {
	name    string
	arity   int
	flags   commandFlags
	handler handlerFunc
}

func (s *commandSpec) arityOK(n int) bool {
	if s.arity >= 0 {
		return n == s.arity
	}
	return n >= -s.arity
}

var commands map[string]*commandSpec

func init() {
	specs := []*commandSpec{
		// connection and server
		{"PING", -1, 0, cmdPing},
		{"ECHO", 2, 0, cmdEcho},
		{"SELECT", 2, 0, cmdSelect},
		{"INFO", -1, 0, cmdInfo},
		{"CONFIG", -2, 0, cmdConfig},
		{"SAVE", 1, 0, cmdSave},
		{"LASTSAVE", 1, 0, cmdLastSave},
		{"ROLE", 1, 0, cmdRole},
		{"WAIT", 3, flagBlocking, cmdWait},
		{"DBSIZE", 1, 0, cmdDBSize},
		{"FLUSHALL", -1, flagWrite, cmdFlushAll},

		// keys and strings
		{"GET", 2, 0, cmdGet},
		{"SET", -3, flagWrite, cmdSet},
		{"DEL", -2, flagWrite, cmdDel},
		{"EXISTS", -2, 0, cmdExists},
		{"TYPE", 2, 0, cmdType},
		{"EXPIRE", 3, flagWrite, cmdExpire},
		{"PEXPIRE", 3, flagWrite, cmdExpire},
		{"EXPIREAT", 3, flagWrite, cmdExpire},
		{"PEXPIREAT", 3, flagWrite, cmdExpire},
		{"PERSIST", 2, flagWrite, cmdPersist},
		{"TTL", 2, 0, cmdTTL},
		{"PTTL", 2, 0, cmdTTL},
		{"KEYS", 2, 0, cmdKeys},

		// lists
		{"LPUSH", -3, flagWrite, cmdPush},
		{"RPUSH", -3, flagWrite, cmdPush},
		{"LPOP", -2, flagWrite, cmdPop},
		{"RPOP", -2, flagWrite, cmdPop},
		{"LRANGE", 4, 0, cmdLRange},
		{"LLEN", 2, 0, cmdLLen},

		// streams
		{"XADD", -5, flagWrite, cmdXAdd},
		{"XRANGE", -4, 0, cmdXRange},
		{"XREVRANGE", -4, 0, cmdXRange},
		{"XLEN", 2, 0, cmdXLen},
		{"XTRIM", -4, flagWrite, cmdXTrim},
		{"XREAD", -4, flagBlocking, cmdXRead},
	}

	commands = make(map[string]*commandSpec, len(specs))
	for _, s := range specs {
		commands[s.name] = s
	}
}

// Stats holds server counters. They are updated atomically.
type Stats struct {
	ConnectedClients atomic.Int64
	TotalConnections atomic.Int64
	TotalCommands    atomic.Int64
	TotalErrors      atomic.Int64
}

// Dispatcher executes commands against the keyspace. Client connections
// and the replication stream share it: a command applied on a replica
// runs exactly the handler it ran on the primary.
type Dispatcher struct {
	repl    *replication.Manager
	ks      *storage.Keyspace
	streams *stream.Engine

	persister Persister
	logger    Logger
	metrics   MetricsCollector
	config    map[string]string

	startTime time.Time
	runID     string
	stats     Stats
}

// NewDispatcher creates a dispatcher writing through repl. It registers
// itself as the applier of replicated commands.
func NewDispatcher(repl *replication.Manager, streams *stream.Engine) *Dispatcher {
	d := &Dispatcher{
		repl:      repl,
		ks:        repl.Keyspace(),
		streams:   streams,
		logger:    &defaultLogger{},
		config:    make(map[string]string),
		startTime: time.Now(),
		runID:     newRunID(),
	}
	repl.SetApplier(d)
	// A snapshot load replaces every key, so every blocked read re-checks.
	repl.OnReset(streams.NotifyAll)
	return d
}

// SetPersister enables SAVE and LASTSAVE
func (d *Dispatcher) SetPersister(p Persister) {
	d.persister = p
}

// SetLogger sets the logger
func (d *Dispatcher) SetLogger(logger Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// SetMetrics sets the metrics collector
func (d *Dispatcher) SetMetrics(metrics MetricsCollector) {
	d.metrics = metrics
}

// SetConfig sets a parameter reported by CONFIG GET
func (d *Dispatcher) SetConfig(name, value string) {
	d.config[strings.ToLower(name)] = value
}

// Stats returns the server counters
func (d *Dispatcher) Stats() *Stats {
	return &d.stats
}

// Replication returns the replication manager the dispatcher writes through
func (d *Dispatcher) Replication() *replication.Manager {
	return d.repl
}

// Blocking reports whether the named command may wait
func (d *Dispatcher) Blocking(name string) bool {
	spec, ok := commands[name]
	return ok && spec.flags&flagBlocking != 0
}

// Apply executes a client command and returns its reply. Writes are
// refused on a replica.
func (d *Dispatcher) Apply(ctx context.Context, cmd *protocol.Command) protocol.Value {
	spec, ok := commands[cmd.Name]
	if !ok {
		return d.fail(unknownCommand(cmd))
	}
	if !spec.arityOK(len(cmd.Args) + 1) {
		return d.fail(wrongArgs(spec.name))
	}
	if spec.flags&flagWrite != 0 && d.repl.Role() == replication.RoleReplica {
		return d.fail(errorReply(errReadOnly))
	}

	start := time.Now()
	reply := spec.handler(ctx, d, cmd)
	d.stats.TotalCommands.Add(1)
	if d.metrics != nil {
		d.metrics.RecordCommandProcessed(spec.name, time.Since(start))
	}
	if reply.IsError() {
		return d.fail(reply)
	}
	return reply
}

// ApplyReplicated executes a write command received from the primary. An
// error reply becomes an error, which the replication link treats as a
// desync.
func (d *Dispatcher) ApplyReplicated(cmd *protocol.Command) error {
	spec, ok := commands[cmd.Name]
	if !ok {
		return fmt.Errorf("unknown command %q", cmd.Name)
	}
	if spec.flags&flagWrite == 0 {
		return fmt.Errorf("%s is not a write command", spec.name)
	}
	if !spec.arityOK(len(cmd.Args) + 1) {
		return fmt.Errorf("wrong number of arguments for %s", spec.name)
	}

	reply := spec.handler(context.Background(), d, cmd)
	d.stats.TotalCommands.Add(1)
	if reply.IsError() {
		return errors.New(string(reply.Data))
	}
	return nil
}

func (d *Dispatcher) fail(reply protocol.Value) protocol.Value {
	d.stats.TotalErrors.Add(1)
	if d.metrics != nil {
		d.metrics.RecordError("command")
	}
	return reply
}

// errorReply turns err into a RESP error. Messages that already carry a
// Redis error code are kept as they are.
func errorReply(err error) protocol.Value {
	msg := err.Error()
	code, _, _ := strings.Cut(msg, " ")
	if code == "" || strings.ToUpper(code) != code {
		msg = "ERR " + msg
	}
	msg = strings.NewReplacer("\r", " ", "\n", " ").Replace(msg)
	return protocol.ErrorValue(msg)
}

func wrongArgs(name string) protocol.Value {
	return protocol.ErrorValue(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name)))
}

func unknownCommand(cmd *protocol.Command) protocol.Value {
	var args strings.Builder
	for _, a := range cmd.Args {
		fmt.Fprintf(&args, "'%s' ", a)
	}
	return protocol.ErrorValue(fmt.Sprintf("ERR unknown command '%s', with args beginning with: %s",
		strings.ToLower(cmd.Name), strings.TrimSpace(args.String())))
}

func parseInt(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, errNotInteger
	}
	return n, nil
}

func keysOf(args [][]byte) []string {
	keys := make([]string, len(args))
	for i, a := range args {
		keys[i] = string(a)
	}
	return keys
}

func bulkStrings(items []string) protocol.Value {
	out := make([]protocol.Value, len(items))
	for i, s := range items {
		out[i] = protocol.BulkFromString(s)
	}
	return protocol.Array(out...)
}

type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, fields ...interface{}) {}

func (l *defaultLogger) Info(msg string, fields ...interface{}) {}

func (l *defaultLogger) Error(msg string, fields ...interface{}) {}
