package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// redisVersion is the Redis release whose behaviour the server follows
const redisVersion = "7.2.0"

func newRunID() string {
	a, b := uuid.New(), uuid.New()
	return hex.EncodeToString(append(a[:], b[:4]...))
}

func cmdPing(_ context.Context, _ *Dispatcher, cmd *protocol.Command) protocol.Value {
	switch len(cmd.Args) {
	case 0:
		return protocol.SimpleString("PONG")
	case 1:
		return protocol.BulkString(cmd.Args[0])
	default:
		return wrongArgs(cmd.Name)
	}
}

func cmdEcho(_ context.Context, _ *Dispatcher, cmd *protocol.Command) protocol.Value {
	return protocol.BulkString(cmd.Args[0])
}

// cmdSelect accepts only database 0, the single keyspace
func cmdSelect(_ context.Context, _ *Dispatcher, cmd *protocol.Command) protocol.Value {
	db, err := strconv.Atoi(cmd.Arg(0))
	if err != nil {
		return errorReply(errNotInteger)
	}
	if db != 0 {
		return errorReply(errors.New("ERR DB index is out of range"))
	}
	return protocol.OK()
}

var infoSections = []string{"server", "clients", "persistence", "stats", "replication", "keyspace"}

func cmdInfo(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	sections := infoSections
	if len(cmd.Args) > 0 {
		sections = nil
		for _, a := range cmd.Args {
			name := strings.ToLower(string(a))
			if name == "all" || name == "everything" || name == "default" {
				sections = infoSections
				break
			}
			sections = append(sections, name)
		}
	}
	return protocol.BulkFromString(d.Info(sections...))
}

// Info renders the INFO text for the given sections. Unknown sections are
// skipped.
func (d *Dispatcher) Info(sections ...string) string {
	if len(sections) == 0 {
		sections = infoSections
	}
	var b strings.Builder
	for _, section := range sections {
		var lines []string
		switch section {
		case "server":
			lines = d.infoServer()
		case "clients":
			lines = []string{fmt.Sprintf("connected_clients:%d", d.stats.ConnectedClients.Load())}
		case "persistence":
			lines = d.infoPersistence()
		case "stats":
			lines = []string{
				fmt.Sprintf("total_connections_received:%d", d.stats.TotalConnections.Load()),
				fmt.Sprintf("total_commands_processed:%d", d.stats.TotalCommands.Load()),
				fmt.Sprintf("total_error_replies:%d", d.stats.TotalErrors.Load()),
				fmt.Sprintf("blocked_clients:%d", d.streams.Waiters()),
			}
		case "replication":
			lines = d.infoReplication()
		case "keyspace":
			if keys, expires := d.ks.Stats(); keys > 0 {
				lines = []string{fmt.Sprintf("db0:keys=%d,expires=%d,avg_ttl=0", keys, expires)}
			}
		default:
			continue
		}

		if b.Len() > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString("# " + strings.ToUpper(section[:1]) + section[1:] + "\r\n")
		for _, line := range lines {
			b.WriteString(line + "\r\n")
		}
	}
	return b.String()
}

func (d *Dispatcher) infoServer() []string {
	uptime := time.Since(d.startTime)
	return []string{
		"redis_version:" + redisVersion,
		"redis_mode:standalone",
		fmt.Sprintf("process_id:%d", os.Getpid()),
		"run_id:" + d.runID,
		"tcp_port:" + d.config["port"],
		fmt.Sprintf("uptime_in_seconds:%d", int64(uptime.Seconds())),
		fmt.Sprintf("uptime_in_days:%d", int64(uptime.Hours()/24)),
	}
}

func (d *Dispatcher) infoPersistence() []string {
	lastSave := d.startTime
	if d.persister != nil {
		if t := d.persister.LastSave(); !t.IsZero() {
			lastSave = t
		}
	}
	return []string{
		"loading:0",
		fmt.Sprintf("rdb_last_save_time:%d", lastSave.Unix()),
	}
}

func (d *Dispatcher) infoReplication() []string {
	status := d.repl.SyncStatus()
	lines := []string{"role:" + status.Role.String()}

	if status.Role == replication.RoleReplica {
		host, port, _ := net.SplitHostPort(status.PrimaryAddr)
		linkStatus := "down"
		if status.LinkState == replication.StateStreaming {
			linkStatus = "up"
		}
		syncing := 0
		if status.LinkState == replication.StateAwaitingSnapshot {
			syncing = 1
		}
		lines = append(lines,
			"master_host:"+host,
			"master_port:"+port,
			"master_link_status:"+linkStatus,
			fmt.Sprintf("master_sync_in_progress:%d", syncing),
			fmt.Sprintf("slave_repl_offset:%d", status.Offset),
			"slave_read_only:1",
			"connected_slaves:0",
		)
	} else {
		lines = append(lines, fmt.Sprintf("connected_slaves:%d", len(status.Replicas)))
		for i, r := range status.Replicas {
			ip, _, _ := net.SplitHostPort(r.Addr)
			lag := int64(-1)
			if !r.LastAck.IsZero() {
				lag = int64(time.Since(r.LastAck).Seconds())
			}
			lines = append(lines, fmt.Sprintf("slave%d:ip=%s,port=%d,state=%s,offset=%d,lag=%d",
				i, ip, r.ListeningPort, r.State, r.AckOffset, lag))
		}
	}

	backlogActive := 0
	if status.Role == replication.RolePrimary {
		backlogActive = 1
	}
	lines = append(lines,
		"master_replid:"+status.ReplID,
		fmt.Sprintf("master_repl_offset:%d", status.Offset),
		fmt.Sprintf("repl_backlog_active:%d", backlogActive),
		fmt.Sprintf("repl_backlog_size:%d", status.BacklogSize),
		fmt.Sprintf("repl_backlog_first_byte_offset:%d", status.BacklogFirstByte),
		fmt.Sprintf("repl_backlog_histlen:%d", status.BacklogHistLen),
	)
	return lines
}

func cmdConfig(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	sub := strings.ToUpper(cmd.Arg(0))
	if sub != "GET" {
		return errorReply(fmt.Errorf("ERR unknown subcommand '%s'. Try CONFIG HELP.", cmd.Arg(0)))
	}
	if len(cmd.Args) < 2 {
		return wrongArgs("config|get")
	}

	names := make([]string, 0, len(d.config))
	for name := range d.config {
		for _, pattern := range cmd.Args[1:] {
			if storage.MatchPattern(name, strings.ToLower(string(pattern))) {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)

	out := make([]string, 0, 2*len(names))
	for _, name := range names {
		out = append(out, name, d.config[name])
	}
	return bulkStrings(out)
}

func cmdSave(_ context.Context, d *Dispatcher, _ *protocol.Command) protocol.Value {
	if d.persister == nil {
		return errorReply(errors.New("ERR no snapshot file configured"))
	}
	if err := d.persister.Save(); err != nil {
		d.logger.Error("SAVE failed", "error", err)
		return errorReply(err)
	}
	return protocol.OK()
}

func cmdLastSave(_ context.Context, d *Dispatcher, _ *protocol.Command) protocol.Value {
	lastSave := d.startTime
	if d.persister != nil {
		if t := d.persister.LastSave(); !t.IsZero() {
			lastSave = t
		}
	}
	return protocol.Integer(lastSave.Unix())
}

// replicaLinkStates maps link states to the names ROLE uses
var replicaLinkStates = map[replication.LinkState]string{
	replication.StateDisconnected:     "connect",
	replication.StateHandshaking:      "connecting",
	replication.StateAwaitingSnapshot: "sync",
	replication.StateStreaming:        "connected",
}

func cmdRole(_ context.Context, d *Dispatcher, _ *protocol.Command) protocol.Value {
	status := d.repl.SyncStatus()

	if status.Role == replication.RoleReplica {
		host, portStr, _ := net.SplitHostPort(status.PrimaryAddr)
		port, _ := strconv.ParseInt(portStr, 10, 64)
		return protocol.Array(
			protocol.BulkFromString("slave"),
			protocol.BulkFromString(host),
			protocol.Integer(port),
			protocol.BulkFromString(replicaLinkStates[status.LinkState]),
			protocol.Integer(status.Offset),
		)
	}

	replicas := make([]protocol.Value, 0, len(status.Replicas))
	for _, r := range status.Replicas {
		ip, _, _ := net.SplitHostPort(r.Addr)
		replicas = append(replicas, bulkStrings([]string{
			ip, strconv.Itoa(r.ListeningPort), strconv.FormatInt(r.AckOffset, 10),
		}))
	}
	return protocol.Array(
		protocol.BulkFromString("master"),
		protocol.Integer(status.Offset),
		protocol.Array(replicas...),
	)
}

// cmdWait blocks until enough replicas acknowledged the writes accepted
// so far. A zero timeout waits forever.
func cmdWait(ctx context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	n, err := parseInt(cmd.Args[0])
	if err != nil {
		return errorReply(err)
	}
	ms, err := parseInt(cmd.Args[1])
	if err != nil {
		return errorReply(errors.New("ERR timeout is not an integer or out of range"))
	}
	if ms < 0 {
		return errorReply(errors.New("ERR timeout is negative"))
	}

	acked, err := d.repl.Wait(ctx, int(n), time.Duration(ms)*time.Millisecond)
	if err != nil && ctx.Err() == nil {
		return errorReply(err)
	}
	return protocol.Integer(int64(acked))
}
