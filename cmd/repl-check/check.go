package main

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DatabaseStats represents the statistics for a single database
type DatabaseStats struct {
	Keys    int64
	Expires int64
}

// KeyspaceInfo represents the complete keyspace information
type KeyspaceInfo map[int]DatabaseStats

var dbRegex = regexp.MustCompile(`db(\d+):keys=(\d+),expires=(\d+)`)

// parseKeyspaceInfo extracts keyspace information from an INFO response
func parseKeyspaceInfo(info string) KeyspaceInfo {
	keyspace := make(KeyspaceInfo)
	for _, line := range strings.Split(info, "\n") {
		matches := dbRegex.FindStringSubmatch(strings.TrimSpace(line))
		if matches == nil {
			continue
		}
		db, _ := strconv.Atoi(matches[1])
		keys, _ := strconv.ParseInt(matches[2], 10, 64)
		expires, _ := strconv.ParseInt(matches[3], 10, 64)
		keyspace[db] = DatabaseStats{Keys: keys, Expires: expires}
	}
	return keyspace
}

// parseInfoFields returns the key:value pairs of an INFO response
func parseInfoFields(info string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			fields[k] = v
		}
	}
	return fields
}

// Report collects the differences found between a primary and a replica
type Report struct {
	Differences []string
	KeysChecked int
}

func (r *Report) addf(format string, args ...interface{}) {
	r.Differences = append(r.Differences, fmt.Sprintf(format, args...))
}

// OK reports whether no difference was found
func (r *Report) OK() bool {
	return len(r.Differences) == 0
}

// Print writes the report in a human readable form
func (r *Report) Print(w io.Writer) {
	if r.OK() {
		fmt.Fprintf(w, "✅ replica matches primary (%d keys compared)\n", r.KeysChecked)
		return
	}
	for _, d := range r.Differences {
		fmt.Fprintf(w, "❌ %s\n", d)
	}
	fmt.Fprintf(w, "%d difference(s), %d keys compared\n", len(r.Differences), r.KeysChecked)
}

// Checker compares a replica against its primary
type Checker struct {
	Primary *redis.Client
	Replica *redis.Client

	// Pattern selects the keys whose values are compared. Empty skips the
	// value comparison.
	Pattern string
}

// Run compares replication state, keyspace counts and, with a pattern,
// the values of the matching keys.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	if err := c.compareReplication(ctx, report); err != nil {
		return nil, err
	}
	if err := c.compareKeyspace(ctx, report); err != nil {
		return nil, err
	}
	if c.Pattern != "" {
		if err := c.compareValues(ctx, report); err != nil {
			return nil, err
		}
	}
	return report, nil
}

func (c *Checker) compareReplication(ctx context.Context, report *Report) error {
	pinfo, err := c.Primary.Info(ctx, "replication").Result()
	if err != nil {
		return fmt.Errorf("primary INFO replication: %w", err)
	}
	rinfo, err := c.Replica.Info(ctx, "replication").Result()
	if err != nil {
		return fmt.Errorf("replica INFO replication: %w", err)
	}
	p, r := parseInfoFields(pinfo), parseInfoFields(rinfo)

	if p["role"] != "master" {
		report.addf("primary role is %q", p["role"])
	}
	if r["role"] != "slave" {
		report.addf("replica role is %q", r["role"])
	}
	if r["master_link_status"] != "up" {
		report.addf("replica link is %q", r["master_link_status"])
	}
	if p["master_replid"] != r["master_replid"] {
		report.addf("replication ids differ: primary=%s replica=%s", p["master_replid"], r["master_replid"])
	}
	if p["master_repl_offset"] != r["master_repl_offset"] {
		report.addf("offsets differ: primary=%s replica=%s", p["master_repl_offset"], r["master_repl_offset"])
	}
	return nil
}

func (c *Checker) compareKeyspace(ctx context.Context, report *Report) error {
	pinfo, err := c.Primary.Info(ctx, "keyspace").Result()
	if err != nil {
		return fmt.Errorf("primary INFO keyspace: %w", err)
	}
	rinfo, err := c.Replica.Info(ctx, "keyspace").Result()
	if err != nil {
		return fmt.Errorf("replica INFO keyspace: %w", err)
	}
	p, r := parseKeyspaceInfo(pinfo), parseKeyspaceInfo(rinfo)

	dbs := make(map[int]bool)
	for db := range p {
		dbs[db] = true
	}
	for db := range r {
		dbs[db] = true
	}
	sorted := make([]int, 0, len(dbs))
	for db := range dbs {
		sorted = append(sorted, db)
	}
	sort.Ints(sorted)

	for _, db := range sorted {
		ps, pok := p[db]
		rs, rok := r[db]
		switch {
		case !pok:
			report.addf("db%d missing on primary, replica has keys=%d", db, rs.Keys)
		case !rok:
			report.addf("db%d missing on replica, primary has keys=%d", db, ps.Keys)
		default:
			if ps.Keys != rs.Keys {
				report.addf("db%d keys differ: primary=%d replica=%d", db, ps.Keys, rs.Keys)
			}
			if ps.Expires != rs.Expires {
				report.addf("db%d expires differ: primary=%d replica=%d", db, ps.Expires, rs.Expires)
			}
		}
	}
	return nil
}

func (c *Checker) compareValues(ctx context.Context, report *Report) error {
	keys, err := c.Primary.Keys(ctx, c.Pattern).Result()
	if err != nil {
		return fmt.Errorf("primary KEYS: %w", err)
	}
	sort.Strings(keys)

	for _, key := range keys {
		pv, err := dumpValue(ctx, c.Primary, key)
		if err != nil {
			return fmt.Errorf("primary %s: %w", key, err)
		}
		rv, err := dumpValue(ctx, c.Replica, key)
		if err != nil {
			return fmt.Errorf("replica %s: %w", key, err)
		}
		report.KeysChecked++
		if !reflect.DeepEqual(pv, rv) {
			report.addf("key %q differs: primary=%v replica=%v", key, pv, rv)
		}
	}
	return nil
}

// dumpValue reads a key into a comparable form according to its type
func dumpValue(ctx context.Context, client *redis.Client, key string) (interface{}, error) {
	typ, err := client.Type(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	switch typ {
	case "none":
		return nil, nil
	case "string":
		v, err := client.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		return v, err
	case "list":
		return client.LRange(ctx, key, 0, -1).Result()
	case "stream":
		msgs, err := client.XRange(ctx, key, "-", "+").Result()
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(msgs))
		for _, m := range msgs {
			fields := make([]string, 0, len(m.Values))
			for k, v := range m.Values {
				fields = append(fields, fmt.Sprintf("%s=%v", k, v))
			}
			sort.Strings(fields)
			out = append(out, m.ID+"{"+strings.Join(fields, ",")+"}")
		}
		return out, nil
	default:
		return "type:" + typ, nil
	}
}
