// Package querylog keeps a bounded in-memory history of answered queries and
// optionally appends an access log file.
package querylog

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/middleware"
)

// Entry is one logged query.
type Entry struct {
	Time     time.Time     `json:"time"`
	Client   string        `json:"client"`
	Domain   string        `json:"domain"`
	Qtype    string        `json:"qtype"`
	Rcode    string        `json:"rcode"`
	Proto    string        `json:"proto"`
	Duration time.Duration `json:"duration"`
	Blocked  bool          `json:"blocked"`
	Cached   bool          `json:"cached"`
	Risk     string        `json:"risk,omitempty"`
}

// QueryLog type
type QueryLog struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	filled  bool

	logFile *os.File
}

// New returns a new QueryLog
func New(cfg *config.Config) *QueryLog {
	size := cfg.QueryLogSize
	if size <= 0 {
		size = defaultSize
	}

	var logFile *os.File
	var err error

	if cfg.AccessLog != "" {
		logFile, err = os.OpenFile(cfg.AccessLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			zlog.Error("Access log file open failed", "error", strings.Trim(err.Error(), "\n"))
		}
	}

	return &QueryLog{
		entries: make([]Entry, 0, size),
		logFile: logFile,
	}
}

// Name return middleware name
func (q *QueryLog) Name() string { return name }

// ServeDNS implements the Handler interface.
func (q *QueryLog) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	start := time.Now()

	ch.Next(ctx)

	w := ch.Writer

	if !w.Written() || w.Internal() || len(ch.Request.Question) == 0 {
		return
	}

	resp := w.Msg()
	question := ch.Request.Question[0]

	entry := Entry{
		Time:     start,
		Domain:   strings.ToLower(question.Name),
		Qtype:    dns.TypeToString[question.Qtype],
		Rcode:    dns.RcodeToString[resp.Rcode],
		Proto:    w.Proto(),
		Duration: time.Since(start),
	}
	if ip := w.RemoteIP(); ip != nil {
		entry.Client = ip.String()
	}

	q.Append(entry)

	if q.logFile != nil {
		cd := "-cd"
		if resp.CheckingDisabled {
			cd = "+cd"
		}

		record := []string{
			entry.Client + " -",
			"[" + start.Format("02/Jan/2006:15:04:05 -0700") + "]",
			formatQuestion(question),
			entry.Proto,
			cd,
			entry.Rcode,
			strconv.Itoa(resp.Len()),
		}

		if _, err := q.logFile.WriteString(strings.Join(record, " ") + "\n"); err != nil {
			zlog.Error("Access log write failed", "error", strings.Trim(err.Error(), "\n"))
		}
	}
}

// Append adds an entry, overwriting the oldest when full.
func (q *QueryLog) Append(entry Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) < cap(q.entries) {
		q.entries = append(q.entries, entry)
		return
	}

	q.entries[q.head] = entry
	q.head = (q.head + 1) % cap(q.entries)
	q.filled = true
}

// Entries returns up to n most recent entries, newest first.
func (q *QueryLog) Entries(n int) []Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	total := len(q.entries)
	if n <= 0 || n > total {
		n = total
	}

	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		var idx int
		if q.filled {
			idx = (q.head - 1 - i + total) % total
		} else {
			idx = total - 1 - i
		}
		out = append(out, q.entries[idx])
	}

	return out
}

// Len returns the stored entry count.
func (q *QueryLog) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

func formatQuestion(q dns.Question) string {
	return "\"" + strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype] + "\""
}

const (
	defaultSize = 4096

	name = "querylog"
)
