// Package audit appends completed JobResults to a JSON-lines log, an
// optional persisted trail alongside the in-memory JobTable. The log
// rotates via gzip once it crosses a configured size, and can
// optionally mirror every entry to Kafka, adapted from this
// repository's KafkaQueue producer setup (internal/common/mq/kafka.go)
// down to a single best-effort Write.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	kafka "github.com/segmentio/kafka-go"
)

// Entry is one audit record, written once per terminal JobResult.
type Entry struct {
	Timestamp string      `json:"timestamp"`
	JobID     string      `json:"job_id"`
	Admitted  bool        `json:"admitted"`
	Status    string      `json:"status"`
	Detail    interface{} `json:"detail,omitempty"`
}

// Log appends Entries to a JSON-lines file, rotating to a gzip-compressed
// sibling once the active file exceeds RotateBytes.
type Log struct {
	mu          sync.Mutex
	path        string
	rotateBytes int64
	file        *os.File
	size        int64
	mirror      *kafka.Writer
	topic       string
}

// Options configures log rotation and the optional Kafka mirror.
type Options struct {
	Path         string
	RotateBytes  int64
	KafkaBrokers []string
	KafkaTopic   string
}

// Open creates or appends to the audit log at opts.Path.
func Open(opts Options) (*Log, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat audit log: %w", err)
	}

	l := &Log{
		path:        opts.Path,
		rotateBytes: opts.RotateBytes,
		file:        f,
		size:        info.Size(),
		topic:       opts.KafkaTopic,
	}
	if l.rotateBytes <= 0 {
		l.rotateBytes = 64 * 1024 * 1024
	}
	if len(opts.KafkaBrokers) > 0 {
		l.mirror = &kafka.Writer{
			Addr:         kafka.TCP(opts.KafkaBrokers...),
			Topic:        opts.KafkaTopic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 100 * time.Millisecond,
			Async:        true,
		}
	}
	return l, nil
}

// Append writes one entry as a JSON line, rotating first if needed, and
// mirrors it to Kafka when configured. Mirror failures are logged by the
// caller via the returned error but never block the local append.
func (l *Log) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	if l.size+int64(len(data)) > l.rotateBytes {
		if err := l.rotateLocked(); err != nil {
			l.mu.Unlock()
			return err
		}
	}
	n, err := l.file.Write(data)
	l.size += int64(n)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}

	if l.mirror != nil {
		if err := l.mirror.WriteMessages(ctx, kafka.Message{Key: []byte(e.JobID), Value: data}); err != nil {
			return fmt.Errorf("mirror audit entry: %w", err)
		}
	}
	return nil
}

// rotateLocked compresses the current log to "<path>.<timestamp>.gz" and
// truncates the active file. Caller must hold l.mu.
func (l *Log) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close audit log for rotation: %w", err)
	}
	src, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("reopen audit log for rotation: %w", err)
	}
	defer src.Close()

	rotated := fmt.Sprintf("%s.%d.gz", l.path, time.Now().UnixNano())
	dst, err := os.Create(rotated)
	if err != nil {
		return fmt.Errorf("create rotated audit log: %w", err)
	}
	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		dst.Close()
		return fmt.Errorf("compress rotated audit log: %w", err)
	}
	if err := gw.Close(); err != nil {
		dst.Close()
		return fmt.Errorf("finish gzip: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close rotated audit log: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("truncate audit log: %w", err)
	}
	l.file = f
	l.size = 0
	return nil
}

// Close closes the active log file and the Kafka mirror, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mirror != nil {
		_ = l.mirror.Close()
	}
	return l.file.Close()
}
