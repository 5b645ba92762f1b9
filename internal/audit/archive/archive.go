// Package archive ships audit event batches to S3-compatible object storage.
//
// Events accumulate in memory as JSON lines; a background loop flushes a
// batch object per interval under keys like
// audit/2026/08/23/poolman-20260823T101500Z-<n>.jsonl. Uploads are
// best-effort: a failed flush is logged and the batch is retried on the
// next tick, never surfaced to the pool core.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/consultra/poolman/internal/audit"
	"github.com/consultra/poolman/internal/errs"
	"github.com/consultra/poolman/internal/logger"
)

// Config holds object-storage settings for the archive.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string

	// Bucket receives the batch objects. Must already exist.
	Bucket string

	// FlushInterval between uploads. Default 30s.
	FlushInterval time.Duration

	// MaxBatch caps buffered events between flushes. Default 4096;
	// older events are dropped first when the cap is hit.
	MaxBatch int
}

// putFunc uploads one finished batch object.
type putFunc func(ctx context.Context, key string, body []byte) error

// Archive is an audit.Sink that batches events into object storage.
type Archive struct {
	cfg Config
	log *logger.Logger
	put putFunc

	mu      sync.Mutex
	pending []audit.Event
	seq     int

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New connects to the object store and validates the bucket before
// returning. The flush loop starts immediately.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Archive, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnector, "failed to create object store client", err)
	}

	ok, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnector, "failed to check audit bucket", err)
	}
	if !ok {
		return nil, errs.New(errs.ErrKindInvalidConfig,
			fmt.Sprintf("audit bucket %q does not exist", cfg.Bucket))
	}

	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 4096
	}

	a := &Archive{
		cfg: cfg,
		log: log,
		put: func(ctx context.Context, key string, body []byte) error {
			_, err := client.PutObject(ctx, cfg.Bucket, key,
				bytes.NewReader(body), int64(len(body)),
				miniogo.PutObjectOptions{ContentType: "application/x-ndjson"})
			return err
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go a.flushLoop()
	return a, nil
}

// Record buffers ev for the next flush. Never blocks.
func (a *Archive) Record(ev audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pending) >= a.cfg.MaxBatch {
		// Drop oldest first; the archive is a best-effort trail.
		a.pending = a.pending[1:]
	}
	a.pending = append(a.pending, ev)
}

func (a *Archive) flushLoop() {
	defer close(a.done)

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.stop:
			a.flush()
			return
		}
	}
}

// flush uploads the pending batch as one JSON-lines object. On failure the
// batch is put back for the next tick.
func (a *Archive) flush() {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range batch {
		if err := enc.Encode(ev); err != nil {
			a.log.ErrorWith("audit archive: encode failed, event dropped", err, nil)
		}
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("audit/%s/poolman-%s-%d.jsonl",
		now.Format("2006/01/02"), now.Format("20060102T150405Z"), seq)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.put(ctx, key, buf.Bytes()); err != nil {
		a.log.ErrorWith("audit archive: upload failed, batch requeued", err, map[string]interface{}{
			"bucket": a.cfg.Bucket,
			"key":    key,
			"events": len(batch),
		})
		a.mu.Lock()
		a.pending = append(batch, a.pending...)
		if len(a.pending) > a.cfg.MaxBatch {
			a.pending = a.pending[len(a.pending)-a.cfg.MaxBatch:]
		}
		a.mu.Unlock()
		return
	}

	a.log.With().Str("key", key).Int("events", len(batch)).Logger().
		Debug("audit archive: batch uploaded")
}

// Close flushes once more and stops the loop.
func (a *Archive) Close() {
	a.closeOnce.Do(func() {
		close(a.stop)
		<-a.done
	})
}
