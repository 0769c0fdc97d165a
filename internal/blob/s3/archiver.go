package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/okabelanger/streambid/internal/domain"
)

// BlobWriter is the upload surface the archiver needs.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// archiveBatch caps how many records one sweep pulls per store.
const archiveBatch = 1000

// Archiver moves cold records out of Postgres into object storage: ended
// stream sessions and settled billing ledgers older than the retention
// window are serialized to JSONL and uploaded, then the sessions (and their
// dependent rows) are pruned from the primary store.
//
// Ledger entries that are still failed are never archived; the reconciler
// owns them until they settle.
type Archiver struct {
	writer    BlobWriter
	sessions  domain.SessionStore
	billing   domain.BillingStore
	retention time.Duration
	interval  time.Duration
	prune     bool
	logger    *slog.Logger
	clock     func() time.Time
}

// ArchiverConfig holds archival parameters.
type ArchiverConfig struct {
	// Retention is how long ended records stay in Postgres.
	Retention time.Duration
	// Interval is the sweep period.
	Interval time.Duration
	// Prune deletes archived sessions from the primary store.
	Prune bool
}

// NewArchiver creates an Archiver.
func NewArchiver(writer BlobWriter, sessions domain.SessionStore, billing domain.BillingStore, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	return &Archiver{
		writer:    writer,
		sessions:  sessions,
		billing:   billing,
		retention: cfg.Retention,
		interval:  cfg.Interval,
		prune:     cfg.Prune,
		logger:    logger.With(slog.String("component", "archiver")),
		clock:     time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := a.clock().UTC().Add(-a.retention)
			if _, err := a.ArchiveBilling(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "billing archive sweep failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if _, err := a.ArchiveSessions(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "session archive sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// sessionRecord is the archived form of a stream session.
type sessionRecord struct {
	ID                  string  `json:"id"`
	InfluencerID        string  `json:"influencer_id"`
	Status              string  `json:"status"`
	BaseRate            string  `json:"base_rate"`
	StartTime           string  `json:"start_time"`
	EndTime             *string `json:"end_time,omitempty"`
	AccumulatedEarnings string  `json:"accumulated_earnings"`
}

// billingRecord is the archived form of a ledger entry.
type billingRecord struct {
	ID                 string  `json:"id"`
	StreamSessionID    string  `json:"stream_session_id"`
	ExplorerID         string  `json:"explorer_id"`
	BidAmount          string  `json:"bid_amount"`
	ChargedAmount      string  `json:"charged_amount"`
	Status             string  `json:"status"`
	StartTime          string  `json:"start_time"`
	EndTime            *string `json:"end_time,omitempty"`
	DurationSeconds    *int64  `json:"duration_seconds,omitempty"`
	ExternalPaymentRef string  `json:"external_payment_ref,omitempty"`
}

// ArchiveSessions uploads ended sessions older than the cutoff as JSONL to
// archive/sessions/YYYY-MM.jsonl and, when pruning is enabled, deletes them
// (with their bids and ledgers) from the primary store. Returns the count of
// archived records.
func (a *Archiver) ArchiveSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		batch, err := a.sessions.ListEndedBefore(ctx, cutoff, domain.ListOpts{Limit: archiveBatch, Offset: int(total)})
		if err != nil {
			return total, fmt.Errorf("s3blob: list ended sessions: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		records := make([]sessionRecord, 0, len(batch))
		for _, s := range batch {
			records = append(records, sessionRecord{
				ID:                  s.ID,
				InfluencerID:        s.InfluencerID,
				Status:              string(s.Status),
				BaseRate:            s.BaseRate.String(),
				StartTime:           s.StartTime.UTC().Format(time.RFC3339),
				EndTime:             formatTimePtr(s.EndTime),
				AccumulatedEarnings: s.AccumulatedEarnings.String(),
			})
		}

		if err := upload(ctx, a.writer, archivePath("sessions", cutoff), records); err != nil {
			return total, err
		}
		total += int64(len(batch))
		if len(batch) < archiveBatch {
			break
		}
	}

	if total > 0 && a.prune {
		deleted, err := a.sessions.DeleteEndedBefore(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("s3blob: prune ended sessions: %w", err)
		}
		a.logger.InfoContext(ctx, "pruned archived sessions",
			slog.Int64("deleted", deleted),
		)
	}

	if total > 0 {
		a.logger.InfoContext(ctx, "sessions archived",
			slog.Int64("count", total),
			slog.String("cutoff", cutoff.Format(time.RFC3339)),
		)
	}
	return total, nil
}

// ArchiveBilling uploads settled ledger entries older than the cutoff as
// JSONL to archive/billing/YYYY-MM.jsonl. Returns the count of archived
// records. Pruning happens with the owning session.
func (a *Archiver) ArchiveBilling(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		batch, err := a.billing.ListSettledBefore(ctx, cutoff, domain.ListOpts{Limit: archiveBatch, Offset: int(total)})
		if err != nil {
			return total, fmt.Errorf("s3blob: list settled ledgers: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		records := make([]billingRecord, 0, len(batch))
		for _, b := range batch {
			records = append(records, billingRecord{
				ID:                 b.ID,
				StreamSessionID:    b.StreamSessionID,
				ExplorerID:         b.ExplorerID,
				BidAmount:          b.BidAmount.String(),
				ChargedAmount:      b.ChargedAmount.String(),
				Status:             string(b.Status),
				StartTime:          b.StartTime.UTC().Format(time.RFC3339),
				EndTime:            formatTimePtr(b.EndTime),
				DurationSeconds:    b.DurationSeconds,
				ExternalPaymentRef: b.ExternalPaymentRef,
			})
		}

		if err := upload(ctx, a.writer, archivePath("billing", cutoff), records); err != nil {
			return total, err
		}
		total += int64(len(batch))
		if len(batch) < archiveBatch {
			break
		}
	}

	if total > 0 {
		a.logger.InfoContext(ctx, "ledgers archived",
			slog.Int64("count", total),
			slog.String("cutoff", cutoff.Format(time.RFC3339)),
		)
	}
	return total, nil
}

// multipartThreshold is the archive size above which upload switches to the
// writer's multipart path, when the writer offers one.
const multipartThreshold = 64 * 1024 * 1024

type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

func upload[T any](ctx context.Context, writer BlobWriter, path string, records []T) error {
	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: marshal archive: %w", err)
	}
	if mw, ok := writer.(multipartWriter); ok && len(buf) > multipartThreshold {
		if err := mw.PutMultipart(ctx, path, bytes.NewReader(buf), "application/x-ndjson", 0); err != nil {
			return fmt.Errorf("s3blob: upload %s: %w", path, err)
		}
		return nil
	}
	if err := writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", path, err)
	}
	return nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/sessions/2026-07.jsonl
//	archive/billing/2026-07.jsonl
func archivePath(kind string, cutoff time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, cutoff.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
