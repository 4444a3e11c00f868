package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionbook/internal/domain"
)

const (
	defaultBatchSize = 1000
	jsonlContentType = "application/x-ndjson"
)

// multipartWriter is implemented by Writer for uploads above the single-put
// threshold.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// ArchiveRecord is one JSONL line of an archive file. Amounts are base-unit
// decimal strings so no JSON consumer loses precision.
type ArchiveRecord struct {
	ID                  uint64     `json:"id"`
	Pair                string     `json:"pair"`
	Creator             string     `json:"creator"`
	Seller              string     `json:"seller,omitempty"`
	Buyer               string     `json:"buyer,omitempty"`
	UnderlyingAmount    string     `json:"underlying_amount"`
	StrikeAmount        string     `json:"strike_amount"`
	PremiumAmount       string     `json:"premium_amount"`
	PeriodSeconds       int64      `json:"period_seconds"`
	CreateTimestamp     *time.Time `json:"create_timestamp,omitempty"`
	ExpirationTimestamp *time.Time `json:"expiration_timestamp,omitempty"`
	OrderType           string     `json:"order_type"`
	State               string     `json:"state"`
}

// Archiver implements domain.Archiver: terminal records are exported to
// JSONL in batches and then marked archived in the store. Records stay in
// the store and the registry.
type Archiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	options   domain.OptionStore
	audit     domain.AuditStore
	pairName  string
	batchSize int
	logger    *slog.Logger
}

// NewArchiver creates an Archiver. pairName partitions the archive so
// several pairs can share a bucket. reader and audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	options domain.OptionStore,
	audit domain.AuditStore,
	pairName string,
	batchSize int,
	logger *slog.Logger,
) *Archiver {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Archiver{
		writer:    writer,
		reader:    reader,
		options:   options,
		audit:     audit,
		pairName:  pairName,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveTerminal exports every unarchived terminal record last updated
// before the cutoff and returns how many were archived.
func (a *Archiver) ArchiveTerminal(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := a.options.ListTerminalBefore(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive query: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		n, err := a.archiveBatch(ctx, batch, before)
		total += n
		if err != nil {
			return total, err
		}
		if len(batch) < a.batchSize {
			return total, nil
		}
	}
}

func (a *Archiver) archiveBatch(ctx context.Context, batch []domain.Option, before time.Time) (int64, error) {
	path := archivePath(a.pairName, before, batch[0].ID, batch[len(batch)-1].ID)

	exists := false
	if a.reader != nil {
		var err error
		if exists, err = a.reader.Exists(ctx, path); err != nil {
			return 0, fmt.Errorf("s3blob: archive check: %w", err)
		}
	}
	// A previous run may have uploaded this batch and died before marking
	// it; the upload is then skipped and only the marking is repeated.
	if !exists {
		rows := make([]ArchiveRecord, len(batch))
		for i, o := range batch {
			rows[i] = toArchiveRecord(a.pairName, o)
		}
		buf, err := marshalJSONL(rows)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
		}
		if err := a.upload(ctx, path, buf); err != nil {
			return 0, fmt.Errorf("s3blob: archive upload: %w", err)
		}
	}

	ids := make([]uint64, len(batch))
	for i, o := range batch {
		ids[i] = o.ID
	}
	if err := a.options.MarkArchived(ctx, ids, path); err != nil {
		return 0, fmt.Errorf("s3blob: archive mark: %w", err)
	}

	count := int64(len(batch))
	a.logger.InfoContext(ctx, "archived terminal options",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Bool("reused_upload", exists),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.options", map[string]any{
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return count, nil
}

func (a *Archiver) upload(ctx context.Context, path string, buf []byte) error {
	if mw, ok := a.writer.(multipartWriter); ok && int64(len(buf)) > minPartSize {
		return mw.PutMultipart(ctx, path, bytes.NewReader(buf), jsonlContentType, minPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
}

func toArchiveRecord(pair string, o domain.Option) ArchiveRecord {
	r := ArchiveRecord{
		ID:               o.ID,
		Pair:             pair,
		Creator:          o.Creator.Hex(),
		UnderlyingAmount: o.UnderlyingAmount.String(),
		StrikeAmount:     o.StrikeAmount.String(),
		PremiumAmount:    o.PremiumAmount.String(),
		PeriodSeconds:    o.PeriodSeconds,
		OrderType:        string(o.OrderType),
		State:            string(o.State),
	}
	if o.Seller != (common.Address{}) {
		r.Seller = o.Seller.Hex()
	}
	if o.Buyer != (common.Address{}) {
		r.Buyer = o.Buyer.Hex()
	}
	if !o.CreateTimestamp.IsZero() {
		created, expires := o.CreateTimestamp, o.ExpirationTimestamp
		r.CreateTimestamp, r.ExpirationTimestamp = &created, &expires
	}
	return r
}

// archivePath partitions archive files by pair and cutoff day, naming each
// file after the id range it holds:
//
//	archive/WETH-USDC/options/2026/01/31/000000000001-000000000420.jsonl
func archivePath(pair string, before time.Time, firstID, lastID uint64) string {
	return fmt.Sprintf("archive/%s/options/%s/%012d-%012d.jsonl",
		pair, before.UTC().Format("2006/01/02"), firstID, lastID)
}

// marshalJSONL encodes records as newline-delimited JSON.
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

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)
