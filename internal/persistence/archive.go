package persistence

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"fundarb/config"
	"fundarb/internal/model"
	"fundarb/logger"
)

type tradeParquetRecord struct {
	TradeID         string `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol          string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status          string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	MakerVenue      string `parquet:"name=maker_venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	HedgeVenue      string `parquet:"name=hedge_venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	MakerSide       string `parquet:"name=maker_side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Qty             string `parquet:"name=qty, type=BYTE_ARRAY, convertedtype=UTF8"`
	MakerEntryVWAP  string `parquet:"name=maker_entry_vwap, type=BYTE_ARRAY, convertedtype=UTF8"`
	MakerExitVWAP   string `parquet:"name=maker_exit_vwap, type=BYTE_ARRAY, convertedtype=UTF8"`
	HedgeEntryVWAP  string `parquet:"name=hedge_entry_vwap, type=BYTE_ARRAY, convertedtype=UTF8"`
	HedgeExitVWAP   string `parquet:"name=hedge_exit_vwap, type=BYTE_ARRAY, convertedtype=UTF8"`
	FundingReceived string `parquet:"name=funding_received, type=BYTE_ARRAY, convertedtype=UTF8"`
	FundingPaid     string `parquet:"name=funding_paid, type=BYTE_ARRAY, convertedtype=UTF8"`
	PricePnL        string `parquet:"name=price_pnl, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fees            string `parquet:"name=fees, type=BYTE_ARRAY, convertedtype=UTF8"`
	NetPnL          string `parquet:"name=net_pnl, type=BYTE_ARRAY, convertedtype=UTF8"`
	EntrySpread     string `parquet:"name=entry_spread, type=BYTE_ARRAY, convertedtype=UTF8"`
	RollbackLoss    string `parquet:"name=rollback_loss, type=BYTE_ARRAY, convertedtype=UTF8"`
	CloseReason     string `parquet:"name=close_reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt       int64  `parquet:"name=created_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	OpenedAt        int64  `parquet:"name=opened_at, type=INT64"`
	ClosedAt        int64  `parquet:"name=closed_at, type=INT64"`
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads each archived trade as a one-row parquet object.
type S3Archiver struct {
	client      objectPutter
	bucket      string
	prefix      string
	compression string
	version     string
	log         *logger.Log
}

var _ Archiver = (*S3Archiver)(nil)

func NewS3Archiver(ctx context.Context, cfg config.ArchiveConfig, version string) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket not configured")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3Archiver(client, cfg, version), nil
}

func newS3Archiver(client objectPutter, cfg config.ArchiveConfig, version string) *S3Archiver {
	return &S3Archiver{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		compression: cfg.Compression,
		version:     version,
		log:         logger.GetLogger(),
	}
}

func (a *S3Archiver) ArchiveTrade(ctx context.Context, s model.TradeState) error {
	data, err := a.createParquet(s)
	if err != nil {
		return err
	}
	key := a.objectKey(s)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":    "parquet",
			"compression":     a.compression,
			"fundarb-version": a.version,
		},
	})
	if err != nil {
		return fmt.Errorf("upload trade parquet: %w", err)
	}
	a.log.WithComponent("s3_archiver").WithTrade(s.ID, s.Symbol).WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}).Info("trade archived to s3")
	return nil
}

func (a *S3Archiver) objectKey(s model.TradeState) string {
	closed := s.ClosedAt
	if closed.IsZero() {
		closed = s.CreatedAt
	}
	return path.Join(
		a.prefix,
		fmt.Sprintf("date=%s", closed.UTC().Format("2006-01-02")),
		fmt.Sprintf("symbol=%s", strings.ToUpper(s.Symbol)),
		s.ID+".parquet",
	)
}

func (a *S3Archiver) createParquet(s model.TradeState) ([]byte, error) {
	rec := toParquetRecord(s)
	mem := newMemFile()
	pw, err := writer.NewParquetWriter(mem, new(tradeParquetRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}
	switch strings.ToLower(a.compression) {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}
	if err := pw.Write(rec); err != nil {
		pw.WriteStop()
		return nil, fmt.Errorf("write trade record: %w", err)
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize trade parquet: %w", err)
	}
	return mem.Bytes(), nil
}

func toParquetRecord(s model.TradeState) tradeParquetRecord {
	rec := tradeParquetRecord{
		TradeID:         s.ID,
		Symbol:          s.Symbol,
		Status:          string(s.Status),
		Qty:             s.TargetQty.String(),
		FundingReceived: s.FundingReceived.String(),
		FundingPaid:     s.FundingPaid.String(),
		PricePnL:        s.Realized.Price.String(),
		Fees:            s.Realized.Fees.String(),
		NetPnL:          s.Realized.Net().String(),
		EntrySpread:     s.EntrySpread.String(),
		RollbackLoss:    s.RollbackLoss.String(),
		CloseReason:     s.CloseReason,
		CreatedAt:       s.CreatedAt.UnixMilli(),
	}
	if !s.OpenedAt.IsZero() {
		rec.OpenedAt = s.OpenedAt.UnixMilli()
	}
	if !s.ClosedAt.IsZero() {
		rec.ClosedAt = s.ClosedAt.UnixMilli()
	}
	if s.Maker != nil {
		rec.MakerVenue = s.Maker.Venue
		rec.MakerSide = string(s.Maker.Side)
		rec.MakerEntryVWAP = vwapString(s.Maker.Entry)
		rec.MakerExitVWAP = vwapString(s.Maker.Exit)
	}
	if s.Hedge != nil {
		rec.HedgeVenue = s.Hedge.Venue
		rec.HedgeEntryVWAP = vwapString(s.Hedge.Entry)
		rec.HedgeExitVWAP = vwapString(s.Hedge.Exit)
	}
	return rec
}

func vwapString(b model.FillBook) string {
	if v, ok := b.VWAP(); ok {
		return v.String()
	}
	return ""
}
