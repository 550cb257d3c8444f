package leasectl

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"
)

// Uploader stores a finished snapshot in object storage.
type Uploader interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
}

// ExportConfig configures a snapshot export.
type ExportConfig struct {
	Client *Client
	// Output is the local file to write; empty skips the local copy.
	Output string
	// Recipients are age recipients; none leaves the snapshot unencrypted.
	Recipients []string
	Bucket     string
	// Prefix is prepended to the generated object key.
	Prefix   string
	Uploader Uploader
	Now      func() time.Time
	Stdout   io.Writer
}

// ExportResult describes the written snapshot.
type ExportResult struct {
	Snapshot Snapshot
	Size     int64
	SHA256   string
	Key      string
}

// Export fetches the lease table and pool state, encodes them with
// WriteSnapshot and writes the result to Output and to Bucket.
func Export(ctx context.Context, cfg ExportConfig) (*ExportResult, error) {
	if cfg.Client == nil {
		return nil, errors.New("api client is required")
	}
	if cfg.Output == "" && cfg.Bucket == "" {
		return nil, errors.New("an output file or a bucket is required")
	}
	if cfg.Bucket != "" && cfg.Uploader == nil {
		return nil, errors.New("uploader is required when a bucket is set")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	recipients, err := ParseRecipients(cfg.Recipients)
	if err != nil {
		return nil, err
	}

	leases, err := cfg.Client.Leases(ctx, "")
	if err != nil {
		return nil, err
	}
	pool, err := cfg.Client.Pool(ctx)
	if err != nil {
		return nil, err
	}

	createdAt := cfg.Now().UTC().Truncate(time.Second)
	snap := Snapshot{
		Version:   SnapshotVersion,
		CreatedAt: createdAt,
		Source:    cfg.Client.rest.BaseURL,
		Pool:      pool,
		Leases:    leases,
	}

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, snap, recipients...); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(buf.Bytes())
	res := &ExportResult{
		Snapshot: snap,
		Size:     int64(buf.Len()),
		SHA256:   hex.EncodeToString(sum[:]),
	}

	if cfg.Output != "" {
		if err := os.WriteFile(cfg.Output, buf.Bytes(), 0o600); err != nil {
			return nil, fmt.Errorf("write snapshot: %w", err)
		}
		fmt.Fprintf(cfg.Stdout, "wrote snapshot %s (%d leases, %d bytes)\n", cfg.Output, len(leases), res.Size)
	}

	if cfg.Bucket != "" {
		res.Key = objectKey(cfg.Prefix, createdAt, len(recipients) > 0)
		if err := cfg.Uploader.PutObject(ctx, cfg.Bucket, res.Key, bytes.NewReader(buf.Bytes()), res.Size, res.SHA256); err != nil {
			return nil, fmt.Errorf("upload snapshot: %w", err)
		}
		fmt.Fprintf(cfg.Stdout, "uploaded snapshot s3://%s/%s\n", cfg.Bucket, res.Key)
	}
	return res, nil
}

func objectKey(prefix string, at time.Time, encrypted bool) string {
	name := "leases-" + at.Format("20060102T150405Z") + ".yaml.zst"
	if encrypted {
		name += ".age"
	}
	return path.Join(prefix, name)
}
