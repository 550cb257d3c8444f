package leasectl

import (
	"errors"
	"fmt"
	"io"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// SnapshotVersion is written into every snapshot.
const SnapshotVersion = "1"

// Snapshot is a point-in-time copy of the lease table and pool state.
type Snapshot struct {
	Version   string    `yaml:"version"`
	CreatedAt time.Time `yaml:"created_at"`
	Source    string    `yaml:"source,omitempty"`
	Pool      PoolStats `yaml:"pool"`
	Leases    []Lease   `yaml:"leases"`
}

// WriteSnapshot encodes s as YAML, compresses it with zstd and, when
// recipients are given, encrypts the result with age.
func WriteSnapshot(w io.Writer, s Snapshot, recipients ...age.Recipient) error {
	dst := w
	var enc io.WriteCloser
	if len(recipients) > 0 {
		var err error
		enc, err = age.Encrypt(w, recipients...)
		if err != nil {
			return fmt.Errorf("encrypt snapshot: %w", err)
		}
		dst = enc
	}

	zw, err := zstd.NewWriter(dst)
	if err != nil {
		return fmt.Errorf("compress snapshot: %w", err)
	}
	if err := yaml.NewEncoder(zw).Encode(s); err != nil {
		zw.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress snapshot: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encrypt snapshot: %w", err)
		}
	}
	return nil
}

// ReadSnapshot reverses WriteSnapshot. identities are required for an
// encrypted snapshot.
func ReadSnapshot(r io.Reader, identities ...age.Identity) (Snapshot, error) {
	src := r
	if len(identities) > 0 {
		dec, err := age.Decrypt(r, identities...)
		if err != nil {
			return Snapshot{}, fmt.Errorf("decrypt snapshot: %w", err)
		}
		src = dec
	}

	zr, err := zstd.NewReader(src)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decompress snapshot: %w", err)
	}
	defer zr.Close()

	var s Snapshot
	if err := yaml.NewDecoder(zr).Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return Snapshot{}, fmt.Errorf("unsupported snapshot version %q", s.Version)
	}
	return s, nil
}

// ParseRecipients parses age X25519 recipients such as age1...
func ParseRecipients(values []string) ([]age.Recipient, error) {
	out := make([]age.Recipient, 0, len(values))
	for _, v := range values {
		r, err := age.ParseX25519Recipient(v)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", v, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseIdentities reads age identities from an identity file.
func ParseIdentities(r io.Reader) ([]age.Identity, error) {
	ids, err := age.ParseIdentities(r)
	if err != nil {
		return nil, fmt.Errorf("parse identities: %w", err)
	}
	if len(ids) == 0 {
		return nil, errors.New("identity file holds no keys")
	}
	return ids, nil
}
