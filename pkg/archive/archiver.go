package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openibank/openibank-sub001/pkg/receipts"
)

// Manifester signs bundle manifests.
type Manifester interface {
	Manifest(rs []*receipts.Receipt) (receipts.Manifest, error)
}

// Result locates an archived bundle.
type Result struct {
	BundleURI   string            `json:"bundle_uri"`
	ManifestURI string            `json:"manifest_uri"`
	Manifest    receipts.Manifest `json:"manifest"`
}

// Archiver exports receipts and uploads the bundle with its manifest.
type Archiver struct {
	store  receipts.Store
	signer Manifester
	sink   Sink
	clock  func() time.Time
	logger *slog.Logger
}

func NewArchiver(store receipts.Store, signer Manifester, sink Sink, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, signer: signer, sink: sink, clock: time.Now, logger: logger.With("component", "archive")}
}

// WithClock overrides the object naming clock.
func (a *Archiver) WithClock(clock func() time.Time) *Archiver {
	a.clock = clock
	return a
}

// Archive writes receipts matching f as <stamp>.jsonl and its signed
// manifest as <stamp>.manifest.json. An empty selection is still archived
// so that "nothing matched" is itself attested.
func (a *Archiver) Archive(ctx context.Context, f receipts.Filter) (*Result, error) {
	rs, err := a.store.List(f)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	var bundle bytes.Buffer
	if _, err := receipts.WriteBundle(&bundle, rs); err != nil {
		return nil, err
	}
	m, err := a.signer.Manifest(rs)
	if err != nil {
		return nil, fmt.Errorf("build manifest: %w", err)
	}
	mb, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	stamp := a.clock().UTC().Format("2006/01/02/150405.000000000")
	res := &Result{Manifest: m}
	if res.BundleURI, err = a.sink.Put(ctx, "receipts/"+stamp+".jsonl", bundle.Bytes(), "application/x-ndjson"); err != nil {
		return nil, err
	}
	// The manifest goes last: its presence marks the bundle complete.
	if res.ManifestURI, err = a.sink.Put(ctx, "receipts/"+stamp+".manifest.json", mb, "application/json"); err != nil {
		return nil, err
	}
	a.logger.Info("receipts archived", "count", m.Count, "merkle_root", m.MerkleRoot, "bundle", res.BundleURI)
	return res, nil
}
