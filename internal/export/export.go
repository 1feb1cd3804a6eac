// Package export writes audit bundles: the full engine state serialized as
// JSON Lines sections plus a manifest with content hashes, uploaded to a blob
// store.
package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"coherencecore/internal/blob"
	"coherencecore/internal/infra/persistence/memory"

	"golang.org/x/sync/errgroup"
)

// StateExporter is the slice of the store the exporter needs. Every
// persistence backend embeds the in-memory store and satisfies it.
type StateExporter interface {
	ExportState() memory.Snapshot
}

// SectionFile describes one exported JSONL section inside a bundle.
type SectionFile struct {
	Name    string `json:"name"`
	Key     string `json:"key"`
	Records int    `json:"records"`
	Bytes   int64  `json:"bytes"`
	SHA256  string `json:"sha256"`
}

// Manifest is the bundle index, written last so a complete manifest implies a
// complete bundle.
type Manifest struct {
	Prefix     string        `json:"prefix"`
	CreatedAt  time.Time     `json:"created_at"`
	Sections   []SectionFile `json:"sections"`
	BundleHash string        `json:"bundle_sha256"`
}

// Exporter writes bundles from a store to a blob backend.
type Exporter struct {
	source StateExporter
	sink   blob.Store
	nowFn  func() time.Time
}

// NewExporter constructs an exporter.
func NewExporter(source StateExporter, sink blob.Store) *Exporter {
	return &Exporter{
		source: source,
		sink:   sink,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

type section struct {
	name    string
	records []any
}

func sections(snap memory.Snapshot) []section {
	wrap := func(n int, at func(int) any) []any {
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = at(i)
		}
		return out
	}
	return []section{
		{"organisms", wrap(len(snap.Organisms), func(i int) any { return snap.Organisms[i] })},
		{"claims", wrap(len(snap.Claims), func(i int) any { return snap.Claims[i] })},
		{"mutations", wrap(len(snap.Mutations), func(i int) any { return snap.Mutations[i] })},
		{"conflicts", wrap(len(snap.Conflicts), func(i int) any { return snap.Conflicts[i] })},
		{"baselines", wrap(len(snap.Baselines), func(i int) any { return snap.Baselines[i] })},
		{"drifts", wrap(len(snap.Drifts), func(i int) any { return snap.Drifts[i] })},
		{"tradeoffs", wrap(len(snap.Tradeoffs), func(i int) any { return snap.Tradeoffs[i] })},
		{"lineage", wrap(len(snap.Lineage), func(i int) any { return snap.Lineage[i] })},
	}
}

func encodeSection(s section) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, record := range s.records {
		if err := enc.Encode(record); err != nil {
			return nil, fmt.Errorf("encode %s: %w", s.name, err)
		}
	}
	return buf.Bytes(), nil
}

// Export snapshots the store and uploads one bundle under the prefix.
// Sections upload concurrently; the manifest lands last.
func (e *Exporter) Export(ctx context.Context, prefix string) (Manifest, error) {
	if prefix == "" {
		prefix = "audit/" + e.nowFn().Format("20060102T150405Z")
	}
	snap := e.source.ExportState()

	files := make([]SectionFile, 0, 8)
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sections(snap) {
		s := s
		g.Go(func() error {
			data, err := encodeSection(s)
			if err != nil {
				return err
			}
			key := prefix + "/" + s.name + ".jsonl"
			if _, err := e.sink.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
				ContentType: "application/x-ndjson",
				Metadata:    map[string]string{"section": s.name},
			}); err != nil {
				return fmt.Errorf("upload %s: %w", key, err)
			}
			sum := sha256.Sum256(data)
			mu.Lock()
			files = append(files, SectionFile{
				Name:    s.name,
				Key:     key,
				Records: len(s.records),
				Bytes:   int64(len(data)),
				SHA256:  hex.EncodeToString(sum[:]),
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Manifest{}, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	manifest := Manifest{Prefix: prefix, CreatedAt: e.nowFn(), Sections: files}
	manifest.BundleHash = bundleHash(files)
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Manifest{}, err
	}
	if _, err := e.sink.Put(ctx, prefix+"/manifest.json", bytes.NewReader(raw), blob.PutOptions{
		ContentType: "application/json",
	}); err != nil {
		return Manifest{}, fmt.Errorf("upload manifest: %w", err)
	}
	return manifest, nil
}

// bundleHash chains the section hashes in name order into one digest.
func bundleHash(files []SectionFile) string {
	h := sha256.New()
	for _, f := range files {
		h.Write([]byte(f.Name))
		h.Write([]byte(f.SHA256))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify re-downloads a bundle and checks every section against the
// manifest's hashes.
func (e *Exporter) Verify(ctx context.Context, prefix string) error {
	_, rc, err := e.sink.Get(ctx, prefix+"/manifest.json")
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	defer func() { _ = rc.Close() }()
	var manifest Manifest
	if err := json.NewDecoder(rc).Decode(&manifest); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}
	for _, f := range manifest.Sections {
		_, body, err := e.sink.Get(ctx, f.Key)
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Key, err)
		}
		data, err := io.ReadAll(body)
		_ = body.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Key, err)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != f.SHA256 {
			return fmt.Errorf("section %s hash mismatch", f.Name)
		}
	}
	if got := bundleHash(manifest.Sections); got != manifest.BundleHash {
		return fmt.Errorf("bundle hash mismatch")
	}
	return nil
}
