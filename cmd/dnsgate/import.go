package main

import (
	"archive/zip"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dnsgate/pkg/blocklist"
	"dnsgate/pkg/config"
	"dnsgate/pkg/storage"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"
)

// Pi-hole domainlist types
const (
	piholeAllowExact = 0
	piholeBlockExact = 1
	piholeAllowRegex = 2
	piholeBlockRegex = 3
)

// Pi-hole databases are typically <100MB
const maxExtractSize = 500 << 20

// PiholeImport is what a Pi-hole gravity database contributes to dnsgate
type PiholeImport struct {
	Adlists      []string
	Allow        []string
	Block        []string
	SkippedRegex int
	Invalid      int
}

type importOptions struct {
	zipPath   string
	gravityDB string
	dbPath    string
	output    string
	dryRun    bool
}

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	opts := importOptions{}
	fs.StringVar(&opts.zipPath, "zip", "", "Pi-hole Teleporter backup (.zip)")
	fs.StringVar(&opts.gravityDB, "gravity-db", "", "Path to gravity.db")
	fs.StringVar(&opts.dbPath, "db", storage.DefaultConfig().Path, "dnsgate database to write domain entries into")
	fs.StringVar(&opts.output, "output", "-", "Where to write the feeds config snippet (- for stdout)")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Print the summary without writing anything")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if opts.zipPath != "" {
		tempDir, err := os.MkdirTemp("", "pihole-import-*")
		if err != nil {
			return err
		}
		defer func() { _ = os.RemoveAll(tempDir) }()

		opts.gravityDB, err = extractGravity(opts.zipPath, tempDir)
		if err != nil {
			return fmt.Errorf("failed to extract ZIP: %w", err)
		}
	}
	if opts.gravityDB == "" {
		return errors.New("gravity.db not provided (use -zip or -gravity-db)")
	}
	if _, err := os.Stat(opts.gravityDB); err != nil {
		return fmt.Errorf("gravity.db not found: %w", err)
	}

	ctx := context.Background()
	imp, err := readGravity(ctx, opts.gravityDB)
	if err != nil {
		return err
	}

	fmt.Println("Pi-hole Import Summary")
	fmt.Println("======================")
	fmt.Printf("  Feeds:          %d\n", len(imp.Adlists))
	fmt.Printf("  Block entries:  %d\n", len(imp.Block))
	fmt.Printf("  Allow entries:  %d\n", len(imp.Allow))
	if imp.SkippedRegex > 0 {
		fmt.Printf("  Skipped regex:  %d (not supported)\n", imp.SkippedRegex)
	}
	if imp.Invalid > 0 {
		fmt.Printf("  Skipped invalid: %d\n", imp.Invalid)
	}
	fmt.Println()

	if opts.dryRun {
		fmt.Println("Dry run mode - nothing written")
		return nil
	}

	if err := persistImport(ctx, opts.dbPath, imp); err != nil {
		return err
	}
	fmt.Printf("Domain entries written to: %s\n", opts.dbPath)

	return writeFeedsSnippet(opts.output, imp.Adlists, opts.gravityDB)
}

// extractGravity unpacks a Teleporter archive into dir and returns the path of
// its gravity.db. Entries escaping dir are rejected.
func extractGravity(zipPath, dir string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", fmt.Errorf("failed to open ZIP: %w", err)
	}
	defer func() { _ = r.Close() }()

	root := filepath.Clean(dir)
	var gravity string
	for _, f := range r.File {
		// #nosec G305 - validated against root below
		dest := filepath.Clean(filepath.Join(root, f.Name))
		if !strings.HasPrefix(dest, root+string(os.PathSeparator)) {
			return "", fmt.Errorf("invalid file path: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			continue
		}
		if err := extractFile(f, dest); err != nil {
			return "", fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
		if filepath.Base(f.Name) == "gravity.db" {
			gravity = dest
		}
	}

	if gravity == "" {
		return "", errors.New("gravity.db not found in ZIP")
	}
	return gravity, nil
}

func extractFile(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	n, err := io.Copy(out, io.LimitReader(rc, maxExtractSize+1))
	if err != nil {
		return err
	}
	if n > maxExtractSize {
		return fmt.Errorf("file too large (>%d bytes)", maxExtractSize)
	}
	return nil
}

// readGravity collects enabled adlists and exact domainlist entries
func readGravity(ctx context.Context, path string) (*PiholeImport, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	imp := &PiholeImport{}

	rows, err := db.QueryContext(ctx, `SELECT address FROM adlist WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to read adlists: %w", err)
	}
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			_ = rows.Close()
			return nil, err
		}
		imp.Adlists = append(imp.Adlists, strings.TrimSpace(address))
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx, `SELECT type, domain FROM domainlist WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to read domainlist: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var kind int
		var raw string
		if err := rows.Scan(&kind, &raw); err != nil {
			return nil, err
		}

		switch kind {
		case piholeAllowRegex, piholeBlockRegex:
			imp.SkippedRegex++
			continue
		case piholeAllowExact, piholeBlockExact:
		default:
			continue
		}

		domain, err := blocklist.NormalizeDomain(raw)
		if err != nil {
			imp.Invalid++
			continue
		}
		if kind == piholeAllowExact {
			imp.Allow = append(imp.Allow, domain)
		} else {
			imp.Block = append(imp.Block, domain)
		}
	}
	return imp, rows.Err()
}

// persistImport stores the imported entries as manual blocks and allow entries
func persistImport(ctx context.Context, dbPath string, imp *PiholeImport) error {
	cfg := storage.DefaultConfig()
	cfg.Path = dbPath
	db, err := storage.New(&cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	now := time.Now()
	block := make([]storage.DomainEntry, 0, len(imp.Block))
	for _, d := range imp.Block {
		block = append(block, storage.DomainEntry{Domain: d, Source: string(blocklist.SourceManual), AddedAt: now})
	}
	allow := make([]storage.DomainEntry, 0, len(imp.Allow))
	for _, d := range imp.Allow {
		allow = append(allow, storage.DomainEntry{Domain: d, AddedAt: now})
	}

	if err := db.PutBlock(ctx, block...); err != nil {
		return fmt.Errorf("failed to write block entries: %w", err)
	}
	if err := db.PutAllow(ctx, allow...); err != nil {
		return fmt.Errorf("failed to write allow entries: %w", err)
	}
	return nil
}

// writeFeedsSnippet renders the adlists as a feeds section for config.yml
func writeFeedsSnippet(output string, adlists []string, source string) error {
	snippet := struct {
		Feeds config.FeedsConfig `yaml:"feeds"`
	}{
		Feeds: config.FeedsConfig{URLs: adlists, RefreshInterval: 24 * time.Hour},
	}
	data, err := yaml.Marshal(snippet)
	if err != nil {
		return err
	}

	var out strings.Builder
	out.WriteString("# Imported from Pi-hole\n")
	fmt.Fprintf(&out, "# Import source: %s\n", filepath.Base(source))
	fmt.Fprintf(&out, "# Import date: %s\n\n", time.Now().Format(time.RFC3339))
	out.Write(data)

	if output == "" || output == "-" {
		fmt.Print(out.String())
		return nil
	}
	if err := os.WriteFile(output, []byte(out.String()), 0600); err != nil {
		return err
	}
	fmt.Printf("Feeds config written to: %s\n", output)
	return nil
}
