// Package ingest loads raw descriptor lines into the links table and
// runs the normalization passes: splitting concatenated URIs and
// classifying unsupported schemes.
package ingest

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/outpost-proxy/outpost/internal/model"
	"github.com/outpost-proxy/outpost/internal/stopflag"
	"github.com/outpost-proxy/outpost/internal/store"
)

// splitSchemeRe finds scheme boundaries inside a stored line. The set
// is deliberately broader than the supported protocols, and longer
// alternatives come first so "shadowsocks2022" wins over "shadowsocks"
// and "ss".
var splitSchemeRe = regexp.MustCompile(
	`(vmess|vless|trojan|ssr|shadowsocks2022|shadowsocks|ss|hysteria2|hysteria|hy2|tuic)://`,
)

// Importer runs the ingest and normalization passes.
type Importer struct {
	store     *store.Store
	stop      *stopflag.Flag
	batchSize int
}

// New creates an importer with the default batch size of 1000.
func New(s *store.Store, stop *stopflag.Flag) *Importer {
	if stop == nil {
		stop = stopflag.New()
	}
	return &Importer{store: s, stop: stop, batchSize: 1000}
}

// Stats summarizes one importer run.
type Stats struct {
	LinesRead   int
	Inserted    int64
	Split       int
	Parts       int64
	Unsupported int
}

// Run ingests the raw file (when path is non-empty) and then executes
// the split and scheme-classification passes over the whole table.
func (im *Importer) Run(rawFile string) (Stats, error) {
	var stats Stats

	if rawFile != "" {
		n, inserted, err := im.ingestFile(rawFile)
		if err != nil {
			return stats, err
		}
		stats.LinesRead = n
		stats.Inserted = inserted
	}

	split, parts, err := im.splitPass()
	if err != nil {
		return stats, err
	}
	stats.Split = split
	stats.Parts = parts

	unsupported, err := im.classifyPass()
	if err != nil {
		return stats, err
	}
	stats.Unsupported = unsupported

	log.Printf("[ingest] done: lines=%d inserted=%d split=%d parts=%d unsupported=%d",
		stats.LinesRead, stats.Inserted, stats.Split, stats.Parts, stats.Unsupported)
	return stats, nil
}

// ingestFile inserts every non-blank, non-comment line of the raw file.
func (im *Importer) ingestFile(path string) (lines int, inserted int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open raw file %s: %w", path, err)
	}
	defer f.Close()

	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := im.store.InsertURIs(batch)
		if err != nil {
			return err
		}
		inserted += n
		batch = batch[:0]
		return nil
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines++
		batch = append(batch, line)
		if len(batch) >= im.batchSize {
			if err := flush(); err != nil {
				return lines, inserted, err
			}
		}
		if im.stop.Stopped() {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return lines, inserted, fmt.Errorf("read raw file %s: %w", path, err)
	}
	return lines, inserted, flush()
}

// splitPass walks the table in id order and splits rows holding two or
// more concatenated URIs. The parts are inserted with the original as
// parent; the original is marked invalid.
func (im *Importer) splitPass() (split int, parts int64, err error) {
	var lastID int64
	for !im.stop.Stopped() {
		rows, err := im.store.URIBatch(lastID, im.batchSize)
		if err != nil {
			return split, parts, err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			lastID = row.ID
			pieces := SplitConcatenated(row.URI)
			if len(pieces) < 2 {
				continue
			}
			for _, piece := range pieces {
				if err := im.store.InsertSplitPart(piece, row.ID); err != nil {
					return split, parts, err
				}
				parts++
			}
			if err := im.store.MarkInvalid(row.ID); err != nil {
				return split, parts, err
			}
			split++
		}
	}
	return split, parts, nil
}

// classifyPass marks rows whose scheme is outside the supported set.
func (im *Importer) classifyPass() (unsupported int, err error) {
	var lastID int64
	for !im.stop.Stopped() {
		rows, err := im.store.URIBatch(lastID, im.batchSize)
		if err != nil {
			return unsupported, err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			lastID = row.ID
			scheme := model.URIScheme(row.URI)
			if scheme == "" {
				continue
			}
			if _, ok := model.ProtocolFromScheme(scheme); ok {
				continue
			}
			if err := im.store.MarkUnsupported(row.ID); err != nil {
				return unsupported, err
			}
			unsupported++
		}
	}
	return unsupported, nil
}

// SplitConcatenated returns the individual URIs inside a line that
// contains at least two scheme markers, or nil when there is nothing
// to split.
func SplitConcatenated(line string) []string {
	matches := splitSchemeRe.FindAllStringIndex(line, -1)
	if len(matches) < 2 {
		return nil
	}
	var out []string
	for i, m := range matches {
		start := m[0]
		end := len(line)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		piece := strings.TrimSpace(line[start:end])
		if piece != "" {
			out = append(out, piece)
		}
	}
	return out
}
