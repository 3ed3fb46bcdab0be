package sheet

import (
	"context"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-sync/internal/config"
)

var trailingJunk = regexp.MustCompile(`[:\s]+$`)

// Mirror propagates ticket state into the shared workbook by whole-sheet
// read-modify-write. Every outcome is a boolean; schema drift in the sheet
// must never abort a ticket mutation.
type Mirror struct {
	path   string
	cache  *SnapshotCache
	logger *zap.Logger
}

// NewMirror binds the mirror to the workbook at path. A nil cache disables
// snapshot caching.
func NewMirror(path string, cache *SnapshotCache, logger *zap.Logger) *Mirror {
	return &Mirror{path: path, cache: cache, logger: logger}
}

// Sync rewrites the rows matching key with the supplied status and
// responsible values. A nil pointer means "leave the column alone"; a pointer
// to the empty string blanks the cell (releasing ownership). The write path
// always re-reads the file so concurrent manual edits are not clobbered by a
// stale snapshot, and invalidates the snapshot cache on success.
func (m *Mirror) Sync(ctx context.Context, family *config.Family, key string, status, responsible *string) bool {
	if m.path == "" || family.Sheet.Name == "" {
		m.logger.Warn("spreadsheet mirror not configured", zap.String("family", family.Name))
		return false
	}

	f, err := excelize.OpenFile(m.path)
	if err != nil {
		m.logger.Error("open workbook", zap.String("path", m.path), zap.Error(err))
		return false
	}
	defer f.Close()

	rows, err := f.GetRows(family.Sheet.Name)
	if err != nil || len(rows) == 0 {
		m.logger.Error("read sheet", zap.String("sheet", family.Sheet.Name), zap.Error(err))
		return false
	}

	headers := NormalizeHeaders(rows[0])
	keyCol := findColumn(headers, family.Sheet.KeySynonyms)
	if keyCol < 0 {
		m.logger.Error("key column not found in sheet",
			zap.String("sheet", family.Sheet.Name),
			zap.Strings("synonyms", family.Sheet.KeySynonyms))
		return false
	}
	statusCol := findColumn(headers, []string{"status"})
	respCol := findColumn(headers, []string{"responsavel", "responsável"})

	wantKey := strings.TrimSpace(key)
	wrote := false
	for i := 1; i < len(rows); i++ {
		if cellAt(rows[i], keyCol) != wantKey {
			continue
		}
		rowNum := i + 1
		if status != nil && statusCol >= 0 {
			if m.setCell(f, family.Sheet.Name, statusCol, rowNum, *status) {
				wrote = true
			}
		}
		if responsible != nil && respCol >= 0 {
			if m.setCell(f, family.Sheet.Name, respCol, rowNum, *responsible) {
				wrote = true
			}
		}
	}
	if !wrote {
		m.logger.Warn("no sheet cells updated",
			zap.String("family", family.Name),
			zap.String("key", wantKey))
		return false
	}

	if err := f.Save(); err != nil {
		m.logger.Error("save workbook", zap.String("path", m.path), zap.Error(err))
		return false
	}
	if m.cache != nil {
		m.cache.Invalidate(ctx, m.snapshotKey(family))
	}
	return true
}

// Snapshot returns the parsed sheet as row maps keyed by normalized headers,
// read through the cache. Only read endpoints consume this; the write path
// never does.
func (m *Mirror) Snapshot(ctx context.Context, family *config.Family) ([]map[string]string, error) {
	cacheKey := m.snapshotKey(family)
	if m.cache != nil {
		if rows, ok := m.cache.Get(ctx, cacheKey); ok {
			return rows, nil
		}
	}

	f, err := excelize.OpenFile(m.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := f.GetRows(family.Sheet.Name)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return []map[string]string{}, nil
	}

	headers := NormalizeHeaders(raw[0])
	out := make([]map[string]string, 0, len(raw)-1)
	for i := 1; i < len(raw); i++ {
		record := make(map[string]string, len(headers))
		for j, header := range headers {
			if header == "" {
				continue
			}
			record[header] = cellAt(raw[i], j)
		}
		out = append(out, record)
	}

	if m.cache != nil {
		m.cache.Set(ctx, cacheKey, out)
	}
	return out, nil
}

func (m *Mirror) snapshotKey(family *config.Family) string {
	return "sheet:" + m.path + ":" + family.Sheet.Name
}

func (m *Mirror) setCell(f *excelize.File, sheetName string, col, row int, value string) bool {
	cell, err := excelize.CoordinatesToCellName(col+1, row)
	if err != nil {
		m.logger.Error("cell coordinates", zap.Error(err))
		return false
	}
	if err := f.SetCellValue(sheetName, cell, value); err != nil {
		m.logger.Error("set cell", zap.String("cell", cell), zap.Error(err))
		return false
	}
	return true
}

// NormalizeHeaders lowercases, trims and strips trailing colons/whitespace
// from header names to tolerate authoring variance in the shared sheet.
func NormalizeHeaders(headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		out[i] = trailingJunk.ReplaceAllString(strings.ToLower(strings.TrimSpace(h)), "")
	}
	return out
}

// findColumn resolves a header by synonym, preferring an exact match so a
// short synonym like "id" cannot land on "cidade".
func findColumn(headers, synonyms []string) int {
	for _, syn := range synonyms {
		for i, header := range headers {
			if header == syn {
				return i
			}
		}
	}
	for _, syn := range synonyms {
		for i, header := range headers {
			if strings.Contains(header, syn) {
				return i
			}
		}
	}
	return -1
}

func cellAt(row []string, col int) string {
	if col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}
