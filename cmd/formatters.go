package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"strata/storage"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// maxCellWidth truncates long values in result tables
const maxCellWidth = 40

// render writes data as JSON or YAML, or calls table for the human format
func render(w io.Writer, data any, table func(io.Writer)) error {
	switch outputFormat {
	case formatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(data)
	case formatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(data); err != nil {
			return err
		}
		return encoder.Close()
	default:
		table(w)
		return nil
	}
}

// printSection prints a section header
func printSection(w io.Writer, title string) {
	headerColor.Fprintf(w, "  %s\n", title)
	headerColor.Fprintln(w, "  "+strings.Repeat("─", utf8.RuneCountInString(title)))
}

// printField prints a key-value field
func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(w, "  %-22s %s\n", key+":", value)
}

// formatValue renders one column value for a table cell
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		if utf8.Valid(val) {
			return string(val)
		}
		return "x'" + hex.EncodeToString(val) + "'"
	case time.Time:
		return val.Format(time.RFC3339)
	case float64:
		return humanize.Ftoa(val)
	default:
		return fmt.Sprint(val)
	}
}

// humanBytes formats a file size; negative sizes mean unknown
func humanBytes(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(n))
}

func truncate(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	return string(runes[:width-3]) + "..."
}

// formatBool returns a colored boolean string
func formatBool(b bool) string {
	if b {
		return color.New(color.FgGreen).Sprint("Yes")
	}
	return color.New(color.FgRed).Sprint("No")
}

// renderResultTable prints query rows as an aligned table
func renderResultTable(w io.Writer, res *storage.QueryResult) {
	if len(res.Columns) == 0 {
		successColor.Fprintf(w, "✓ %s rows affected", humanize.Comma(res.RowsAffected))
		if res.LastInsertID > 0 {
			fmt.Fprintf(w, " (last insert id %d)", res.LastInsertID)
		}
		fmt.Fprintln(w)
		return
	}

	cells := make([][]string, len(res.Rows))
	widths := make([]int, len(res.Columns))
	for i, c := range res.Columns {
		widths[i] = utf8.RuneCountInString(c.Name)
	}
	for r, row := range res.Rows {
		values := row.Values()
		cells[r] = make([]string, len(values))
		for i, v := range values {
			cell := truncate(formatValue(v), maxCellWidth)
			cells[r][i] = cell
			if n := utf8.RuneCountInString(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	total := 0
	for _, width := range widths {
		total += width + 2
	}

	var header strings.Builder
	for i, c := range res.Columns {
		fmt.Fprintf(&header, "%-*s  ", widths[i], c.Name)
	}
	headerColor.Fprintln(w, strings.TrimRight(header.String(), " "))
	fmt.Fprintln(w, strings.Repeat("-", total))

	for _, row := range cells {
		var line strings.Builder
		for i, cell := range row {
			fmt.Fprintf(&line, "%-*s  ", widths[i], cell)
		}
		fmt.Fprintln(w, strings.TrimRight(line.String(), " "))
	}

	fmt.Fprintln(w, strings.Repeat("-", total))
	infoColor.Fprintf(w, "(%s rows)\n", humanize.Comma(int64(len(res.Rows))))
}

// renderQueryMetrics prints the metrics record captured for a statement
func renderQueryMetrics(w io.Writer, m storage.QueryMetrics) {
	fmt.Fprintln(w)
	printSection(w, "Query Metrics")
	printField(w, "Fingerprint", m.Fingerprint)
	printField(w, "Mode", m.Mode)
	printField(w, "Duration", m.Duration.String())
	printField(w, "Rows Affected", humanize.Comma(m.RowsAffected))
	printField(w, "Success", formatBool(m.Success))
	printField(w, "Cache Hit", formatBool(m.CacheHit))
	if m.Retried {
		printField(w, "Retried", formatBool(true))
	}
	if m.Error != "" {
		printField(w, "Error", errorColor.Sprint(m.Error))
	}
}

// renderStats prints a manager snapshot
func renderStats(w io.Writer, s storage.ManagerStats) {
	headerColor.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	headerColor.Fprintf(w, "  Store: %s\n", s.StorePath)
	headerColor.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w)

	printSection(w, "Store")
	printField(w, "Durability", s.Durability)
	printField(w, "Schema Version", fmt.Sprintf("%d (latest registered %d)", s.SchemaVersion, s.LatestVersion))
	printField(w, "Size", humanBytes(s.SizeBytes))
	printField(w, "WAL Size", humanBytes(s.WALBytes))
	fmt.Fprintln(w)

	p := s.Pool
	printSection(w, "Connection Pool")
	printField(w, "Connections", fmt.Sprintf("%d total, %d idle, %d active", p.Total, p.Idle, p.Active))
	printField(w, "Bounds", fmt.Sprintf("pool_size=%d max_connections=%d", p.PoolSize, p.MaxConnections))
	printField(w, "Created", humanize.Comma(p.Created))
	printField(w, "Reused", humanize.Comma(p.Reused))
	printField(w, "Hits / Misses", fmt.Sprintf("%s / %s", humanize.Comma(p.Hits), humanize.Comma(p.Misses)))
	printField(w, "Exhausted", humanize.Comma(p.Exhausted))
	printField(w, "Evicted", humanize.Comma(p.Evicted))
	printField(w, "Failed", humanize.Comma(p.Failed))
	fmt.Fprintln(w)

	printSection(w, "Query Cache")
	printField(w, "Enabled", formatBool(s.Cache.Enabled))
	if s.Cache.Enabled {
		printField(w, "Entries", humanize.Comma(int64(s.Cache.Size)))
		printField(w, "Hits / Misses", fmt.Sprintf("%s / %s", humanize.Comma(s.Cache.Hits), humanize.Comma(s.Cache.Misses)))
	}
	printField(w, "Metrics Recorded", humanize.Comma(int64(s.MetricsRecorded)))
}

// renderMigrationStatus prints applied and pending migrations
func renderMigrationStatus(w io.Writer, status storage.MigrationStatus) {
	printSection(w, "Schema")
	printField(w, "Current Version", fmt.Sprintf("%d", status.CurrentVersion))
	printField(w, "Latest Registered", fmt.Sprintf("%d", status.LatestVersion))
	printField(w, "Registered", fmt.Sprintf("%d", status.Registered))
	if len(status.Pending) == 0 {
		printField(w, "Pending", successColor.Sprint("none"))
	} else {
		pending := make([]string, len(status.Pending))
		for i, v := range status.Pending {
			pending[i] = fmt.Sprintf("%d", v)
		}
		printField(w, "Pending", warningColor.Sprint(strings.Join(pending, ", ")))
	}
	fmt.Fprintln(w)

	if len(status.History) > 0 {
		headerColor.Fprintln(w, "HISTORY")
		fmt.Fprintf(w, "%-8s %-32s %-14s %-18s %-10s %s\n", "Version", "Description", "Checksum", "Applied", "Duration", "Rolled Back")
		fmt.Fprintln(w, strings.Repeat("-", 100))
		for _, rec := range status.History {
			rolledBack := "-"
			if rec.RolledBackAt != nil {
				rolledBack = humanize.Time(*rec.RolledBackAt)
			}
			checksum := rec.Checksum
			if len(checksum) > 12 {
				checksum = checksum[:12]
			}
			fmt.Fprintf(w, "%-8d %-32s %-14s %-18s %-10s %s\n",
				rec.Version, truncate(rec.Description, 31), checksum,
				humanize.Time(rec.AppliedAt), (time.Duration(rec.DurationMs) * time.Millisecond).String(), rolledBack)
		}
		fmt.Fprintln(w)
	}

	if len(status.IntegrityIssues) > 0 {
		warningColor.Fprintln(w, "INTEGRITY ISSUES")
		for _, issue := range status.IntegrityIssues {
			warningColor.Fprintf(w, "  ⚠ %s\n", issue)
		}
	}
}
