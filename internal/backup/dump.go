package backup

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sibyldev/sibyl/internal/db/dialect"
)

// dumpSQL produces the plain SQL dump for the archive and the number of
// data rows in it. Postgres shells out to pg_dump; sqlite is dumped in
// process so dev and test runs need no external binary.
func (s *Service) dumpSQL(ctx context.Context) (string, int, error) {
	if dialect.IsPostgres(s.pool.Driver()) {
		return s.dumpPostgres(ctx)
	}
	return s.dumpSQLite(ctx)
}

func (s *Service) dumpPostgres(ctx context.Context) (string, int, error) {
	// --inserts keeps the dump executable statement by statement, which
	// is what Restore needs.
	cmd := exec.CommandContext(ctx, s.pgDumpPath,
		"--no-owner", "--no-acl", "--inserts", "--dbname", s.dbCfg.DSN())
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", 0, fmt.Errorf("pg_dump: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	dump := out.String()
	return dump, countInsertStatements(dump), nil
}

func (s *Service) dumpSQLite(ctx context.Context) (string, int, error) {
	rd := s.pool.Reader()
	var tables []struct {
		Name string         `db:"name"`
		SQL  sql.NullString `db:"sql"`
	}
	err := rd.SelectContext(ctx, &tables, `
		SELECT name, sql FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return "", 0, fmt.Errorf("read sqlite schema: %w", err)
	}

	var b strings.Builder
	b.WriteString("-- sibyl sqlite dump\n")
	rows := 0
	for _, t := range tables {
		if t.SQL.Valid {
			b.WriteString(t.SQL.String)
			b.WriteString(";\n")
		}
		n, err := s.dumpTable(ctx, &b, t.Name)
		if err != nil {
			return "", 0, err
		}
		rows += n
	}
	return b.String(), rows, nil
}

func (s *Service) dumpTable(ctx context.Context, b *strings.Builder, table string) (int, error) {
	rows, err := s.pool.Reader().QueryxContext(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return 0, fmt.Errorf("dump table %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, fmt.Errorf("columns of %s: %w", table, err)
	}
	idents := make([]string, len(cols))
	for i, c := range cols {
		idents[i] = quoteIdent(c)
	}
	header := "INSERT INTO " + quoteIdent(table) + " (" + strings.Join(idents, ", ") + ") VALUES ("

	count := 0
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return 0, fmt.Errorf("scan row of %s: %w", table, err)
		}
		lits := make([]string, len(vals))
		for i, v := range vals {
			lits[i] = sqlLiteral(v)
		}
		b.WriteString(header)
		b.WriteString(strings.Join(lits, ", "))
		b.WriteString(");\n")
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate %s: %w", table, err)
	}
	return count, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqlLiteral(v interface{}) string {
	switch tv := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if tv {
			return "1"
		}
		return "0"
	case int64:
		return strconv.FormatInt(tv, 10)
	case float64:
		return strconv.FormatFloat(tv, 'g', -1, 64)
	case []byte:
		if utf8.Valid(tv) && !bytes.ContainsRune(tv, 0) {
			return quoteString(string(tv))
		}
		return "X'" + hex.EncodeToString(tv) + "'"
	case string:
		return quoteString(tv)
	case time.Time:
		return quoteString(tv.UTC().Format("2006-01-02 15:04:05.999999999-07:00"))
	default:
		return quoteString(fmt.Sprintf("%v", tv))
	}
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func countInsertStatements(dump string) int {
	count := 0
	scanner := bufio.NewScanner(strings.NewReader(dump))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if strings.HasPrefix(strings.TrimSpace(scanner.Text()), "INSERT INTO") {
			count++
		}
	}
	return count
}

// splitSQL splits a dump into executable statements, honoring single
// quoted literals. Sufficient for this package's own dumps and for
// pg_dump --inserts output, neither of which uses dollar quoting.
func splitSQL(dump string) []string {
	var stmts []string
	var b strings.Builder
	inString := false
	for i := 0; i < len(dump); i++ {
		c := dump[i]
		b.WriteByte(c)
		switch c {
		case '\'':
			// a doubled quote inside a literal flips twice, net unchanged
			inString = !inString
		case ';':
			if inString {
				continue
			}
			stmt := strings.TrimSuffix(strings.TrimSpace(b.String()), ";")
			b.Reset()
			if hasExecutableSQL(stmt) {
				stmts = append(stmts, stmt)
			}
		}
	}
	if tail := strings.TrimSpace(b.String()); hasExecutableSQL(tail) {
		stmts = append(stmts, tail)
	}
	return stmts
}

// hasExecutableSQL reports whether the statement is more than comments
// and whitespace.
func hasExecutableSQL(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		return true
	}
	return false
}
