package store

import (
	"fmt"
	"strings"
	"time"
)

// formatSQLForLog interpolates positional parameters into a SQL query string for logging only.
func formatSQLForLog(query string, args ...any) string {
	query = strings.Join(strings.Fields(query), " ")
	if query == "" || len(args) == 0 {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + len(args)*8)
	argIdx := 0
	for _, ch := range query {
		if ch == '?' && argIdx < len(args) {
			b.WriteString(formatSQLArg(args[argIdx]))
			argIdx++
			continue
		}
		b.WriteRune(ch)
	}
	if argIdx < len(args) {
		b.WriteString(" /* args:")
		for i := argIdx; i < len(args); i++ {
			if i > argIdx {
				b.WriteString(",")
			}
			b.WriteString(" ")
			b.WriteString(formatSQLArg(args[i]))
		}
		b.WriteString(" */")
	}
	return b.String()
}

// formatSQLArg formats a SQL argument for logging only. Long values are cut
// so credentials and blobs do not flood the log.
func formatSQLArg(arg any) string {
	if arg == nil {
		return "NULL"
	}
	quote := func(s string) string {
		if len(s) > 64 {
			s = s[:64] + "..."
		}
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
	switch v := arg.(type) {
	case string:
		return quote(v)
	case []byte:
		return quote(string(v))
	case time.Time:
		return quote(v.Format(time.RFC3339Nano))
	case fmt.Stringer:
		return quote(v.String())
	default:
		return fmt.Sprintf("%v", arg)
	}
}
