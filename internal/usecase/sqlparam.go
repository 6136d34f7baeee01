package usecase

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// Placeholders the loader SQL must (or may) carry.
const (
	PlaceholderFrom    = ":fromTime"
	PlaceholderTo      = ":toTime"
	PlaceholderReplica = ":replicaId"
)

// windowTimeLayout renders window bounds into the SQL text. Internal storage
// stays UTC; the offset applies to the rendering only.
const windowTimeLayout = "2006-01-02 15:04"

var (
	// Placeholders are matched as whole tokens so ":fromTimeX" or column
	// names containing the text are left alone.
	fromRe    = regexp.MustCompile(`:fromTime\b`)
	toRe      = regexp.MustCompile(`:toTime\b`)
	replicaRe = regexp.MustCompile(`:replicaId\b`)

	forbiddenTokens = []string{"INSERT", "UPDATE", "DELETE", "DROP", "TRUNCATE", "ALTER", "CREATE"}
)

// ReplaceParams substitutes the window bounds and replica ordinal into sql.
// Bounds are rendered as "YYYY-MM-DD HH:MM" in the source timezone
// (UTC + tzOffsetHours). SQL_MISSING_PLACEHOLDER is returned when either
// window placeholder is absent.
func ReplaceParams(sql string, w domain.Window, tzOffsetHours int, replicaOrdinal int) (string, error) {
	if !fromRe.MatchString(sql) || !toRe.MatchString(sql) {
		return "", domain.NewExecError(domain.KindSQLMissingPlaceholder,
			fmt.Errorf("query must contain %s and %s", PlaceholderFrom, PlaceholderTo))
	}
	loc := time.FixedZone(fmt.Sprintf("UTC%+d", tzOffsetHours), tzOffsetHours*3600)
	out := fromRe.ReplaceAllString(sql, "'"+w.From.In(loc).Format(windowTimeLayout)+"'")
	out = toRe.ReplaceAllString(out, "'"+w.To.In(loc).Format(windowTimeLayout)+"'")
	out = replicaRe.ReplaceAllString(out, strconv.Itoa(replicaOrdinal))
	return out, nil
}

// stripStringLiterals blanks out single-quoted literals so forbidden-token
// scanning cannot be fooled by values like 'do not DELETE me'.
func stripStringLiterals(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))
	inLiteral := false
	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		if ch == '\'' {
			inLiteral = !inLiteral
			b.WriteByte(' ')
			continue
		}
		if inLiteral {
			b.WriteByte(' ')
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

var tokenSplit = regexp.MustCompile(`[^A-Za-z_]+`)

// CheckReadOnly rejects SQL that is not a pure read: the first token must be
// SELECT and no mutating keyword may appear outside string literals. Checked
// at admin save time and again at execute time.
func CheckReadOnly(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return domain.NewExecError(domain.KindSQLNotReadOnly, fmt.Errorf("empty query"))
	}
	stripped := stripStringLiterals(trimmed)
	tokens := tokenSplit.Split(stripped, -1)
	first := ""
	for _, t := range tokens {
		if t != "" {
			first = t
			break
		}
	}
	if !strings.EqualFold(first, "SELECT") {
		return domain.NewExecError(domain.KindSQLNotReadOnly,
			fmt.Errorf("first token must be SELECT, got %q", first))
	}
	for _, t := range tokens {
		up := strings.ToUpper(t)
		for _, bad := range forbiddenTokens {
			if up == bad {
				return domain.NewExecError(domain.KindSQLNotReadOnly,
					fmt.Errorf("forbidden token %s", bad))
			}
		}
	}
	return nil
}
