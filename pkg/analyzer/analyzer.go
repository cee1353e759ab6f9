// Package analyzer turns the raw queries accumulated by a running test into
// the database section of its record: statement kinds, duplicate groups and
// slow queries.
package analyzer

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/10printhello/trim-telemetry/pkg/record"
)

const (
	// DefaultSlowQueryThreshold flags queries that run longer than this.
	DefaultSlowQueryThreshold = 100 * time.Millisecond

	// maxSQLRunes bounds the query text stored in a record.
	maxSQLRunes = 200
)

// DuplicateMode selects how query texts are compared when grouping duplicates.
type DuplicateMode string

const (
	// DuplicateExact groups queries whose normalized text is identical.
	DuplicateExact DuplicateMode = "exact"

	// DuplicateLiterals additionally replaces string and numeric literals
	// with a placeholder so queries differing only in literal values merge.
	DuplicateLiterals DuplicateMode = "literals"
)

// ParseDuplicateMode parses a configured duplicate mode. Empty means exact.
func ParseDuplicateMode(s string) (DuplicateMode, error) {
	switch DuplicateMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", DuplicateExact:
		return DuplicateExact, nil
	case DuplicateLiterals:
		return DuplicateLiterals, nil
	default:
		return "", fmt.Errorf("unknown duplicate mode %q", s)
	}
}

// Config configures an Analyzer.
type Config struct {
	SlowQueryThreshold time.Duration
	DuplicateMode      DuplicateMode
}

// Analyzer builds database telemetry from ordered query events.
type Analyzer struct {
	slowThreshold time.Duration
	mode          DuplicateMode
}

// New creates an Analyzer. Zero values fall back to defaults.
func New(cfg Config) *Analyzer {
	a := &Analyzer{
		slowThreshold: cfg.SlowQueryThreshold,
		mode:          cfg.DuplicateMode,
	}

	if a.slowThreshold <= 0 {
		a.slowThreshold = DefaultSlowQueryThreshold
	}

	if a.mode == "" {
		a.mode = DuplicateExact
	}

	return a
}

// SlowQueryThreshold returns the configured slow query threshold.
func (a *Analyzer) SlowQueryThreshold() time.Duration {
	return a.slowThreshold
}

// Analyze computes the database section for the given queries. The result
// depends only on the order and content of queries.
func (a *Analyzer) Analyze(queries []record.QueryEvent) record.DatabaseTelemetry {
	db := record.DatabaseTelemetry{
		Count:            len(queries),
		Queries:          make([]record.Query, 0, len(queries)),
		DuplicateQueries: make([]record.DuplicateQuery, 0),
		SlowQueries:      make([]record.Query, 0),
	}

	if len(queries) == 0 {
		return db
	}

	var (
		total    time.Duration
		maxDur   time.Duration
		order    = make([]string, 0, len(queries))
		counts   = make(map[string]int, len(queries))
		examples = make(map[string]string, len(queries))
	)

	for _, q := range queries {
		total += q.Duration
		if q.Duration > maxDur {
			maxDur = q.Duration
		}

		kind := q.Kind
		if kind == "" {
			kind = Classify(q.SQL)
		}

		db.QueryTypes.Add(kind)

		text := truncate(q.SQL)
		db.Queries = append(db.Queries, record.Query{
			SQL:        text,
			DurationMS: Milliseconds(q.Duration),
		})

		if q.Duration > a.slowThreshold {
			db.SlowQueries = append(db.SlowQueries, record.Query{
				SQL:        q.SQL,
				DurationMS: Milliseconds(q.Duration),
			})
		}

		key := a.groupKey(q.SQL)
		if _, seen := counts[key]; !seen {
			order = append(order, key)
			examples[key] = text
		}

		counts[key]++
	}

	for _, key := range order {
		if counts[key] < 2 {
			continue
		}

		db.DuplicateQueries = append(db.DuplicateQueries, record.DuplicateQuery{
			SQL:   examples[key],
			Count: counts[key],
		})
	}

	db.TotalDurationMS = Milliseconds(total)
	db.AvgDurationMS = Milliseconds(total / time.Duration(len(queries)))
	db.MaxDurationMS = Milliseconds(maxDur)

	return db
}

func (a *Analyzer) groupKey(sql string) string {
	if a.mode == DuplicateLiterals {
		return Normalize(sql)
	}

	return sql
}

// Milliseconds rounds d to the nearest whole millisecond.
func Milliseconds(d time.Duration) int64 {
	return d.Round(time.Millisecond).Milliseconds()
}

func truncate(sql string) string {
	if utf8.RuneCountInString(sql) <= maxSQLRunes {
		return sql
	}

	runes := []rune(sql)

	return string(runes[:maxSQLRunes]) + "..."
}

// Classify returns the statement kind of sql from its leading keyword,
// ignoring case, leading whitespace and SQL comments.
func Classify(sql string) record.QueryKind {
	word := leadingKeyword(sql)

	switch strings.ToUpper(word) {
	case "SELECT":
		return record.KindSelect
	case "INSERT":
		return record.KindInsert
	case "UPDATE":
		return record.KindUpdate
	case "DELETE":
		return record.KindDelete
	default:
		return record.KindOther
	}
}

// leadingKeyword skips whitespace, "--" line comments, "/* */" block
// comments and opening parentheses, then returns the first word.
func leadingKeyword(sql string) string {
	s := sql

	for {
		s = strings.TrimLeftFunc(s, func(r rune) bool {
			return unicode.IsSpace(r) || r == '('
		})

		switch {
		case strings.HasPrefix(s, "--"):
			idx := strings.IndexByte(s, '\n')
			if idx < 0 {
				return ""
			}

			s = s[idx+1:]
		case strings.HasPrefix(s, "/*"):
			idx := strings.Index(s[2:], "*/")
			if idx < 0 {
				return ""
			}

			s = s[idx+4:]
		default:
			end := strings.IndexFunc(s, func(r rune) bool {
				return !unicode.IsLetter(r)
			})
			if end < 0 {
				return s
			}

			return s[:end]
		}
	}
}
