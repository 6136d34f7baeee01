package usecase

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// timestampCandidates are tried in order; the first column present wins.
var timestampCandidates = []string{"timestamp", "ts", "time", "load_time_stamp"}

// aggregate column names recognised on source rows.
var aggregateColumns = []string{"rec_count", "max_val", "min_val", "avg_val", "sum_val"}

// millisThreshold: integer timestamps above this magnitude are milliseconds.
const millisThreshold = int64(100_000_000_000)

// Transformer maps heterogeneous source rows to canonical signals, resolving
// segment tuples through the dictionary.
type Transformer struct {
	Segments domain.SegmentDictionary
	Now      func() time.Time
}

// NewTransformer constructs a Transformer over the given segment dictionary.
func NewTransformer(segments domain.SegmentDictionary) Transformer {
	return Transformer{Segments: segments, Now: time.Now}
}

// Transform converts rows into signals for loaderCode. An empty row set
// yields an empty slice and never fails.
func (t Transformer) Transform(ctx domain.Context, loaderCode string, rows []domain.Row) ([]domain.Signal, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	signals := make([]domain.Signal, 0, len(rows))
	now := t.Now().UTC()
	for i, row := range rows {
		ts, err := extractTimestamp(row)
		if err != nil {
			return nil, fmt.Errorf("op=transform.row[%d]: %w", i, err)
		}
		var key domain.SegmentKey
		for s := 0; s < 10; s++ {
			key[s] = extractString(row, fmt.Sprintf("segment_%d", s+1))
		}
		code, err := t.Segments.GetOrCreateCode(ctx, loaderCode, key)
		if err != nil {
			return nil, fmt.Errorf("op=transform.segment_code: %w", err)
		}
		sig := domain.Signal{
			LoaderCode:    loaderCode,
			LoadTimestamp: ts,
			SegmentCode:   strconv.FormatInt(code, 10),
			RecCount:      extractInt(row, "rec_count"),
			MaxVal:        extractFloat(row, "max_val"),
			MinVal:        extractFloat(row, "min_val"),
			AvgVal:        extractFloat(row, "avg_val"),
			SumVal:        extractFloat(row, "sum_val"),
			CreateTime:    now,
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

func lookup(row domain.Row, col string) (any, bool) {
	if v, ok := row[col]; ok {
		return v, true
	}
	// Rows from the pool manager carry lower-cased keys already; fall back
	// to a case-insensitive scan for rows built elsewhere (tests, seeds).
	for k, v := range row {
		if strings.EqualFold(k, col) {
			return v, true
		}
	}
	return nil, false
}

func extractTimestamp(row domain.Row) (int64, error) {
	for _, col := range timestampCandidates {
		v, ok := lookup(row, col)
		if !ok || v == nil {
			continue
		}
		return normalizeTimestamp(v)
	}
	return 0, domain.NewExecError(domain.KindTransformMissingTimestamp,
		fmt.Errorf("no column among %v", timestampCandidates))
}

// normalizeTimestamp coerces the supported timestamp representations to
// epoch seconds. Integer magnitudes above 10^11 are treated as milliseconds.
func normalizeTimestamp(v any) (int64, error) {
	switch tv := v.(type) {
	case time.Time:
		return tv.Unix(), nil
	case int64:
		return scaleEpoch(tv), nil
	case int:
		return scaleEpoch(int64(tv)), nil
	case int32:
		return int64(tv), nil
	case float64:
		return scaleEpoch(int64(tv)), nil
	case []byte:
		return parseTimestampString(string(tv))
	case string:
		return parseTimestampString(tv)
	default:
		return 0, domain.NewExecError(domain.KindTransformBadTimestamp,
			fmt.Errorf("unsupported timestamp type %T", v))
	}
}

func scaleEpoch(n int64) int64 {
	if n > millisThreshold || n < -millisThreshold {
		return n / 1000
	}
	return n
}

func parseTimestampString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, domain.NewExecError(domain.KindTransformBadTimestamp, fmt.Errorf("empty timestamp"))
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return scaleEpoch(n), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return scaleEpoch(int64(f)), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, domain.NewExecError(domain.KindTransformBadTimestamp,
		fmt.Errorf("cannot parse %q", s))
}

func extractString(row domain.Row, col string) *string {
	v, ok := lookup(row, col)
	if !ok || v == nil {
		return nil
	}
	var s string
	switch tv := v.(type) {
	case string:
		s = tv
	case []byte:
		s = string(tv)
	default:
		s = fmt.Sprint(tv)
	}
	return &s
}

func extractFloat(row domain.Row, col string) *float64 {
	v, ok := lookup(row, col)
	if !ok || v == nil {
		return nil
	}
	var f float64
	switch tv := v.(type) {
	case float64:
		f = tv
	case float32:
		f = float64(tv)
	case int64:
		f = float64(tv)
	case int:
		f = float64(tv)
	case []byte:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(string(tv)), 64)
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(tv), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}

func extractInt(row domain.Row, col string) *int64 {
	f := extractFloat(row, col)
	if f == nil {
		return nil
	}
	n := int64(*f)
	return &n
}
