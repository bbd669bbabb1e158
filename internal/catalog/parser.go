package catalog

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/case-crawler/internal/crawler"
)

var (
	errMissingHeader = errors.New("missing header row")
	errNoCases       = errors.New("feed contains no cases")

	tokenSplit = regexp.MustCompile(`[|,;/\\\s]+`)
	nonDigit   = regexp.MustCompile(`[^0-9]`)
)

var dateLayouts = []string{
	"2006-01-02",
	"2006-Jan-02",
	"02/01/2006",
	"02-Jan-2006",
}

// Parser turns a feed payload into case records.
type Parser struct {
	excluded map[string]struct{}
}

// NewParser builds a Parser. Rows whose category matches one of
// excludedCategories (case-insensitive) are marked Excluded.
func NewParser(excludedCategories []string) *Parser {
	p := &Parser{excluded: make(map[string]struct{}, len(excludedCategories))}
	for _, c := range excludedCategories {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			p.excluded[c] = struct{}{}
		}
	}
	return p
}

// Parse validates the header for source and returns one record per
// normalized token, keeping the first occurrence of duplicate tokens. The
// returned int is the number of data rows read.
func (p *Parser) Parse(source string, payload []byte) ([]crawler.CaseRecord, int, error) {
	payload = bytes.TrimPrefix(payload, []byte("\ufeff"))
	r := csv.NewReader(bytes.NewReader(payload))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, 0, errMissingHeader
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, dup := cols[key]; !dup && key != "" {
			cols[key] = i
		}
	}
	if err := validateHeader(source, cols); err != nil {
		return nil, 0, err
	}

	var (
		out  []crawler.CaseRecord
		seen = make(map[string]struct{})
		rows int
	)
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, rows, fmt.Errorf("read row %d: %w", rows+1, err)
		}
		rows++
		rw := row{cols: cols, fields: fields}
		var recs []crawler.CaseRecord
		if source == crawler.SourcePublicRegisters {
			recs = publicRegisterRecords(rw)
		} else {
			recs = judgmentRecords(rw)
		}
		for _, rec := range recs {
			if _, dup := seen[rec.TokenNorm]; dup {
				continue
			}
			seen[rec.TokenNorm] = struct{}{}
			_, rec.Excluded = p.excluded[strings.ToLower(rec.Category)]
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return nil, rows, errNoCases
	}
	return out, rows, nil
}

func validateHeader(source string, cols map[string]int) error {
	has := func(names ...string) bool {
		for _, n := range names {
			if _, ok := cols[n]; ok {
				return true
			}
		}
		return false
	}
	if source == crawler.SourcePublicRegisters {
		if !has("name", "register", "register type") {
			return errors.New("missing name/register columns")
		}
		return nil
	}
	if !has("actions", "action") {
		return errors.New("missing Actions column")
	}
	return nil
}

type row struct {
	cols   map[string]int
	fields []string
}

// get returns the first non-empty value among keys.
func (r row) get(keys ...string) string {
	for _, k := range keys {
		i, ok := r.cols[strings.ToLower(k)]
		if !ok || i >= len(r.fields) {
			continue
		}
		if v := strings.TrimSpace(r.fields[i]); v != "" {
			return v
		}
	}
	return ""
}

func judgmentRecords(r row) []crawler.CaseRecord {
	actions := r.get("Actions", "Action")
	if actions == "" {
		return nil
	}
	title := r.get("Title", "Case Title", "Subject")
	base := crawler.CaseRecord{
		Title:        title,
		Subject:      firstNonEmpty(r.get("Subject"), title),
		Court:        r.get("Court", "Court file"),
		Category:     r.get("Category"),
		JudgmentDate: ParseJudgmentDate(r.get("Judgment Date", "Date")),
		CauseNumber:  r.get("Cause Number", "Cause No.", "Cause"),
	}
	var out []crawler.CaseRecord
	for _, piece := range tokenSplit.Split(actions, -1) {
		norm := crawler.NormalizeToken(piece)
		if norm == "" {
			continue
		}
		rec := base
		rec.TokenRaw = strings.TrimSpace(piece)
		rec.TokenNorm = norm
		out = append(out, rec)
	}
	return out
}

func publicRegisterRecords(r row) []crawler.CaseRecord {
	registerType := r.get("RegisterType", "Register Type", "Register", "Type")
	name := r.get("Name", "Full Name", "Person", "Entity", "Appointee")
	reference := r.get("Reference", "Ref", "Number", "Licence", "License", "Licence Number", "Registration", "Reg No", "Record")
	dateRaw := r.get("Date", "Appointment Date", "Effective Date", "Start Date", "Registered Date")
	if name == "" && reference == "" {
		return nil
	}
	raw := strings.TrimSpace(registerType + " " + firstNonEmpty(reference, name))
	norm := crawler.NormalizeToken(raw)
	if norm == "" {
		return nil
	}
	var subject []string
	for _, part := range []string{registerType, reference, dateRaw} {
		if part != "" {
			subject = append(subject, part)
		}
	}
	title := firstNonEmpty(name, reference, registerType, norm)
	return []crawler.CaseRecord{{
		TokenRaw:     raw,
		TokenNorm:    norm,
		Title:        title,
		Subject:      firstNonEmpty(strings.Join(subject, " - "), title),
		Court:        "Public Register",
		Category:     firstNonEmpty(registerType, "Public Register"),
		JudgmentDate: ParseJudgmentDate(dateRaw),
		CauseNumber:  reference,
	}}
}

// ParseJudgmentDate normalizes a date to YYYY-MM-DD when a known layout
// parses, falls back to the first eight digits, and otherwise returns the
// trimmed input unchanged.
func ParseJudgmentDate(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	if digits := nonDigit.ReplaceAllString(s, ""); len(digits) >= 8 {
		return digits[:4] + "-" + digits[4:6] + "-" + digits[6:8]
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
