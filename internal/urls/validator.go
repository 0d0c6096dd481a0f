package urls

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/MimeLyc/easy-downloader/internal/errs"
)

// MaxBatchSize is the largest number of URLs the backend accepts per batch.
const MaxBatchSize = 10

var platformURL = regexp.MustCompile(`^(https?://)?(www\.)?(youtube\.com|youtu\.be)/.+$`)

// Result describes one non-blank input line.
type Result struct {
	Line          int    `json:"line"`
	RawLine       string `json:"raw_line"`
	NormalizedURL string `json:"normalized_url"`
	Valid         bool   `json:"valid"`
	Duplicate     bool   `json:"duplicate"`
}

type Report struct {
	Results []Result `json:"results"`
}

// Normalize trims the line and folds compatibility characters (full-width
// letters, ideographic spaces) so pasted URLs compare equal.
func Normalize(raw string) string {
	return strings.TrimSpace(norm.NFKC.String(strings.TrimSpace(raw)))
}

func IsValid(raw string) bool {
	return platformURL.MatchString(Normalize(raw))
}

// Validate classifies every non-blank line in input order. A valid URL is a
// duplicate when an earlier valid line normalized to the same value.
func Validate(lines []string) Report {
	seen := make(map[string]struct{})
	results := make([]Result, 0, len(lines))
	for _, raw := range lines {
		normalized := Normalize(raw)
		if normalized == "" {
			continue
		}
		r := Result{
			Line:          len(results) + 1,
			RawLine:       raw,
			NormalizedURL: normalized,
			Valid:         platformURL.MatchString(normalized),
		}
		if r.Valid {
			if _, ok := seen[normalized]; ok {
				r.Duplicate = true
			} else {
				seen[normalized] = struct{}{}
			}
		}
		results = append(results, r)
	}
	return Report{Results: results}
}

// ValidateText splits a newline separated block, as pasted into a form.
func ValidateText(text string) Report {
	return Validate(strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n"))
}

func (r Report) ValidCount() int {
	n := 0
	for _, res := range r.Results {
		if res.Valid {
			n++
		}
	}
	return n
}

func (r Report) UniqueCount() int {
	return len(r.UniqueURLs())
}

func (r Report) DuplicateCount() int {
	return r.ValidCount() - r.UniqueCount()
}

// UniqueURLs returns the first occurrence of every valid URL, in order.
func (r Report) UniqueURLs() []string {
	ret := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		if res.Valid && !res.Duplicate {
			ret = append(ret, res.NormalizedURL)
		}
	}
	return ret
}

// Errors lists one human-readable message per invalid or duplicate line.
func (r Report) Errors() []string {
	ret := make([]string, 0)
	for _, res := range r.Results {
		switch {
		case !res.Valid:
			ret = append(ret, fmt.Sprintf("Line %d: Invalid YouTube URL", res.Line))
		case res.Duplicate:
			ret = append(ret, fmt.Sprintf("Line %d: Duplicate URL", res.Line))
		}
	}
	return ret
}

// Eligible reports whether the lines may be submitted as one batch. Bad lines
// are never dropped silently: any error blocks the whole submission.
func (r Report) Eligible() error {
	unique := r.UniqueCount()
	if unique == 0 {
		return errs.New(errs.Validation, "no valid URLs")
	}
	if unique > MaxBatchSize {
		return errs.Newf(errs.Validation, "Maximum %d videos allowed per batch", MaxBatchSize).
			WithContext("unique", unique)
	}
	if bad := len(r.Errors()); bad > 0 {
		return errs.Newf(errs.Validation, "%d invalid/duplicate lines", bad).
			WithContext("errors", r.Errors())
	}
	return nil
}

// Dedupe drops repeated entries, keeping first occurrences in order.
// Dedupe(Dedupe(x)) == Dedupe(x).
func Dedupe(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	ret := make([]string, 0, len(list))
	for _, u := range list {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		ret = append(ret, u)
	}
	return ret
}
