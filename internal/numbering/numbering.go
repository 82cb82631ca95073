// Package numbering issues the human-readable identifiers attached to disposal cases:
// file numbers when a case is opened and resolution numbers when one is approved.
//
// Numbers follow {prefix}-{municipality}-{year}-{seq} with a four-digit sequence that
// restarts every calendar year. Allocation scans the issued set inside the caller's
// transaction and picks max+1; the unique index on the store is the real guarantee, so
// callers retry allocation a bounded number of times when a concurrent commit wins the
// same candidate.
package numbering

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bajas/internal/config"
	"bajas/internal/repo"
)

type Service struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Format renders a number in the canonical shape, e.g. RES-BAJA-LIMA-2025-0007.
func Format(prefix, municipalityCode string, year, seq int) string {
	return fmt.Sprintf("%s-%s-%d-%04d", prefix, municipalityCode, year, seq)
}

// sequenceOf extracts the numeric suffix of a number issued under prefix/code/year.
// Returns 0,false for numbers from other prefixes, municipalities or years.
func sequenceOf(number, prefix, municipalityCode string, year int) (int, bool) {
	head := fmt.Sprintf("%s-%s-%d-", prefix, municipalityCode, year)
	if !strings.HasPrefix(number, head) {
		return 0, false
	}
	seq, err := strconv.Atoi(strings.TrimPrefix(number, head))
	if err != nil || seq <= 0 {
		return 0, false
	}
	return seq, true
}

// NextFileNumber allocates the next file number for the configured municipality.
func (s Service) NextFileNumber(ctx context.Context, tx *sql.Tx) (string, error) {
	code := s.Config.Municipality.Code
	year := s.now().UTC().Year()
	issued, err := s.Repo.ListFileNumbers(ctx, tx, code)
	if err != nil {
		return "", fmt.Errorf("scan file numbers: %w", err)
	}
	seq := nextSequence(issued, s.Config.Numbering.FilePrefix, code, year)
	for attempt := 0; attempt < s.Config.Numbering.MaxAttempts; attempt++ {
		candidate := Format(s.Config.Numbering.FilePrefix, code, year, seq)
		exists, err := s.Repo.FileNumberExists(ctx, tx, code, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		seq++
	}
	return "", fmt.Errorf("file number allocation exhausted after %d attempts", s.Config.Numbering.MaxAttempts)
}

// NextResolutionNumber allocates the next resolution number. The sequence scan is
// scoped to the municipality and year, but the final uniqueness check runs against the
// full historical set: two tenants sharing a municipality code must never collide.
func (s Service) NextResolutionNumber(ctx context.Context, tx *sql.Tx) (string, error) {
	code := s.Config.Municipality.Code
	year := s.now().UTC().Year()
	issued, err := s.Repo.ListResolutionNumbers(ctx, tx, code)
	if err != nil {
		return "", fmt.Errorf("scan resolution numbers: %w", err)
	}
	seq := nextSequence(issued, s.Config.Numbering.ResolutionPrefix, code, year)
	for attempt := 0; attempt < s.Config.Numbering.MaxAttempts; attempt++ {
		candidate := Format(s.Config.Numbering.ResolutionPrefix, code, year, seq)
		exists, err := s.Repo.ResolutionNumberExists(ctx, tx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		seq++
	}
	return "", fmt.Errorf("resolution number allocation exhausted after %d attempts", s.Config.Numbering.MaxAttempts)
}

func nextSequence(issued []string, prefix, municipalityCode string, year int) int {
	max := 0
	for _, n := range issued {
		if seq, ok := sequenceOf(n, prefix, municipalityCode, year); ok && seq > max {
			max = seq
		}
	}
	return max + 1
}
