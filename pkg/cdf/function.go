// Package cdf decides whether a similarity score is significant given how
// many comparisons could have produced it by chance. Reference score
// distributions are loaded from tab-separated cumulative distribution
// tables, one per similarity metric.
package cdf

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Header is the required first line of a CDF table.
const Header = "max_score\tlower_diff_matches\tcum_lower_diff_matches\trel_cum_lower_matches\ttotal_matches"

const fieldCount = 5

var (
	ErrBadHeader  = errors.New("cdf: unexpected header")
	ErrFieldCount = errors.New("cdf: wrong number of fields")
	ErrNoData     = errors.New("cdf: table has no rows")
)

// Function is an empirical cumulative distribution of similarity scores
// between unrelated spectra. Bucket i holds the fraction of reference
// comparisons scoring below (i+1)*ScoreIncrement.
type Function struct {
	scoreIncrement   float64
	fractions        []float64
	totalComparisons int64
}

// LoadFile reads a CDF table from path.
func LoadFile(path string) (*Function, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CDF table: %w", err)
	}
	defer f.Close()

	fn, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fn, nil
}

// Load parses a CDF table. The first row's max_score fixes the score
// increment. The relative cumulative fraction of each row is recomputed from
// its cumulative count and total; the 4th column is not trusted. The
// reference tables aggregate runs of different sizes, so the total number of
// comparisons is the largest total seen.
func Load(r io.Reader) (*Function, error) {
	scanner := bufio.NewScanner(r)
	lineNum := 0

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("error reading CDF table: %w", err)
		}
		return nil, ErrNoData
	}
	lineNum++
	if got := strings.TrimRight(scanner.Text(), " \r"); got != Header {
		return nil, fmt.Errorf("line %d: %w: %q", lineNum, ErrBadHeader, got)
	}

	fn := &Function{}
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), " \r")
		if line == "" {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != fieldCount {
			return nil, fmt.Errorf("line %d: %w: expected %d, got %d", lineNum, ErrFieldCount, fieldCount, len(fields))
		}

		maxScore, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid max_score '%s': %w", lineNum, fields[0], err)
		}
		cumulative, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid cum_lower_diff_matches '%s': %w", lineNum, fields[2], err)
		}
		total, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid total_matches '%s': %w", lineNum, fields[4], err)
		}
		if total <= 0 {
			return nil, fmt.Errorf("line %d: total_matches must be positive, got %d", lineNum, total)
		}

		if len(fn.fractions) == 0 {
			if maxScore <= 0 {
				return nil, fmt.Errorf("line %d: first max_score must be positive, got %g", lineNum, maxScore)
			}
			fn.scoreIncrement = maxScore
		}
		fn.fractions = append(fn.fractions, float64(cumulative)/float64(total))
		fn.totalComparisons = max(fn.totalComparisons, total)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading CDF table: %w", err)
	}
	if len(fn.fractions) == 0 {
		return nil, ErrNoData
	}
	return fn, nil
}

// ScoreIncrement returns the score width of one bucket.
func (f *Function) ScoreIncrement() float64 { return f.scoreIncrement }

// TotalComparisons returns the largest reference comparison count.
func (f *Function) TotalComparisons() int64 { return f.totalComparisons }

// Len returns the number of buckets.
func (f *Function) Len() int { return len(f.fractions) }

// BinForScore returns ceil(score/increment), clamped to the valid buckets.
func (f *Function) BinForScore(score float64) int {
	bin := int(math.Ceil(score / f.scoreIncrement))
	return min(max(bin, 0), len(f.fractions)-1)
}

// CDF returns the fraction of reference comparisons scoring below threshold.
func (f *Function) CDF(threshold float64) float64 {
	return f.fractions[f.BinForScore(threshold)]
}

// Probability returns the chance that at least one of n independent
// comparisons scores above threshold by accident.
func (f *Function) Probability(threshold float64, comparisons int) float64 {
	return 1 - math.Pow(f.CDF(threshold), float64(comparisons))
}

// IsSafeMatch reports whether a similarity found among the given number of
// comparisons stays within the accepted mixture probability.
func (f *Function) IsSafeMatch(similarity float64, comparisons int, maxMixtureProbability float64) bool {
	return math.Pow(f.CDF(similarity), float64(comparisons)) > 1-maxMixtureProbability
}
