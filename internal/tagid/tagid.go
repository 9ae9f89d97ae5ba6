// Package tagid normalizes and validates tag identifiers. Every identifier
// entering the system, from a reader or from a remote catalog, passes
// through Normalize exactly once.
package tagid

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// ErrInvalidFormat is returned when an identifier cannot be normalized into
// something the configured rules accept.
var ErrInvalidFormat = errors.New("invalid tag id format")

// DefaultCharset accepts any non-empty run of ASCII letters and digits.
const DefaultCharset = "^[0-9A-Z]+$"

// Normalize folds full-width forms, trims surrounding whitespace, uppercases
// and drops everything that is not a letter or digit.
func Normalize(raw string) string {
	folded := strings.ToUpper(strings.TrimSpace(width.Fold.String(raw)))
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, folded)
}

// Predicate is an additional format check, typically compiled from an
// expression in configuration.
type Predicate interface {
	Match(id string) (bool, error)
}

// Rules holds the format constraints for normalized identifiers. Prefixes
// and Lengths are optional; an empty list disables the check.
type Rules struct {
	Charset  *regexp.Regexp
	Prefixes []string
	Lengths  []int
	Extra    Predicate
}

// NewRules compiles charset and assembles a Rules value.
func NewRules(charset string, prefixes []string, lengths []int, extra Predicate) (*Rules, error) {
	if charset == "" {
		charset = DefaultCharset
	}
	re, err := regexp.Compile(charset)
	if err != nil {
		return nil, fmt.Errorf("invalid charset %q: %w", charset, err)
	}

	upper := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		upper = append(upper, Normalize(p))
	}

	return &Rules{
		Charset:  re,
		Prefixes: upper,
		Lengths:  lengths,
		Extra:    extra,
	}, nil
}

// Validate checks an already normalized id against the rules.
func (r *Rules) Validate(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty after normalization", ErrInvalidFormat)
	}
	if r.Charset != nil && !r.Charset.MatchString(id) {
		return fmt.Errorf("%w: %q does not match charset %s", ErrInvalidFormat, id, r.Charset)
	}
	if len(r.Prefixes) > 0 && !slices.ContainsFunc(r.Prefixes, func(p string) bool { return strings.HasPrefix(id, p) }) {
		return fmt.Errorf("%w: %q has none of the prefixes %v", ErrInvalidFormat, id, r.Prefixes)
	}
	if len(r.Lengths) > 0 && !slices.Contains(r.Lengths, len(id)) {
		return fmt.Errorf("%w: %q has length %d, want one of %v", ErrInvalidFormat, id, len(id), r.Lengths)
	}
	if r.Extra != nil {
		ok, err := r.Extra.Match(id)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		if !ok {
			return fmt.Errorf("%w: %q rejected by format expression", ErrInvalidFormat, id)
		}
	}
	return nil
}

// Parse normalizes raw and validates the result.
func (r *Rules) Parse(raw string) (string, error) {
	id := Normalize(raw)
	if err := r.Validate(id); err != nil {
		return "", err
	}
	return id, nil
}
