/**
 * @description
 * Bank name resolution for SPEI participants. Receipt images spell the same
 * institution many ways ("BBVA Bancomer", "bancomer", "BBVA México"); the
 * resolver folds case, diacritics and punctuation and maps every known
 * variant to the canonical SPEI institution code used by the CEP authority.
 *
 * The mapping lives in banks.json so new institutions and spellings can be
 * added without touching resolution logic. Unknown input always yields
 * ErrUnresolved, never a guess.
 */

package banks

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
)

//go:embed banks.json
var tableJSON []byte

// ErrUnresolved is returned when a bank name matches no known variant.
var ErrUnresolved = fmt.Errorf("bank name not recognized")

type institution struct {
	Code    string   `json:"code"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

// Resolver maps free-text bank names to canonical SPEI codes. It is
// read-only after construction and safe for concurrent use.
type Resolver struct {
	byAlias map[string]string
	byCode  map[string]string
}

// NewResolver parses the embedded institution table.
func NewResolver() (*Resolver, error) {
	var table []institution
	if err := json.Unmarshal(tableJSON, &table); err != nil {
		return nil, fmt.Errorf("failed to parse bank table: %w", err)
	}

	r := &Resolver{
		byAlias: make(map[string]string),
		byCode:  make(map[string]string),
	}
	for _, inst := range table {
		if inst.Code == "" {
			return nil, fmt.Errorf("bank table entry %q has no code", inst.Name)
		}
		r.byCode[inst.Code] = inst.Name
		r.byAlias[normalize(inst.Name)] = inst.Code
		for _, alias := range inst.Aliases {
			key := normalize(alias)
			if existing, ok := r.byAlias[key]; ok && existing != inst.Code {
				return nil, fmt.Errorf("alias %q maps to both %s and %s", alias, existing, inst.Code)
			}
			r.byAlias[key] = inst.Code
		}
	}
	return r, nil
}

// Resolve maps a raw bank name to its canonical SPEI code.
func (r *Resolver) Resolve(rawName string) (string, error) {
	key := normalize(rawName)
	if key == "" {
		return "", ErrUnresolved
	}
	if code, ok := r.byAlias[key]; ok {
		return code, nil
	}
	return "", ErrUnresolved
}

// KnownCode reports whether code is a SPEI participant in the table.
func (r *Resolver) KnownCode(code string) bool {
	_, ok := r.byCode[strings.TrimSpace(code)]
	return ok
}

// InstitutionName returns the display name for a canonical code.
func (r *Resolver) InstitutionName(code string) (string, bool) {
	name, ok := r.byCode[strings.TrimSpace(code)]
	return name, ok
}

// foldedRunes covers the accented characters that appear in Mexican bank
// names. The table controls what can match, so this fixed set is the entire
// population; full Unicode normalization would buy nothing here.
var foldedRunes = map[rune]rune{
	'á': 'a', 'é': 'e', 'í': 'i', 'ó': 'o', 'ú': 'u', 'ü': 'u', 'ñ': 'n',
	'Á': 'a', 'É': 'e', 'Í': 'i', 'Ó': 'o', 'Ú': 'u', 'Ü': 'u', 'Ñ': 'n',
}

func normalize(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if folded, ok := foldedRunes[r]; ok {
			r = folded
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			// Any separator run collapses to a single space.
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
