// Package identifier pulls customer identifiers out of free-form ticket text.
package identifier

import (
	"errors"
	"regexp"
)

// Kind is an identifier category.
type Kind string

const (
	KindUserID   Kind = "user_id"
	KindIDNumber Kind = "id_number"
	KindPhone    Kind = "phone"
)

// priority is the order in which SelectBest picks a category.
var priority = []Kind{KindUserID, KindIDNumber, KindPhone}

// ErrNotFound is reported when no identifier could be extracted from a text.
var ErrNotFound = errors.New("no user identifier found in ticket text")

// Identifiers maps each matched category to its value.
type Identifiers map[Kind]string

// Identifier is a single selected identifier.
type Identifier struct {
	Kind  Kind
	Value string
}

// Labeled patterns. Each captures the value in group 1; the trailing group
// keeps the value from being a prefix of a longer run.
var (
	userIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)用户id[：:]\s*(\d+)`),
		regexp.MustCompile(`用户标识符[：:]\s*(\d+)`),
		regexp.MustCompile(`(?i)user[_\s]*id[：:]\s*(\d+)`),
		regexp.MustCompile(`(?i)user\s+identifier[：:]\s*(\d+)`),
		regexp.MustCompile(`用户\s*(?:编号|号码)?[：:]\s*(\d+)`),
	}
	idNumberPatterns = []*regexp.Regexp{
		regexp.MustCompile(`证件号码?[：:]\s*(\d{17}[\dXx])(?:[^\dA-Za-z]|$)`),
		regexp.MustCompile(`身份证[：:]\s*(\d{17}[\dXx])(?:[^\dA-Za-z]|$)`),
		regexp.MustCompile(`(?i)id(?:\s*(?:number|card))?[：:]\s*(\d{17}[\dXx])(?:[^\dA-Za-z]|$)`),
	}
	phonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`手机号码?[：:]\s*(1[3-9]\d{9})(?:\D|$)`),
		regexp.MustCompile(`电话[：:]\s*(1[3-9]\d{9})(?:\D|$)`),
		regexp.MustCompile(`联系方式[：:]\s*(1[3-9]\d{9})(?:\D|$)`),
		regexp.MustCompile(`(?i)(?:phone|mobile)[：:]\s*(1[3-9]\d{9})(?:\D|$)`),
	}

	// longDigits finds standalone digit runs for the unlabeled fallback.
	longDigits = regexp.MustCompile(`\b\d{10,}\b`)
	mobile     = regexp.MustCompile(`^1[3-9]\d{9}$`)
)

// Extract returns the identifiers found in text. Labeled matches are tried
// per category; the unlabeled fallback only runs when nothing labeled matched.
func Extract(text string) Identifiers {
	ids := make(Identifiers)
	if v := firstMatch(userIDPatterns, text); v != "" {
		ids[KindUserID] = v
	}
	if v := firstMatch(idNumberPatterns, text); v != "" {
		ids[KindIDNumber] = v
	}
	if v := firstMatch(phonePatterns, text); v != "" {
		ids[KindPhone] = v
	}
	if len(ids) > 0 {
		return ids
	}

	for _, run := range longDigits.FindAllString(text, -1) {
		if mobile.MatchString(run) {
			if _, ok := ids[KindPhone]; !ok {
				ids[KindPhone] = run
			}
			continue
		}
		if _, ok := ids[KindUserID]; !ok {
			ids[KindUserID] = run
		}
	}
	return ids
}

// SelectBest picks the identifier to query with: user_id, then id_number,
// then phone. ok is false when ids is empty.
func SelectBest(ids Identifiers) (Identifier, bool) {
	for _, k := range priority {
		if v, ok := ids[k]; ok && v != "" {
			return Identifier{Kind: k, Value: v}, true
		}
	}
	return Identifier{}, false
}

// ExtractBest combines Extract and SelectBest. It returns ErrNotFound when
// the text holds no identifier.
func ExtractBest(text string) (Identifiers, Identifier, error) {
	ids := Extract(text)
	best, ok := SelectBest(ids)
	if !ok {
		return ids, Identifier{}, ErrNotFound
	}
	return ids, best, nil
}

func firstMatch(patterns []*regexp.Regexp, text string) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}
