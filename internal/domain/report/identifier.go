package report

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"
	"unicode"
)

var chataIDPattern = regexp.MustCompile(`^[A-Z]{2}-\d{6}-\d{4}$`)

// IDGenerator derives report identifiers. Now and Intn are swappable so
// tests can pin the date and the random suffix.
type IDGenerator struct {
	Now  func() time.Time
	Intn func(n int) int
}

// DefaultIDGenerator uses the wall clock and math/rand/v2.
func DefaultIDGenerator() IDGenerator {
	return IDGenerator{Now: time.Now, Intn: rand.Intn}
}

// GenerateChataID builds "II-YYYYMM-NNNN" from the clinician's name.
func GenerateChataID(clinicianName string) (ChataID, error) {
	return DefaultIDGenerator().Generate(clinicianName)
}

func (g IDGenerator) Generate(clinicianName string) (ChataID, error) {
	initials, err := Initials(clinicianName)
	if err != nil {
		return "", err
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	intn := rand.Intn
	if g.Intn != nil {
		intn = g.Intn
	}
	suffix := 1000 + intn(9000)
	return ChataID(fmt.Sprintf("%s-%s-%04d", initials, now().Format("200601"), suffix)), nil
}

// ValidateChataID reports whether id has the fixed identifier shape.
func ValidateChataID(id string) bool {
	return chataIDPattern.MatchString(id)
}

// Initials returns two uppercase ASCII letters: the first letters of the
// first and last name tokens, or the first two letters of a single token.
func Initials(name string) (string, error) {
	var tokens []string
	for _, f := range strings.Fields(name) {
		if letters := asciiLetters(f); letters != "" {
			tokens = append(tokens, letters)
		}
	}
	switch len(tokens) {
	case 0:
		return "", invalid("clinicianInfo.name", "a clinician name with at least one letter is required")
	case 1:
		t := tokens[0]
		if len(t) == 1 {
			t += "X"
		}
		return strings.ToUpper(t[:2]), nil
	default:
		first, last := tokens[0], tokens[len(tokens)-1]
		return strings.ToUpper(first[:1] + last[:1]), nil
	}
}

func asciiLetters(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < unicode.MaxASCII && unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
