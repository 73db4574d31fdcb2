// Package vault isolates card data behind an opaque-token boundary. Plaintext
// PANs exist only inside this package; everything stored is envelope-encrypted
// and every access attempt, allowed or denied, lands in an immutable audit
// log.
package vault

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var digitsOnly = regexp.MustCompile(`^\d+$`)

// Tokenizer validates card input and mints opaque tokens.
type Tokenizer struct{}

// NewTokenizer creates a tokenizer.
func NewTokenizer() *Tokenizer {
	return &Tokenizer{}
}

// Card is validated card data. CVVs are deliberately absent; they are never
// accepted into storage.
type Card struct {
	PAN    string
	Expiry string
	First6 string
	Last4  string
}

// Validate normalizes and validates a PAN and expiry, returning the card with
// its display digits extracted.
func (t *Tokenizer) Validate(pan, expiry string) (*Card, error) {
	pan = strings.NewReplacer(" ", "", "-", "").Replace(pan)
	if len(pan) < 13 || len(pan) > 19 {
		return nil, errors.New("pan must be 13-19 digits")
	}
	if !digitsOnly.MatchString(pan) {
		return nil, errors.New("pan must contain only digits")
	}
	if !luhnValid(pan) {
		return nil, errors.New("pan failed luhn check")
	}
	if err := validateExpiry(expiry); err != nil {
		return nil, err
	}

	return &Card{
		PAN:    pan,
		Expiry: strings.TrimSpace(expiry),
		First6: pan[:6],
		Last4:  pan[len(pan)-4:],
	}, nil
}

// NewToken mints an opaque token. Tokens carry no card information.
func (t *Tokenizer) NewToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return "tok_" + hex.EncodeToString(b), nil
}

func validateExpiry(expiry string) error {
	expiry = strings.TrimSpace(expiry)
	parts := strings.Split(expiry, "/")
	if len(parts) != 2 {
		return errors.New("expiry must be in MM/YY or MM/YYYY format")
	}
	if len(parts[0]) != 2 || (len(parts[1]) != 2 && len(parts[1]) != 4) {
		return errors.New("expiry must be in MM/YY or MM/YYYY format")
	}
	if !digitsOnly.MatchString(parts[0]) || !digitsOnly.MatchString(parts[1]) {
		return errors.New("expiry must be numeric")
	}

	month, _ := strconv.Atoi(parts[0])
	if month < 1 || month > 12 {
		return errors.New("expiry month must be between 01 and 12")
	}

	year, _ := strconv.Atoi(parts[1])
	if year < 100 {
		year += 2000
	}
	expiresEnd := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	if time.Now().UTC().After(expiresEnd) {
		return errors.New("card is expired")
	}
	return nil
}

func luhnValid(pan string) bool {
	sum := 0
	parity := len(pan) % 2
	for i, r := range pan {
		d := int(r - '0')
		if i%2 == parity {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}
