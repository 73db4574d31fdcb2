package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/payments-core/internal/crypto"
)

// Scopes gating vault operations.
const (
	ScopeTokenize   = "vault:tokenize"
	ScopeDetokenize = "vault:detokenize"
	ScopeRotate     = "vault:rotate"
)

// Requester identifies an internal caller, resolved from its service token by
// the transport layer.
type Requester struct {
	Name   string
	Source string
	Scopes []string
}

func (r Requester) hasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AccessDeniedError is returned when a requester lacks the required scope.
type AccessDeniedError struct {
	Requester string
	Scope     string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("requester %s lacks scope %s", e.Requester, e.Scope)
}

// TokenizeResult is what leaves the vault after tokenization. No PAN.
type TokenizeResult struct {
	Token  string `json:"token"`
	First6 string `json:"first6"`
	Last4  string `json:"last4"`
	KeyID  string `json:"key_id"`
}

// CardDetails is the detokenized payload, returned only to callers holding
// the detokenize scope.
type CardDetails struct {
	PAN    string `json:"pan"`
	Expiry string `json:"expiry"`
}

// Service is the vault boundary. Every tokenize and detokenize attempt is
// audited, including denials.
type Service struct {
	store     *Store
	tokenizer *Tokenizer
	encryptor *crypto.AEADEncryptor
	ring      *crypto.Keyring
	log       *slog.Logger
}

// NewService creates the vault service.
func NewService(store *Store, ring *crypto.Keyring, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     store,
		tokenizer: NewTokenizer(),
		encryptor: crypto.NewAEADEncryptor(ring),
		ring:      ring,
		log:       log,
	}
}

// Tokenize validates, encrypts, and stores a card, returning an opaque token.
// The plaintext PAN never leaves this call.
func (s *Service) Tokenize(ctx context.Context, requester Requester, pan, expiry string) (*TokenizeResult, error) {
	if !requester.hasScope(ScopeTokenize) {
		s.audit(ctx, "tokenize", requester, "", "denied", "missing scope")
		return nil, &AccessDeniedError{Requester: requester.Name, Scope: ScopeTokenize}
	}

	card, err := s.tokenizer.Validate(pan, expiry)
	if err != nil {
		s.audit(ctx, "tokenize", requester, "", "rejected", err.Error())
		return nil, err
	}

	token, err := s.tokenizer.NewToken()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(CardDetails{PAN: card.PAN, Expiry: card.Expiry})
	if err != nil {
		return nil, fmt.Errorf("failed to encode card payload: %w", err)
	}
	enc, err := s.encryptor.Encrypt(payload, []byte(token))
	if err != nil {
		s.audit(ctx, "tokenize", requester, token, "error", "encryption failed")
		return nil, fmt.Errorf("encryption failed: %w", err)
	}

	if err := s.store.InsertCard(ctx, token, card.First6, card.Last4, enc, time.Now().UTC()); err != nil {
		return nil, err
	}

	s.audit(ctx, "tokenize", requester, token, "success", "")
	s.log.InfoContext(ctx, "card tokenized",
		"token", token, "first6", card.First6, "last4", card.Last4, "key_id", enc.KeyID)
	return &TokenizeResult{Token: token, First6: card.First6, Last4: card.Last4, KeyID: enc.KeyID}, nil
}

// Detokenize resolves a token back to card details for authorized internal
// callers only.
func (s *Service) Detokenize(ctx context.Context, requester Requester, token string) (*CardDetails, error) {
	if !requester.hasScope(ScopeDetokenize) {
		s.audit(ctx, "detokenize", requester, token, "denied", "missing scope")
		return nil, &AccessDeniedError{Requester: requester.Name, Scope: ScopeDetokenize}
	}

	_, enc, err := s.store.GetCard(ctx, token)
	if err != nil {
		s.audit(ctx, "detokenize", requester, token, "not_found", "")
		return nil, err
	}

	plaintext, err := s.encryptor.Decrypt(enc)
	if err != nil {
		s.audit(ctx, "detokenize", requester, token, "error", "decryption failed")
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	var details CardDetails
	if err := json.Unmarshal(plaintext, &details); err != nil {
		return nil, fmt.Errorf("failed to decode card payload: %w", err)
	}

	s.audit(ctx, "detokenize", requester, token, "success", "")
	return &details, nil
}

// Metadata returns the non-sensitive display record for a token. No
// encrypted material is touched.
func (s *Service) Metadata(ctx context.Context, token string) (*TokenRecord, error) {
	rec, _, err := s.store.GetCard(ctx, token)
	return rec, err
}

// RotateKey introduces a new active key, re-encrypts every stored card under
// it, and retires the old version once nothing references it.
func (s *Service) RotateKey(ctx context.Context, requester Requester) (reencrypted int, err error) {
	if !requester.hasScope(ScopeRotate) {
		s.audit(ctx, "rotate_key", requester, "", "denied", "missing scope")
		return 0, &AccessDeniedError{Requester: requester.Name, Scope: ScopeRotate}
	}

	previous, err := s.ring.Active()
	if err != nil {
		return 0, err
	}
	next, err := s.ring.Rotate()
	if err != nil {
		return 0, err
	}

	tokens, err := s.store.TokensByKey(ctx, previous.ID)
	if err != nil {
		return 0, err
	}
	for _, token := range tokens {
		_, enc, err := s.store.GetCard(ctx, token)
		if err != nil {
			return reencrypted, err
		}
		plaintext, err := s.encryptor.Decrypt(enc)
		if err != nil {
			return reencrypted, fmt.Errorf("rotation decrypt %s: %w", token, err)
		}
		fresh, err := s.encryptor.EncryptWithKey(next.ID, plaintext, []byte(token))
		if err != nil {
			return reencrypted, fmt.Errorf("rotation encrypt %s: %w", token, err)
		}
		if err := s.store.UpdateCardEncryption(ctx, token, fresh); err != nil {
			return reencrypted, err
		}
		reencrypted++
	}

	if err := s.store.RecordRotation(ctx, previous.ID, next.ID, reencrypted); err != nil {
		return reencrypted, err
	}

	// The old version only retires once no token references it.
	remaining, err := s.store.TokensByKey(ctx, previous.ID)
	if err != nil {
		return reencrypted, err
	}
	if len(remaining) == 0 {
		if err := s.ring.Retire(previous.ID); err != nil {
			return reencrypted, err
		}
	}

	s.audit(ctx, "rotate_key", requester, "", "success",
		fmt.Sprintf("from=%s to=%s reencrypted=%d", previous.ID, next.ID, reencrypted))
	s.log.InfoContext(ctx, "vault key rotated",
		"from", previous.ID, "to", next.ID, "reencrypted", reencrypted)
	return reencrypted, nil
}

// AuditTrail returns the access log in order.
func (s *Service) AuditTrail(ctx context.Context) ([]*AuditEntry, error) {
	return s.store.AuditTrail(ctx)
}

func (s *Service) audit(ctx context.Context, operation string, requester Requester, token, result, detail string) {
	err := s.store.AppendAudit(ctx, &AuditEntry{
		Operation: operation,
		Requester: requester.Name,
		Source:    requester.Source,
		Token:     token,
		Result:    result,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.log.ErrorContext(ctx, "failed to write vault audit entry",
			"operation", operation, "requester", requester.Name, "error", err)
	}
}
