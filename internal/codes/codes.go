// Package codes issues one-time offline redemption codes backed by Redis.
package codes

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownCode is returned for a code that was never issued or has expired.
	ErrUnknownCode = errors.New("codes: unknown or expired code")
	// ErrAlreadyRedeemed is returned when a code is presented a second time.
	ErrAlreadyRedeemed = errors.New("codes: code already redeemed")
)

// DefaultTTL is how long an issued code remains redeemable.
const DefaultTTL = 72 * time.Hour

const (
	defaultPrefix = "safepassage:code:"
	issueAttempts = 3
)

// Code is an issued redemption code.
type Code struct {
	Code             string          `json:"code"`
	VerificationHash string          `json:"verification_hash"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
}

// Store persists codes in Redis. Rand and Now are replaceable for tests.
type Store struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger

	Rand io.Reader
	Now  func() time.Time
}

// NewStore wraps a Redis client. An empty prefix selects the default.
func NewStore(client *redis.Client, prefix string, logger zerolog.Logger) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "codes").Logger(),
		Rand:   rand.Reader,
		Now:    time.Now,
	}
}

func (s *Store) codeKey(code string) string     { return s.prefix + code }
func (s *Store) redeemedKey(code string) string { return s.prefix + "redeemed:" + code }

// Issue creates a code for amount and stores it with the given TTL. A
// non-positive ttl selects DefaultTTL.
func (s *Store) Issue(ctx context.Context, amount decimal.Decimal, currency string, ttl time.Duration) (Code, error) {
	if s == nil || s.client == nil {
		return Code{}, fmt.Errorf("codes store not configured")
	}
	if !amount.IsPositive() {
		return Code{}, fmt.Errorf("amount must be positive, got %s", amount)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return Code{}, fmt.Errorf("currency must be a 3-letter code, got %q", currency)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	for attempt := 0; attempt < issueAttempts; attempt++ {
		raw, err := s.randomCode()
		if err != nil {
			return Code{}, err
		}
		now := s.Now().UTC()
		code := Code{
			Code:      raw,
			Amount:    amount,
			Currency:  currency,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		code.VerificationHash = verificationHash(code)

		payload, err := json.Marshal(code)
		if err != nil {
			return Code{}, fmt.Errorf("encode code: %w", err)
		}
		ok, err := s.client.SetNX(ctx, s.codeKey(raw), string(payload), ttl).Result()
		if err != nil {
			return Code{}, fmt.Errorf("store code: %w", err)
		}
		if ok {
			s.logger.Info().Str("code", raw).Str("currency", currency).Time("expires_at", code.ExpiresAt).Msg("redemption code issued")
			return code, nil
		}
		s.logger.Debug().Str("code", raw).Msg("code collision, retrying")
	}
	return Code{}, fmt.Errorf("could not allocate a unique code after %d attempts", issueAttempts)
}

// Redeem invalidates code. It succeeds exactly once per issued code.
func (s *Store) Redeem(ctx context.Context, raw string) (Code, error) {
	if s == nil || s.client == nil {
		return Code{}, fmt.Errorf("codes store not configured")
	}
	raw = strings.ToUpper(strings.TrimSpace(raw))

	payload, err := s.client.Get(ctx, s.codeKey(raw)).Result()
	if errors.Is(err, redis.Nil) {
		return Code{}, ErrUnknownCode
	}
	if err != nil {
		return Code{}, fmt.Errorf("load code: %w", err)
	}
	var code Code
	if err := json.Unmarshal([]byte(payload), &code); err != nil {
		return Code{}, fmt.Errorf("decode code %s: %w", raw, err)
	}
	if code.VerificationHash != verificationHash(code) {
		return Code{}, fmt.Errorf("code %s failed verification", raw)
	}
	remaining := code.ExpiresAt.Sub(s.Now())
	if remaining <= 0 {
		return Code{}, ErrUnknownCode
	}

	first, err := s.client.SetNX(ctx, s.redeemedKey(raw), s.Now().UTC().Format(time.RFC3339), remaining).Result()
	if err != nil {
		return Code{}, fmt.Errorf("mark code redeemed: %w", err)
	}
	if !first {
		return Code{}, ErrAlreadyRedeemed
	}
	s.logger.Info().Str("code", raw).Msg("redemption code redeemed")
	return code, nil
}

func (s *Store) randomCode() (string, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(s.Rand, buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	h := strings.ToUpper(hex.EncodeToString(buf))
	return "SP-" + h[:4] + "-" + h[4:], nil
}

func verificationHash(c Code) string {
	sum := sha256.Sum256([]byte(c.Code + c.Amount.String() + c.Currency + c.CreatedAt.Format(time.RFC3339Nano)))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:16])
}
