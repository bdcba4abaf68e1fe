package provisioning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/EternisAI/hearth/internal/events"
	"github.com/EternisAI/hearth/internal/identity"
	"github.com/EternisAI/hearth/internal/metrics"
	"github.com/EternisAI/hearth/internal/store"
	"github.com/google/uuid"
)

const (
	tokenPrefix = "pat_"
	tokenLength = 32 // 32 bytes = 256 bits

	codeLength   = 6
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeAttempts = 5

	DefaultTokenTTL = 72 * time.Hour
	DefaultCodeTTL  = 15 * time.Minute
)

var (
	ErrTokenNotFound = errors.New("trust token not found or expired")
	ErrCodeNotFound  = errors.New("registration code not found, used or expired")
)

// BundleSigner signs agent config bundles with the parent identity.
type BundleSigner interface {
	SignBundle(claims identity.BundleClaims, expiresAt time.Time) (string, error)
}

type Config struct {
	TokenTTL time.Duration
	CodeTTL  time.Duration
	// PublicURL is the parent API URL embedded in bundles when the request
	// does not name one.
	PublicURL string
}

type Service struct {
	store   store.ProvisioningStore
	signer  BundleSigner
	events  events.Publisher
	metrics *metrics.Metrics
	config  Config
	now     func() time.Time
}

func NewService(st store.ProvisioningStore, signer BundleSigner, publisher events.Publisher, m *metrics.Metrics, config Config) *Service {
	if config.TokenTTL <= 0 {
		config.TokenTTL = DefaultTokenTTL
	}
	if config.CodeTTL <= 0 {
		config.CodeTTL = DefaultCodeTTL
	}
	if publisher == nil {
		publisher = events.Nop
	}
	return &Service{
		store:   st,
		signer:  signer,
		events:  publisher,
		metrics: m,
		config:  config,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GenerateToken creates a new opaque trust token with crypto/rand
func GenerateToken() (string, error) {
	bytes := make([]byte, tokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(bytes), nil
}

// HashToken computes SHA-256 hash of the token
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", hash)
}

// CreatePendingToken stores a new trust token and signs the config bundle
// that carries it.
func (s *Service) CreatePendingToken(ctx context.Context, req CreateTokenRequest) (*IssuedToken, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	ttl := s.config.TokenTTL
	if req.TTL > 0 {
		ttl = req.TTL
	}
	parentURL := req.ParentAPIURL
	if parentURL == "" {
		parentURL = s.config.PublicURL
	}
	now := s.now()

	row, err := s.store.CreatePendingToken(ctx, store.CreatePendingTokenParams{
		ID:           uuid.NewString(),
		TokenHash:    HashToken(token),
		ChildID:      req.ChildID,
		Platform:     req.Platform,
		Version:      req.Version,
		ParentAPIURL: parentURL,
		ExpiresAt:    now.Add(ttl),
		Now:          now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	issued := &IssuedToken{Token: toPendingToken(row), Plaintext: token}

	if s.signer != nil {
		claims := identity.BundleClaims{
			ParentAPIURL: parentURL,
			TrustToken:   token,
			Platform:     req.Platform,
			Version:      req.Version,
		}
		if req.ChildID != nil {
			claims.ChildID = *req.ChildID
		}
		bundle, err := s.signer.SignBundle(claims, row.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("failed to sign config bundle: %w", err)
		}
		issued.Bundle = bundle
	}

	slog.Info("Trust token created", "token_id", row.ID, "platform", row.Platform, "expires_at", row.ExpiresAt)
	s.events.Publish(events.Event{
		Type: events.TokenCreated,
		Data: map[string]any{"token_id": row.ID, "platform": row.Platform},
	})
	return issued, nil
}

func (s *Service) ListTokens(ctx context.Context) ([]PendingToken, error) {
	rows, err := s.store.ListPendingTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	result := make([]PendingToken, len(rows))
	for i := range rows {
		result[i] = toPendingToken(&rows[i])
	}
	return result, nil
}

func (s *Service) RevokeToken(ctx context.Context, id string) error {
	if err := s.store.DeletePendingToken(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	slog.Info("Trust token revoked", "token_id", id)
	s.events.Publish(events.Event{Type: events.TokenRevoked, Data: map[string]any{"token_id": id}})
	return nil
}

// RedeemToken consumes an unexpired token. The delete is the commit point:
// of two concurrent redemptions exactly one gets the token, the other gets
// ErrTokenNotFound.
func (s *Service) RedeemToken(ctx context.Context, token string) (*PendingToken, error) {
	if token == "" {
		return nil, ErrTokenNotFound
	}
	row, err := s.store.ConsumePendingToken(ctx, HashToken(token), s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to redeem token: %w", err)
	}
	t := toPendingToken(row)
	slog.Info("Trust token redeemed", "token_id", t.ID)
	return &t, nil
}

// CreateRegistrationCode issues a short single-use code.
func (s *Service) CreateRegistrationCode(ctx context.Context, childID *string, ttl time.Duration) (*RegistrationCode, error) {
	if ttl <= 0 {
		ttl = s.config.CodeTTL
	}
	now := s.now()

	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := generateCode()
		if err != nil {
			return nil, err
		}
		row, err := s.store.CreateRegistrationCode(ctx, store.CreateRegistrationCodeParams{
			Code:      code,
			ChildID:   childID,
			ExpiresAt: now.Add(ttl),
			Now:       now,
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to store registration code: %w", err)
		}
		slog.Info("Registration code created", "expires_at", row.ExpiresAt)
		c := toRegistrationCode(row)
		return &c, nil
	}
	return nil, fmt.Errorf("failed to allocate a unique registration code after %d attempts", codeAttempts)
}

// RedeemCode marks an unused, unexpired code as used.
func (s *Service) RedeemCode(ctx context.Context, code string) (*RegistrationCode, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrCodeNotFound
	}
	row, err := s.store.RedeemRegistrationCode(ctx, code, s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to redeem registration code: %w", err)
	}
	c := toRegistrationCode(row)
	return &c, nil
}

// LinkCode records which agent redeemed a code.
func (s *Service) LinkCode(ctx context.Context, code, agentID string) error {
	if err := s.store.LinkRegistrationCode(ctx, NormalizeCode(code), agentID); err != nil {
		return fmt.Errorf("failed to link registration code: %w", err)
	}
	return nil
}

// ReapExpired deletes expired tokens and unused expired codes.
func (s *Service) ReapExpired(ctx context.Context) (tokens int64, codes int64, err error) {
	now := s.now()
	tokens, err = s.store.DeleteExpiredPendingTokens(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to reap tokens: %w", err)
	}
	codes, err = s.store.DeleteExpiredRegistrationCodes(ctx, now)
	if err != nil {
		return tokens, 0, fmt.Errorf("failed to reap registration codes: %w", err)
	}
	s.metrics.AddReaped(tokens + codes)
	if tokens > 0 || codes > 0 {
		slog.Info("Reaped expired credentials", "tokens", tokens, "codes", codes)
	}
	return tokens, codes, nil
}

// StartReaper runs ReapExpired on every tick until ctx is done. Failures are
// logged only.
func (s *Service) StartReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.ReapExpired(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Expired credential reaper failed", "error", err)
			}
		}
	}
}

// NormalizeCode upper-cases and strips separators typed by users.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

func generateCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate registration code: %w", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func toPendingToken(row *store.PendingAgentToken) PendingToken {
	return PendingToken{
		ID:           row.ID,
		ChildID:      row.ChildID,
		Platform:     row.Platform,
		Version:      row.Version,
		ParentAPIURL: row.ParentAPIURL,
		ExpiresAt:    row.ExpiresAt,
		CreatedAt:    row.CreatedAt,
	}
}

func toRegistrationCode(row *store.RegistrationCode) RegistrationCode {
	return RegistrationCode{
		Code:      row.Code,
		ChildID:   row.ChildID,
		ExpiresAt: row.ExpiresAt,
		Used:      row.Used,
		AgentID:   row.AgentID,
		CreatedAt: row.CreatedAt,
	}
}
