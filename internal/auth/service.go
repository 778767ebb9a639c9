package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"LedgerFlow/pkg/logger"

	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultIssuer    = "ledgerflow"
	defaultAccessTTL = 24 * time.Hour
	minSecretLength  = 16
)

// claims 是访问令牌中携带的声明。
type claims struct {
	Permissions []string `json:"perms"`
	jwt.RegisteredClaims
}

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode    Mode
	secret  []byte
	issuer  string
	ttl     time.Duration
	revoked map[string]struct{}
	audit   *slog.Logger
	now     func() time.Time
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{
		mode:    mode,
		issuer:  strings.TrimSpace(cfg.Issuer),
		ttl:     cfg.AccessTTL,
		revoked: make(map[string]struct{}, len(cfg.Revoked)),
		audit:   logger.Audit(),
		now:     time.Now,
	}
	if s.issuer == "" {
		s.issuer = defaultIssuer
	}
	if s.ttl <= 0 {
		s.ttl = defaultAccessTTL
	}
	for _, name := range cfg.Revoked {
		s.revoked[strings.TrimSpace(name)] = struct{}{}
	}

	switch mode {
	case ModeDisabled:
	case ModeJWT:
		if len(cfg.Secret) < minSecretLength {
			return nil, fmt.Errorf("jwt secret 至少需要 %d 个字符", minSecretLength)
		}
		s.secret = []byte(cfg.Secret)
	default:
		return nil, fmt.Errorf("未知的认证模式: %s", cfg.Mode)
	}
	return s, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Issue 为主体签发访问令牌。ttl 非正数时使用配置的默认值。
func (s *Service) Issue(username string, permissions []string, ttl time.Duration) (string, time.Time, error) {
	if s == nil || s.mode != ModeJWT {
		return "", time.Time{}, errors.New("认证未启用 jwt 模式")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", time.Time{}, errors.New("主体名称不能为空")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now()
	expires := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Permissions: append([]string(nil), permissions...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("签名令牌失败: %w", err)
	}
	return signed, expires, nil
}

// AuthenticateRequest 解析 Authorization 头并返回令牌主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return &Subject{Username: "anonymous", Permissions: []string{"*"}}, nil
	}
	raw := strings.TrimSpace(authorization)
	if raw == "" {
		return nil, ErrMissingToken
	}
	const prefix = "bearer "
	if len(raw) < len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return nil, ErrInvalidToken
	}
	raw = strings.TrimSpace(raw[len(prefix):])

	parsed := &claims{}
	_, err := jwt.ParseWithClaims(raw, parsed, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.VerifyIssuer(s.issuer, true) {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	}
	subject := &Subject{Username: parsed.Subject, Permissions: parsed.Permissions}
	if _, revoked := s.revoked[subject.Username]; revoked {
		subject.Disabled = true
		return nil, ErrSubjectRevoked
	}
	subject.normalise()
	return subject, nil
}
