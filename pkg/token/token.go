package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/nao1215/agrigw/pkg/rbac"
)

const (
	// DefaultAccessTTL はアクセストークンの既定の有効期間。
	DefaultAccessTTL = 15 * time.Minute
	// DefaultRefreshTTL はリフレッシュトークンの既定の有効期間。
	DefaultRefreshTTL = 7 * 24 * time.Hour
	// DefaultIssuer は既定の発行者。
	DefaultIssuer = "agrigw"
	// DefaultAudience は既定の対象者。
	DefaultAudience = "agrigw-api"
)

var (
	// ErrInvalidToken はトークンが不正・期限切れ・署名不一致であることを表す。
	ErrInvalidToken = errors.New("トークンが無効です")
	// ErrMissingSecret は署名用の秘密鍵が設定されていないことを表す。
	ErrMissingSecret = errors.New("JWTの秘密鍵が設定されていません")
	// ErrInvalidSubject は発行対象の情報が不正であることを表す。
	ErrInvalidSubject = errors.New("トークンの発行対象が不正です")
)

// Type はトークンの種別。
type Type string

const (
	// TypeAccess は短命なアクセストークン。ゲートウェイが受け付けるのはこの種別のみ。
	TypeAccess Type = "access"
	// TypeRefresh はアクセストークン再発行用の長命なトークン。
	TypeRefresh Type = "refresh"
)

// Claims はJWTのクレーム。
type Claims struct {
	jwt.RegisteredClaims
	// Role はユーザーのロール。
	Role string `json:"role"`
	// FarmID は操作対象を限定する農場ID。未設定の場合は省略される。
	FarmID string `json:"farm_id,omitempty"`
	// Type はトークン種別。
	Type Type `json:"typ"`
}

// Subject はトークン発行時の入力。
type Subject struct {
	// ID はユーザーの一意識別子。
	ID string
	// Role はユーザーのロール。
	Role rbac.Role
	// FarmID は任意の農場スコープ。
	FarmID string
}

// Identity は検証済みトークンから得られる呼び出し元の情報。
// 1リクエストの間だけ存在し、永続化しない。
type Identity struct {
	// Subject はユーザーの一意識別子。
	Subject string
	// Role はユーザーのロール。
	Role rbac.Role
	// FarmID は任意の農場スコープ。
	FarmID string
	// Type はトークン種別。
	Type Type
	// ID はトークン自体の識別子（jti）。
	ID string
	// IssuedAt は発行日時。
	IssuedAt time.Time
	// ExpiresAt は有効期限。
	ExpiresAt time.Time
}

// Config はCodecの設定。
type Config struct {
	// Secret はHS256署名用の共有秘密鍵。
	Secret string
	// Issuer は発行者。検証時に一致を確認する。
	Issuer string
	// Audience は対象者。検証時に一致を確認する。
	Audience string
	// AccessTTL はアクセストークンの有効期間。
	AccessTTL time.Duration
	// RefreshTTL はリフレッシュトークンの有効期間。
	RefreshTTL time.Duration
}

// Codec はトークンの署名と検証を行う。
// 生成後は状態を変更しないため、複数のゴルーチンから同時に利用できる。
type Codec struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      clockwork.Clock
}

// Option はCodecの生成オプション。
type Option func(*Codec)

// WithClock は現在時刻の取得元を差し替える。
func WithClock(clock clockwork.Clock) Option {
	return func(c *Codec) {
		c.clock = clock
	}
}

// NewCodec は新しいCodecを生成する。
// 未設定の項目には既定値を使用する。
func NewCodec(cfg Config, opts ...Option) (*Codec, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}

	c := &Codec{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		clock:      clockwork.NewRealClock(),
	}
	if c.issuer == "" {
		c.issuer = DefaultIssuer
	}
	if c.audience == "" {
		c.audience = DefaultAudience
	}
	if c.accessTTL <= 0 {
		c.accessTTL = DefaultAccessTTL
	}
	if c.refreshTTL <= 0 {
		c.refreshTTL = DefaultRefreshTTL
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL はトークン種別ごとの有効期間を返す。
func (c *Codec) TTL(typ Type) time.Duration {
	if typ == TypeRefresh {
		return c.refreshTTL
	}
	return c.accessTTL
}

// SignAccess はアクセストークンを発行する。
func (c *Codec) SignAccess(subject Subject) (string, error) {
	return c.Sign(TypeAccess, subject)
}

// SignRefresh はリフレッシュトークンを発行する。
func (c *Codec) SignRefresh(subject Subject) (string, error) {
	return c.Sign(TypeRefresh, subject)
}

// Sign は指定種別のトークンを発行する。
// 発行日時は秒単位に切り捨て、有効期限は発行日時にTTLを加えた値になる。
func (c *Codec) Sign(typ Type, subject Subject) (string, error) {
	if typ != TypeAccess && typ != TypeRefresh {
		return "", fmt.Errorf("未知のトークン種別です: %q", typ)
	}
	if subject.ID == "" {
		return "", fmt.Errorf("%w: subjectが空です", ErrInvalidSubject)
	}
	if !subject.Role.Valid() {
		return "", fmt.Errorf("%w: %w", ErrInvalidSubject, rbac.ErrInvalidRole)
	}

	now := c.clock.Now().Truncate(time.Second)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.ID,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.TTL(typ))),
			ID:        uuid.NewString(),
		},
		Role:   string(subject.Role),
		FarmID: subject.FarmID,
		Type:   typ,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// VerifyAccess はアクセストークンを検証する。
func (c *Codec) VerifyAccess(tokenString string) (*Identity, error) {
	return c.Verify(tokenString, TypeAccess)
}

// VerifyRefresh はリフレッシュトークンを検証する。
func (c *Codec) VerifyRefresh(tokenString string) (*Identity, error) {
	return c.Verify(tokenString, TypeRefresh)
}

// Verify はトークンを検証しIdentityを返す。
// 失敗時のエラーは全てErrInvalidTokenを包む。
func (c *Codec) Verify(tokenString string, typ Type) (*Identity, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.clock.Now),
	)

	claims := &Claims{}
	if _, err := parser.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return c.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Type != typ {
		return nil, fmt.Errorf("%w: トークン種別が一致しません: got=%q want=%q", ErrInvalidToken, claims.Type, typ)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: subjectがありません", ErrInvalidToken)
	}
	role, err := rbac.ParseRole(claims.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: iatがありません", ErrInvalidToken)
	}
	if !claims.ExpiresAt.Time.After(c.clock.Now()) {
		return nil, fmt.Errorf("%w: 有効期限切れです", ErrInvalidToken)
	}

	return &Identity{
		Subject:   claims.Subject,
		Role:      role,
		FarmID:    claims.FarmID,
		Type:      claims.Type,
		ID:        claims.ID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
