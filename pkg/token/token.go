package token

import (
	"fmt"
	"strconv"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"LeadFlow/pkg/errors"
)

const (
	claimLead    = "lid"
	claimChannel = "ch"
	claimNonce   = "jti"
	claimType    = "type"

	typeOptOut = "opt_out"
)

// OptOutClaims 退订链接里携带的信息
type OptOutClaims struct {
	Channel    string
	Nonce      string
	LeadPublic int64
}

// OptOutSigner 签发与校验退订 token（HS256）
type OptOutSigner struct {
	now    func() time.Time
	secret []byte
	ttl    time.Duration
}

func NewOptOutSigner(secret string, ttl time.Duration) *OptOutSigner {
	return &OptOutSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// WithClock 注入时钟，测试用
func (s *OptOutSigner) WithClock(now func() time.Time) *OptOutSigner {
	s.now = now
	return s
}

// Sign nonce 是线索上保存的 OptOutToken，换 nonce 即可让旧链接失效
func (s *OptOutSigner) Sign(leadPublicID int64, channel, nonce string) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.Wrap(errors.NotConfigured, "TOKEN_SECRET is empty")
	}

	now := s.now()
	claims := jwtv5.MapClaims{
		claimLead:    strconv.FormatInt(leadPublicID, 10),
		claimChannel: channel,
		claimNonce:   nonce,
		claimType:    typeOptOut,
		"iat":        now.Unix(),
	}
	if s.ttl > 0 {
		claims["exp"] = now.Add(s.ttl).Unix()
	}

	signed, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign opt-out token: %w", err)
	}
	return signed, nil
}

// Verify 校验签名、过期时间与类型
func (s *OptOutSigner) Verify(tokenString string) (*OptOutClaims, error) {
	if tokenString == "" {
		return nil, errors.Wrap(errors.OptOutTokenInvalid, "empty token")
	}

	token, err := jwtv5.ParseWithClaims(tokenString, jwtv5.MapClaims{}, func(token *jwtv5.Token) (interface{}, error) {
		if token.Method != jwtv5.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v, expected HS256", token.Header["alg"])
		}
		return s.secret, nil
	}, jwtv5.WithTimeFunc(s.now))
	if err != nil {
		return nil, errors.Wrap(errors.OptOutTokenInvalid, "%v", err)
	}
	if !token.Valid {
		return nil, errors.OptOutTokenInvalid
	}

	claims, ok := token.Claims.(jwtv5.MapClaims)
	if !ok {
		return nil, errors.OptOutTokenInvalid
	}
	if t, _ := claims[claimType].(string); t != typeOptOut {
		return nil, errors.Wrap(errors.OptOutTokenInvalid, "wrong token type")
	}

	rawLead, _ := claims[claimLead].(string)
	leadID, err := strconv.ParseInt(rawLead, 10, 64)
	if err != nil {
		return nil, errors.Wrap(errors.OptOutTokenInvalid, "lead id missing")
	}
	channel, _ := claims[claimChannel].(string)
	nonce, _ := claims[claimNonce].(string)

	return &OptOutClaims{LeadPublic: leadID, Channel: channel, Nonce: nonce}, nil
}
