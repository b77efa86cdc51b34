// Package token 簽發與驗證重新連線用的 session token
//
// token 綁定 (房間碼, 玩家 ID)，玩家斷線後可憑 token 回到原本的座位與盤面。
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims token 內容
type Claims struct {
	RoomID   string `json:"room_id"`
	PlayerID string `json:"player_id"`
	jwt.RegisteredClaims
}

// Issuer 以 HMAC 密鑰簽發與驗證 token
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer 創建 token 簽發器
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Sign 為玩家簽發 token
func (i *Issuer) Sign(roomID, playerID string) (string, error) {
	if roomID == "" || playerID == "" {
		return "", errors.New("empty room or player id")
	}
	now := time.Now()
	claims := Claims{
		RoomID:   roomID,
		PlayerID: playerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   playerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(i.secret)
}

// Verify 驗證 token 並返回內容
func (i *Issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if claims.RoomID == "" || claims.PlayerID == "" {
		return nil, errors.New("token missing room or player")
	}
	return claims, nil
}
