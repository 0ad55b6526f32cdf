package github

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// appJWTLifetime はApp JWTの有効期間。
// GitHub APIは10分を超えるJWTを拒否する。
const appJWTLifetime = 600 * time.Second

// SignAppJWT はGitHub Appとして認証するためのJWTをRS256で署名して返す。
// クレームはiss（App ID）、iat、exp（iat+600秒）のみ。
// 鍵オブジェクトはキャッシュせず、呼び出しごとにPEMから導出する。
func SignAppJWT(appID, privateKeyPEM string) (string, error) {
	if appID == "" {
		return "", &SigningError{Err: errors.New("app ID is empty")}
	}

	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    appID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", &SigningError{Err: err}
	}

	return signed, nil
}
