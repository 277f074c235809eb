// Package jwt проверяет JWT токены персонала (RS256).
// Токены выпускает внешний сервис авторизации, здесь нужен только публичный ключ.
package jwt

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// RoleStaff — роль сотрудника магазина, допущенного к операционным эндпоинтам.
const RoleStaff = "staff"

var (
	ErrInvalidToken = errors.New("невалидный токен")
	ErrRevokedToken = errors.New("токен отозван")
)

// Claims содержит данные JWT токена.
type Claims struct {
	jwt.RegisteredClaims
	StaffID string `json:"staff_id"`
	Role    string `json:"role,omitempty"`
}

// Config содержит параметры Validator.
type Config struct {
	PublicKeyPath string
	Issuer        string
}

// Validator проверяет подпись, издателя и отзыв токенов.
type Validator struct {
	publicKey *rsa.PublicKey
	issuer    string
	blacklist *Blacklist
}

// NewValidator загружает публичный ключ из PEM файла.
func NewValidator(cfg Config) (*Validator, error) {
	publicKey, err := LoadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки публичного ключа: %w", err)
	}
	return NewValidatorWithKey(publicKey, cfg.Issuer), nil
}

// NewValidatorWithKey создаёт Validator с уже загруженным ключом.
func NewValidatorWithKey(publicKey *rsa.PublicKey, issuer string) *Validator {
	return &Validator{publicKey: publicKey, issuer: issuer}
}

// SetBlacklist подключает проверку отозванных токенов.
func (v *Validator) SetBlacklist(bl *Blacklist) {
	v.blacklist = bl
}

// Blacklist возвращает подключённый blacklist (может быть nil).
func (v *Validator) Blacklist() *Blacklist {
	return v.blacklist
}

// ValidateToken проверяет подпись и стандартные claims.
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.StaffID == "" {
		claims.StaffID = claims.Subject
	}

	return claims, nil
}

// Validate проверяет токен и blacklist.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := v.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	if v.blacklist == nil {
		return claims, nil
	}

	revoked, err := v.blacklist.Check(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки blacklist: %w", err)
	}
	if revoked {
		return nil, ErrRevokedToken
	}

	if claims.IssuedAt != nil {
		invalidated, err := v.blacklist.IsUserInvalidated(ctx, claims.StaffID, claims.IssuedAt.Time)
		if err != nil {
			return nil, fmt.Errorf("ошибка проверки инвалидации сотрудника: %w", err)
		}
		if invalidated {
			return nil, ErrRevokedToken
		}
	}

	return claims, nil
}

// LoadPublicKey загружает RSA публичный ключ из PEM файла (PKIX или PKCS#1).
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла %s: %w", path, err)
	}
	return ParsePublicKey(data)
}

// ParsePublicKey разбирает RSA публичный ключ из PEM.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("не удалось декодировать PEM блок")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("ключ не является RSA публичным ключом")
	}

	return rsaKey, nil
}
