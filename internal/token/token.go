// Package token реализует подпись sync-запросов.
//
// Оба пира владеют общим секретом; заголовок x-sync-token несет
// короткоживущий HS256 JWT с идентификатором и ролью клиента,
// подписанный ключом, производным от секрета. Сам секрет по сети
// не ходит.
package token

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"
)

// Роли клиентов синхронизации
const (
	// RoleAgent полный доступ: push и pull
	RoleAgent = "agent"
	// RoleReadonly только pull (витрины, зеркала)
	RoleReadonly = "readonly"
)

// Параметры Argon2id для деривации ключа подписи из общего секрета
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// keyContext доменная привязка производного ключа: тот же секрет,
// использованный в другом контексте, даст другой ключ
const keyContext = "marketsync/sync-token/v1"

// Claims представляет JWT claims sync-токена
type Claims struct {
	ClientID string `json:"client_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Config содержит конфигурацию подписи токенов
type Config struct {
	SigningKey []byte
	TTL        time.Duration
}

// NewConfig выводит ключ подписи из общего секрета и возвращает
// готовую конфигурацию. ttl ограничивает время жизни каждого токена.
func NewConfig(sharedSecret string, ttl time.Duration) (Config, error) {
	if sharedSecret == "" {
		return Config{}, fmt.Errorf("shared secret cannot be empty")
	}

	// Соль детерминированная: обе стороны должны получить один ключ
	salt := sha256.Sum256([]byte(keyContext))
	key := argon2.IDKey([]byte(sharedSecret), salt[:], argonTime, argonMemory, argonThreads, argonKeyLen)

	return Config{SigningKey: key, TTL: ttl}, nil
}

// Mint создает подписанный sync-токен для клиента с заданной ролью
func Mint(cfg Config, clientID, role string) (string, error) {
	if clientID == "" {
		return "", fmt.Errorf("client id cannot be empty")
	}
	if role != RoleAgent && role != RoleReadonly {
		return "", fmt.Errorf("unknown role: %q", role)
	}

	now := time.Now()
	claims := Claims{
		ClientID: clientID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "marketsync",
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// Validate валидирует и парсит sync-токен
func Validate(cfg Config, tokenString string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		// Принимаем только HMAC: токен с другим алгоритмом - подделка
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return cfg.SigningKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}
