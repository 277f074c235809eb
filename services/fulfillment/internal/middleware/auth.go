// Package middleware содержит HTTP middleware сервиса исполнения заказов.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"example.com/bouquet-shop/pkg/jwt"
	"example.com/bouquet-shop/pkg/logger"
)

// Ключи gin.Context с данными сотрудника.
const (
	ContextStaffID = "staff_id"
	ContextRole    = "role"
	ContextJTI     = "jti"
)

// TokenValidator проверяет токен и возвращает claims.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*jwt.Claims, error)
}

// AuthMiddleware пропускает к операционным эндпоинтам только сотрудников
// с нужной ролью. Подпись, срок действия и отзыв проверяет TokenValidator.
type AuthMiddleware struct {
	validator TokenValidator
	role      string
}

// NewAuthMiddleware создаёт middleware для роли role.
func NewAuthMiddleware(validator TokenValidator, role string) *AuthMiddleware {
	return &AuthMiddleware{validator: validator, role: role}
}

// Handle возвращает Gin handler function для middleware.
func (m *AuthMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logger.FromContext(ctx)

		token := ExtractBearerToken(c)
		if token == "" {
			log.Debug().Msg("Отсутствует токен авторизации")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Требуется авторизация",
			})
			return
		}

		claims, err := m.validator.Validate(ctx, token)
		if err != nil {
			message := "Невалидный токен"
			if errors.Is(err, jwt.ErrRevokedToken) {
				message = "Токен отозван"
			}
			log.Warn().Err(err).Msg("Ошибка валидации токена")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": message,
			})
			return
		}

		if m.role != "" && claims.Role != m.role {
			log.Warn().Str("staff_id", claims.StaffID).Str("role", claims.Role).Msg("Недостаточно прав")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Недостаточно прав",
			})
			return
		}

		c.Set(ContextStaffID, claims.StaffID)
		c.Set(ContextRole, claims.Role)
		c.Set(ContextJTI, claims.ID)

		log.Debug().Str("staff_id", claims.StaffID).Msg("Сотрудник аутентифицирован")
		c.Next()
	}
}

// ExtractBearerToken извлекает токен из заголовка "Authorization: Bearer <token>".
func ExtractBearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
