package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	"github.com/wfunc/bill-acceptor/internal/utils"
)

// 令牌权限范围
const (
	ScopeControl = "control"
	ScopeRead    = "read"
)

// AuthMiddleware JWT认证中间件
type AuthMiddleware struct {
	jwt *utils.JWTManager
}

// NewAuthMiddleware 创建认证中间件，jwt为nil或未配置密钥时放行所有请求
func NewAuthMiddleware(jwt *utils.JWTManager) *AuthMiddleware {
	return &AuthMiddleware{jwt: jwt}
}

// RequireAuth 需要认证的中间件
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return m.require("")
}

// RequireScope 需要指定权限范围的中间件
func (m *AuthMiddleware) RequireScope(scope string) gin.HandlerFunc {
	return m.require(scope)
}

func (m *AuthMiddleware) require(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.jwt.Enabled() {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			abort(c, apperrors.New(apperrors.ErrAuthentication))
			return
		}

		claims, err := m.jwt.ValidateToken(token)
		if err != nil {
			code := apperrors.ErrTokenInvalid
			if errors.Is(err, utils.ErrExpiredToken) {
				code = apperrors.ErrTokenExpired
			}
			abort(c, apperrors.Wrap(err, code))
			return
		}

		if scope != "" && claims.Scope != scope {
			abort(c, apperrors.Newf(apperrors.ErrAuthorization, "scope %q required", scope))
			return
		}

		c.Set("operator", claims.Operator)
		c.Set("scope", claims.Scope)
		c.Next()
	}
}

func abort(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus(), apperrors.NewErrorResponse(err, GetRequestID(c)))
}

// extractToken 从请求中提取令牌
func extractToken(c *gin.Context) string {
	// 1. Authorization: Bearer <token>
	bearerToken := c.GetHeader("Authorization")
	if bearerToken != "" {
		parts := strings.Split(bearerToken, " ")
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
	}

	// 2. X-Access-Token
	if token := c.GetHeader("X-Access-Token"); token != "" {
		return token
	}

	// 3. Query参数（浏览器WebSocket无法设置Header）
	if token := c.Query("token"); token != "" {
		return token
	}

	return ""
}

// GetOperator 从上下文获取操作员
func GetOperator(c *gin.Context) (string, bool) {
	if operator, exists := c.Get("operator"); exists {
		if name, ok := operator.(string); ok {
			return name, true
		}
	}
	return "", false
}
