package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/loyalex/market-api/internal/auth"
	"github.com/loyalex/market-api/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit    = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	orderLimit   = rate.Limit(100.0 / 60.0)  // 100 requests per minute
	marketLimit  = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func getLimiter(path, userID string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := userID + ":" + path
	v, exists := visitors[key]

	if !exists {
		var limit rate.Limit
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = authLimit
		case strings.HasPrefix(path, "/api/v1/orders"):
			limit = orderLimit
		case strings.HasPrefix(path, "/api/v1/orderbook"):
			limit = marketLimit
		default:
			limit = rate.Inf // No limit for other paths
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, 1), // burst of 1
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			userID = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), userID)
		if !limiter.Allow() {
			response.BadRequest(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates bearer tokens signed with the given secret and sets
// the authenticated user id and permission scopes on the request context.
func JWTAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, permissions, err := validateAndExtractToken(c, jwtSecret)
		if err != nil {
			return
		}

		c.Set("userID", userID)
		c.Set("permissions", permissions)
		c.Next()
	}
}

// RequirePermission rejects requests whose token does not carry the given
// scope. Must run after JWTAuth or InternalAuth.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !hasPermission(c, permission) {
			response.Forbidden(c, "Insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}

// InternalAuth guards internal-only endpoints. These run behind the
// internal network; on top of the bearer token scheme the credential must
// carry the funding scope.
func InternalAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, permissions, err := validateAndExtractToken(c, jwtSecret)
		if err != nil {
			return
		}

		c.Set("userID", userID)
		c.Set("permissions", permissions)
		if !hasPermission(c, auth.PermissionFund) {
			response.Forbidden(c, "Funding permission required")
			c.Abort()
			return
		}
		c.Next()
	}
}

func hasPermission(c *gin.Context, permission string) bool {
	raw, exists := c.Get("permissions")
	if !exists {
		return false
	}
	permissions, ok := raw.([]string)
	if !ok {
		return false
	}
	for _, granted := range permissions {
		if granted == permission {
			return true
		}
	}
	return false
}

func validateAndExtractToken(c *gin.Context, jwtSecret string) (string, []string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return "", nil, fmt.Errorf("authorization header required")
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return "", nil, fmt.Errorf("invalid authorization header format")
	}

	tokenString := bearerToken[1]
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})

	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return "", nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		response.Unauthorized(c, "Invalid token claims")
		c.Abort()
		return "", nil, fmt.Errorf("invalid token claims")
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		response.Unauthorized(c, "Invalid user ID in token")
		c.Abort()
		return "", nil, fmt.Errorf("invalid user ID in token")
	}

	var permissions []string
	if granted, ok := claims["permissions"].([]interface{}); ok {
		for _, scope := range granted {
			if name, ok := scope.(string); ok {
				permissions = append(permissions, name)
			}
		}
	}

	return userID, permissions, nil
}
