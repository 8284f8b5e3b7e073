package http

import (
	"net/http"
	"strings"

	"peercall/internal/core/services"
	"peercall/internal/infrastructure/middleware"
	"peercall/pkg/errors"
	"peercall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler lets an authenticated participant inspect and renew its relay
// token.
type AuthHandler struct {
	authService services.AuthService
	auth        gin.HandlerFunc
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		auth:        middleware.AuthMiddleware(authService, true),
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth", h.auth)
	{
		api.GET("/me", h.Me)
		api.POST("/refresh", h.RefreshToken)
	}
}

type RefreshTokenRequest struct {
	DisplayName string `json:"display_name"`
}

func (h *AuthHandler) Me(c *gin.Context) {
	participant, _ := middleware.ParticipantFromContext(c)
	c.JSON(http.StatusOK, gin.H{"participant_id": participant})
}

// RefreshToken issues a fresh token for the caller, optionally changing its
// display name.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
	}

	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	participant, _ := middleware.ParticipantFromContext(c)
	token, err := h.authService.GenerateToken(participant, req.DisplayName)
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate token"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"participant_id": participant,
		"access_token":   token,
	})
}
