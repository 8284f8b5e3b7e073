package middleware

import (
	"strings"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"
	"peercall/pkg/errors"
	"peercall/pkg/logger"
	"peercall/pkg/validation"

	"github.com/gin-gonic/gin"
)

const participantKey = "participant_id"

// AuthMiddleware resolves the participant behind a request. The token is
// read from the Authorization header or the "token" query parameter, since
// browsers cannot set headers on a websocket upgrade. When required is
// false and no token is given, the "participant_id" query parameter is
// trusted instead.
func AuthMiddleware(authService services.AuthService, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			c.Error(err)
			c.Abort()
			return
		}

		var participant domain.ParticipantID
		switch {
		case token != "":
			claims, err := authService.ValidateToken(token)
			if err != nil {
				c.Error(errors.NewUnauthorizedError(err.Error()))
				c.Abort()
				return
			}
			participant = claims.ParticipantID
		case required:
			c.Error(errors.NewUnauthorizedError("authorization token required"))
			c.Abort()
			return
		default:
			id := c.Query("participant_id")
			if err := validation.ValidateParticipantID(id); err != nil {
				c.Error(errors.NewInvalidInputError(err.Error()))
				c.Abort()
				return
			}
			participant = domain.ParticipantID(id)
		}

		c.Set(participantKey, participant)
		c.Request = c.Request.WithContext(logger.WithParticipantID(c.Request.Context(), string(participant)))
		c.Next()
	}
}

// ParticipantFromContext returns the participant resolved by AuthMiddleware.
func ParticipantFromContext(c *gin.Context) (domain.ParticipantID, bool) {
	v, ok := c.Get(participantKey)
	if !ok {
		return "", false
	}
	id, ok := v.(domain.ParticipantID)
	return id, ok && id != ""
}

func bearerToken(c *gin.Context) (string, *errors.AppError) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", errors.NewUnauthorizedError("invalid authorization header format")
		}
		return parts[1], nil
	}
	return c.Query("token"), nil
}
