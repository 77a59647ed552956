package utils

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/walkai-org/walkai-api/internal/constants"
)

const BearerPrefix = "Bearer "

// ExtractBearerToken returns the credential from the Authorization header,
// accepting it with or without the Bearer prefix. A missing header or a bare
// prefix with nothing behind it yields false.
func ExtractBearerToken(ctx *gin.Context) (string, bool) {
	header := ctx.Request.Header.Get(constants.AuthorizationHeader)
	token := strings.TrimSpace(strings.TrimPrefix(header, BearerPrefix))
	if token == "" {
		return "", false
	}
	return token, true
}
