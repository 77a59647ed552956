package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/walkai-org/walkai-api/internal/constants"
)

func ginContextWithAuth(value string) *gin.Context {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	if value != "" {
		c.Request.Header.Set(constants.AuthorizationHeader, value)
	}
	return c
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		wantToken string
		wantOK    bool
	}{
		{"with bearer prefix", "Bearer secret-token", "secret-token", true},
		{"without prefix", "secret-token", "secret-token", true},
		{"padded token", "Bearer  secret-token ", "secret-token", true},
		{"bare prefix", "Bearer ", "", false},
		{"missing header", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, ok := ExtractBearerToken(ginContextWithAuth(tt.header))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantToken, token)
		})
	}
}
