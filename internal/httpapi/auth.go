package httpapi

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strings"
)

const webhookSignatureHeader = "X-Trello-Webhook"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// webhookSignature is base64(HMAC-SHA1(secret, body + callbackURL)).
func webhookSignature(secret, callbackURL string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write(body)
	_, _ = mac.Write([]byte(callbackURL))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func verifyWebhookSignature(secret, callbackURL, signature string, body []byte) *authError {
	if strings.TrimSpace(secret) == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "webhook secret not configured"}
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing " + webhookSignatureHeader + " header"}
	}
	expected := webhookSignature(secret, callbackURL, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "webhook signature mismatch"}
	}
	return nil
}

// authorizeTrigger accepts any request when no token is configured.
func authorizeTrigger(authHeader, token string) *authError {
	if token == "" {
		return nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if !hmac.Equal([]byte(raw), []byte(token)) {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid trigger token"}
	}
	return nil
}
