package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)

// SessionKey derives a stable key for a checkout request. It identifies the
// request regardless of when it is made.
func SessionKey(req CheckoutRequest, successURL, cancelURL string) string {
	payload, _ := json.Marshal(struct {
		Amount   int64             `json:"amount"`
		Currency string            `json:"currency"`
		Name     string            `json:"name"`
		Success  string            `json:"success"`
		Cancel   string            `json:"cancel"`
		Meta     map[string]string `json:"meta"`
		Failed   []string          `json:"failed,omitempty"`
	}{
		Amount:   req.AmountCents,
		Currency: strings.ToUpper(req.Currency),
		Name:     req.Description,
		Success:  successURL,
		Cancel:   cancelURL,
		Meta:     req.Metadata(),
		Failed:   req.FailedIntents,
	})
	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])[:24]

	if req.ReservationRef != "" {
		return "chk_" + unsafeKeyChars.ReplaceAllString(req.ReservationRef, "_") + "_" + hash
	}
	return "chk_" + hash
}

// IdempotencyKey scopes SessionKey to the session window starting at window.
// Every parameter sent to the provider, expires_at included, is a function of
// the key, so a reused key always carries identical parameters.
func IdempotencyKey(req CheckoutRequest, successURL, cancelURL string, window time.Time) string {
	return SessionKey(req, successURL, cancelURL) + "_" + strconv.FormatInt(window.Unix(), 36)
}
