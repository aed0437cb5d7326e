package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ParseInitData verifies the initData string a Telegram WebApp hands to the
// page and returns its user. maxAge of zero skips the auth_date check.
//
// See https://core.telegram.org/bots/webapps#validating-data-received-via-the-mini-app
func ParseInitData(initData, botToken string, maxAge time.Duration) (User, error) {
	return parseInitData(initData, botToken, maxAge, time.Now())
}

func parseInitData(initData, botToken string, maxAge time.Duration, now time.Time) (User, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrInvalidInitData, err)
	}
	hash := values.Get("hash")
	if hash == "" {
		return User{}, fmt.Errorf("%w: missing hash", ErrInvalidInitData)
	}

	expected := signInitData(values, botToken)
	if !hmac.Equal([]byte(strings.ToLower(hash)), []byte(expected)) {
		return User{}, fmt.Errorf("%w: hash mismatch", ErrInvalidInitData)
	}

	if maxAge > 0 {
		authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil {
			return User{}, fmt.Errorf("%w: bad auth_date", ErrInvalidInitData)
		}
		if now.Sub(time.Unix(authDate, 0)) > maxAge {
			return User{}, ErrInitDataExpired
		}
	}

	var user User
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil {
		return User{}, fmt.Errorf("%w: bad user: %v", ErrInvalidInitData, err)
	}
	if user.ID == 0 {
		return User{}, fmt.Errorf("%w: missing user id", ErrInvalidInitData)
	}
	return user, nil
}

// signInitData computes the hex hash Telegram would attach to values.
func signInitData(values url.Values, botToken string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}
	dataCheck := strings.Join(lines, "\n")

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))

	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(dataCheck))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignInitData builds a signed initData query string. Used by tests and the
// local development relay.
func SignInitData(user User, botToken string, authDate time.Time) (string, error) {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return "", err
	}
	values := url.Values{}
	values.Set("auth_date", strconv.FormatInt(authDate.Unix(), 10))
	values.Set("user", string(userJSON))
	values.Set("hash", signInitData(values, botToken))
	return values.Encode(), nil
}
