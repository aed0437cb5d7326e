package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/lisuiheng/terrimatch-go/identity"
)

type authResponse struct {
	Token string        `json:"token"`
	User  identity.User `json:"user"`
	Error string        `json:"error"`
}

func exchangeInitData(ctx context.Context, authURL, initData string) (identity.User, string, error) {
	body, err := json.Marshal(map[string]string{"init_data": initData})
	if err != nil {
		return identity.User{}, "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, bytes.NewReader(body))
	if err != nil {
		return identity.User{}, "", fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return identity.User{}, "", fmt.Errorf("telegram login: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return identity.User{}, "", fmt.Errorf("read auth response: %w", err)
	}
	var out authResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return identity.User{}, "", fmt.Errorf("decode auth response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return identity.User{}, "", fmt.Errorf("telegram login rejected: %s (%d)", out.Error, resp.StatusCode)
	}
	if out.Token == "" || out.User.ID == 0 {
		return identity.User{}, "", fmt.Errorf("telegram login: empty token or user")
	}
	return out.User, out.Token, nil
}
