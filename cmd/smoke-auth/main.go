package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"videotube.org/internal/ids"
)

type envelope struct {
	Success    bool            `json:"success"`
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	Errors     []string        `json:"errors"`
}

type tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

var client = &http.Client{Timeout: 5 * time.Second}

func main() {
	base := os.Getenv("VIDEOTUBE_BASE_URL")
	if base == "" {
		base = "http://localhost:8000"
	}
	base = strings.TrimRight(base, "/") + "/api/v1/users"

	suffix := strings.ToLower(ids.New()[16:])
	username := "smoke" + suffix
	password := "secret1"

	expect(call(http.MethodPost, base+"/register", "", map[string]any{
		"fullName": "Smoke Test",
		"email":    username + "@example.com",
		"username": username,
		"password": password,
	}), http.StatusCreated, "register")

	env := expect(call(http.MethodPost, base+"/login", "", map[string]any{
		"username": username,
		"password": password,
	}), http.StatusOK, "login")
	var first tokens
	mustUnmarshal(env.Data, &first)

	expect(call(http.MethodPost, base+"/login", "", map[string]any{
		"username": username,
		"password": "wrong",
	}), http.StatusUnauthorized, "login with wrong password")

	env = expect(call(http.MethodPost, base+"/refresh-token", "", map[string]any{
		"refreshToken": first.RefreshToken,
	}), http.StatusOK, "refresh")
	var second tokens
	mustUnmarshal(env.Data, &second)
	if second.RefreshToken == first.RefreshToken {
		log.Fatal("refresh did not rotate the refresh token")
	}

	expect(call(http.MethodPost, base+"/refresh-token", "", map[string]any{
		"refreshToken": first.RefreshToken,
	}), http.StatusUnauthorized, "refresh with rotated token")

	expect(call(http.MethodGet, base+"/current-user", second.AccessToken, nil), http.StatusOK, "current-user")
	expect(call(http.MethodGet, base+"/current-user", "", nil), http.StatusUnauthorized, "current-user without token")

	expect(call(http.MethodPost, base+"/logout", second.AccessToken, nil), http.StatusOK, "logout")
	expect(call(http.MethodPost, base+"/refresh-token", "", map[string]any{
		"refreshToken": second.RefreshToken,
	}), http.StatusUnauthorized, "refresh after logout")

	fmt.Printf("smoke OK: user=%s\n", username)
}

type result struct {
	status int
	env    envelope
}

func call(method, url, token string, body any) result {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			log.Fatalf("marshal: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		log.Fatalf("%s %s: decode: %v", method, url, err)
	}
	return result{status: resp.StatusCode, env: env}
}

func expect(r result, status int, step string) envelope {
	if r.status != status {
		log.Fatalf("%s: expected %d, got %d (%s %v)", step, status, r.status, r.env.Message, r.env.Errors)
	}
	return r.env
}

func mustUnmarshal(raw json.RawMessage, v any) {
	if err := json.Unmarshal(raw, v); err != nil {
		log.Fatalf("decode data: %v", err)
	}
}
