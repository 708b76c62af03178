package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/runstr/exitfee-saga/internal/exitfee-service/infra/httpx"
	"github.com/runstr/exitfee-saga/internal/exitfee-service/infra/httpx/middlewares"
)

type clientOptions struct {
	server   string
	secret   string
	operator string
}

// adminClient calls the admin routes of the exit fee API with a short-lived
// admin token.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func (o *clientOptions) client() (*adminClient, error) {
	if o.secret == "" {
		return nil, errors.New("an admin token secret is required: set JWT_SECRET or --secret")
	}
	token, err := middlewares.SignToken([]byte(o.secret), o.operator, middlewares.RoleAdmin, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	return &adminClient{
		base:  strings.TrimSuffix(o.server, "/"),
		token: token,
		http:  &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (c *adminClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = strings.NewReader(string(b))
	}

	req, err := http.NewRequestWithContext(ctx, method, u, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr httpx.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: %d %s: %s", method, path, resp.StatusCode, apiErr.Error, apiErr.Message)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
