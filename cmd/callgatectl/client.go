package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"callgate/admission/domain"
)

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// apiError é o corpo de erro da API: {"error": {"code", "message"}}.
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type historyRecord struct {
	CallID     string `json:"call_id"`
	Kind       string `json:"kind"`
	Reason     string `json:"reason"`
	PlanID     string `json:"plan"`
	DurationMS int64  `json:"duration_ms"`
	At         string `json:"at"`
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.base, "/")+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var env struct {
			Error apiError `json:"error"`
		}
		if json.Unmarshal(raw, &env) != nil || env.Error.Code == "" {
			env.Error = apiError{Code: "http_error", Message: strings.TrimSpace(string(raw))}
		}
		env.Error.Status = resp.StatusCode
		return nil, &env.Error
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return raw, nil
}

func (c *apiClient) overview(ctx context.Context) (domain.Overview, []byte, error) {
	var ov domain.Overview
	raw, err := c.do(ctx, http.MethodGet, "/v1/monitor/overview", nil, &ov)
	return ov, raw, err
}

func (c *apiClient) store(ctx context.Context, id string) (domain.StoreDetail, []byte, error) {
	var d domain.StoreDetail
	raw, err := c.do(ctx, http.MethodGet, "/v1/monitor/stores/"+url.PathEscape(id), nil, &d)
	return d, raw, err
}

func (c *apiClient) history(ctx context.Context, id string, limit int) ([]historyRecord, []byte, error) {
	var out struct {
		Records []historyRecord `json:"records"`
	}
	path := fmt.Sprintf("/v1/monitor/stores/%s/history?limit=%d", url.PathEscape(id), limit)
	raw, err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Records, raw, err
}

func (c *apiClient) action(ctx context.Context, cmd domain.AdminCommand) (domain.ActionResult, error) {
	var res domain.ActionResult
	_, err := c.do(ctx, http.MethodPost, "/v1/admin/actions", cmd, &res)
	return res, err
}
