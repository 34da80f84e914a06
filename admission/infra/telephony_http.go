package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"callgate/admission/domain"
)

// HTTPTelephony fala com o provedor de telefonia:
//
//	POST {base}/calls/{externalID}/hangup
//	POST {base}/calls/{externalID}/connect
//	POST {base}/calls/{externalID}/bridge  {"target":"..."}
//
// Qualquer falha (rede, status != 2xx) vira CodeProvider.
type HTTPTelephony struct {
	base   string
	token  string
	client *http.Client
}

func NewHTTPTelephony(base, token string, client *http.Client) *HTTPTelephony {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPTelephony{base: strings.TrimRight(base, "/"), token: token, client: client}
}

func (t *HTTPTelephony) Hangup(ctx context.Context, call domain.CallRef) error {
	return t.post(ctx, call, "hangup", nil)
}

func (t *HTTPTelephony) Connect(ctx context.Context, call domain.CallRef) error {
	return t.post(ctx, call, "connect", nil)
}

func (t *HTTPTelephony) Bridge(ctx context.Context, call domain.CallRef, target string) error {
	return t.post(ctx, call, "bridge", map[string]string{"target": target})
}

func (t *HTTPTelephony) post(ctx context.Context, call domain.CallRef, action string, body any) error {
	id := call.ExternalID
	if id == "" {
		id = string(call.ID)
	}
	var rd io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return domain.WrapError(domain.CodeProvider, "encode "+action+" request", err)
		}
		rd = bytes.NewReader(raw)
	}

	u := t.base + "/calls/" + url.PathEscape(id) + "/" + action
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, rd)
	if err != nil {
		return domain.WrapError(domain.CodeProvider, "build "+action+" request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return domain.WrapError(domain.CodeProvider, action+" "+id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.NewError(domain.CodeProvider, "%s %s: status %d: %s", action, id, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// LogTelephony só loga as ações. Usado quando nenhum provedor está configurado.
type LogTelephony struct {
	Logger *slog.Logger
}

func (t LogTelephony) log() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

func (t LogTelephony) Hangup(_ context.Context, call domain.CallRef) error {
	t.log().Info("telephony hangup", "call_id", call.ID, "external_id", call.ExternalID)
	return nil
}

func (t LogTelephony) Connect(_ context.Context, call domain.CallRef) error {
	t.log().Info("telephony connect", "call_id", call.ID, "external_id", call.ExternalID)
	return nil
}

func (t LogTelephony) Bridge(_ context.Context, call domain.CallRef, target string) error {
	t.log().Info("telephony bridge", "call_id", call.ID, "external_id", call.ExternalID, "target", target)
	return nil
}
