package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"callgate/admission/domain"
)

// HTTPPlanSource consulta o serviço de billing:
//
//	GET {base}/stores/{id}/subscription -> {"plan_id","max_concurrent","max_queue","expires_at"}
//
// 404 vira CodeNotFound; qualquer outra falha volta como erro comum
// (o resolver aplica o fallback conservador).
type HTTPPlanSource struct {
	base   string
	token  string
	client *http.Client
}

func NewHTTPPlanSource(base, token string, client *http.Client) *HTTPPlanSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPPlanSource{base: strings.TrimRight(base, "/"), token: token, client: client}
}

type subscriptionDTO struct {
	PlanID        string    `json:"plan_id"`
	MaxConcurrent int       `json:"max_concurrent"`
	MaxQueue      int       `json:"max_queue"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (s *HTTPPlanSource) Subscription(ctx context.Context, id domain.StoreID) (domain.Subscription, error) {
	u := s.base + "/stores/" + url.PathEscape(string(id)) + "/subscription"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("build billing request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("billing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.Subscription{}, domain.NewError(domain.CodeNotFound, "no subscription for store %s", id)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Subscription{}, fmt.Errorf("billing status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var dto subscriptionDTO
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&dto); err != nil {
		return domain.Subscription{}, fmt.Errorf("decode billing response: %w", err)
	}
	return domain.Subscription{
		StoreID:   id,
		Plan:      domain.Plan{ID: dto.PlanID, MaxConcurrent: dto.MaxConcurrent, MaxQueue: dto.MaxQueue},
		ExpiresAt: dto.ExpiresAt,
	}, nil
}
