package infra

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"callgate/admission/domain"
)

func TestHTTPTelephony_Actions(t *testing.T) {
	var gotPath, gotTarget string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		gotPath = r.URL.Path
		if r.URL.Path == "/calls/ext-9/bridge" {
			var body struct {
				Target string `json:"target"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			gotTarget = body.Target
		}
		if r.URL.Path == "/calls/ext-bad/hangup" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tel := NewHTTPTelephony(srv.URL, "", srv.Client())
	ctx := context.Background()

	if err := tel.Hangup(ctx, domain.CallRef{ID: "c1", ExternalID: "ext-1"}); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if gotPath != "/calls/ext-1/hangup" {
		t.Fatalf("unexpected path %q", gotPath)
	}

	// sem id externo usa o id interno
	if err := tel.Connect(ctx, domain.CallRef{ID: "c2"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if gotPath != "/calls/c2/connect" {
		t.Fatalf("unexpected path %q", gotPath)
	}

	if err := tel.Bridge(ctx, domain.CallRef{ID: "c9", ExternalID: "ext-9"}, "+5511999990000"); err != nil {
		t.Fatalf("bridge: %v", err)
	}
	if gotTarget != "+5511999990000" {
		t.Fatalf("unexpected target %q", gotTarget)
	}

	err := tel.Hangup(ctx, domain.CallRef{ID: "c3", ExternalID: "ext-bad"})
	if !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected provider_error, got %v", err)
	}
}

func TestHTTPTelephony_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewHTTPTelephony(url, "", nil).Hangup(context.Background(), domain.CallRef{ID: "c1"})
	if domain.CodeOf(err) != domain.CodeProvider {
		t.Fatalf("expected provider_error, got %v", err)
	}
}
