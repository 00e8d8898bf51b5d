package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"lexhound/internal/pipeline"
)

type fakeRunner struct {
	resp pipeline.Response
	err  error
	last pipeline.Request
}

func (f *fakeRunner) Run(_ context.Context, req pipeline.Request) (pipeline.Response, error) {
	f.last = req
	if f.err != nil {
		return pipeline.Response{}, f.err
	}
	resp := f.resp
	if resp.RequestID == "" {
		resp.RequestID = req.RequestID
	}
	return resp, nil
}

func postSearch(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/search", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func TestSearchCompleted(t *testing.T) {
	runner := &fakeRunner{resp: pipeline.Response{
		Status:        pipeline.StatusCompleted,
		ExecutionPath: pipeline.PathServerOnly,
	}}
	h := New(zap.NewNop(), runner)

	rec := postSearch(t, h, `{"query":"sanction under section 197 crpc","maxResults":5,"requestId":"req-42"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	var resp pipeline.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RequestID != "req-42" {
		t.Errorf("requestId = %q, want req-42", resp.RequestID)
	}
	if runner.last.Query != "sanction under section 197 crpc" || runner.last.MaxResults != 5 {
		t.Errorf("pipeline request = %+v, fields not forwarded", runner.last)
	}
}

func TestSearchGeneratesRequestID(t *testing.T) {
	runner := &fakeRunner{resp: pipeline.Response{Status: pipeline.StatusCompleted}}
	h := New(zap.NewNop(), runner)

	rec := postSearch(t, h, `{"query":"anticipatory bail under section 438"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if runner.last.RequestID == "" {
		t.Error("request id not filled from middleware")
	}
}

func TestSearchValidation(t *testing.T) {
	h := New(zap.NewNop(), &fakeRunner{})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing query", `{"maxResults":5}`, "query: required"},
		{"short query", `{"query":"ab"}`, "query: min"},
		{"max results over cap", `{"query":"sanction under 197","maxResults":90}`, "maxResults: max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postSearch(t, h, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var body errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			found := false
			for _, f := range body.Fields {
				if f == tt.want {
					found = true
				}
			}
			if !found {
				t.Errorf("fields = %v, want %q", body.Fields, tt.want)
			}
		})
	}
}

func TestSearchRejectsUnknownFields(t *testing.T) {
	h := New(zap.NewNop(), &fakeRunner{})
	rec := postSearch(t, h, `{"query":"sanction under 197","page":3}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown field", rec.Code)
	}
}

func TestSearchBlockedMapsTo429(t *testing.T) {
	runner := &fakeRunner{resp: pipeline.Response{
		Status:       pipeline.StatusBlocked,
		BlockedKind:  "rate_limit",
		RetryAfterMs: 30500,
	}}
	h := New(zap.NewNop(), runner)

	rec := postSearch(t, h, `{"query":"sanction under section 197 crpc"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "31" {
		t.Errorf("Retry-After = %q, want 31", got)
	}
}

func TestSearchRunnerFailure(t *testing.T) {
	h := New(zap.NewNop(), &fakeRunner{err: errors.New("boom")})
	rec := postSearch(t, h, `{"query":"sanction under section 197 crpc"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error != "internal error" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestHealthz(t *testing.T) {
	h := New(zap.NewNop(), &fakeRunner{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}
