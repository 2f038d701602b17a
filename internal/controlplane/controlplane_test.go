package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeResetter struct {
	calls int
	err   error
}

func (f *fakeResetter) Reset(ctx context.Context) error {
	f.calls++
	return f.err
}

func doRequest(t *testing.T, h *Handler, body request) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/reset_stream", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var resp response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestFirstCallReportsFirstTimeTrueWithoutResetting(t *testing.T) {
	rst := &fakeResetter{}
	h := New("secret", rst, 0)

	rec := doRequest(t, h, request{Message: "INIT_STREAM", Auth: "secret"})
	resp := decode(t, rec)

	if resp.Error {
		t.Fatalf("expected success, got %+v", resp)
	}
	if resp.FirstTime == nil || !*resp.FirstTime {
		t.Fatalf("expected first_time=true, got %+v", resp)
	}
	if rst.calls != 0 {
		t.Fatalf("expected no reset on first call, got %d calls", rst.calls)
	}
}

func TestSecondCallTriggersResetAndReportsFirstTimeFalse(t *testing.T) {
	rst := &fakeResetter{}
	h := New("secret", rst, 0)

	doRequest(t, h, request{Message: "INIT_STREAM", Auth: "secret"})
	rec := doRequest(t, h, request{Message: "INIT_STREAM", Auth: "secret"})
	resp := decode(t, rec)

	if resp.Error {
		t.Fatalf("expected success, got %+v", resp)
	}
	if resp.FirstTime == nil || *resp.FirstTime {
		t.Fatalf("expected first_time=false, got %+v", resp)
	}
	if rst.calls != 1 {
		t.Fatalf("expected exactly one reset, got %d", rst.calls)
	}
}

func TestWrongAuthLeavesStateUnchanged(t *testing.T) {
	rst := &fakeResetter{}
	h := New("secret", rst, 0)

	rec := doRequest(t, h, request{Message: "INIT_STREAM", Auth: "wrong"})
	resp := decode(t, rec)

	if !resp.Error {
		t.Fatalf("expected error response for bad auth, got %+v", resp)
	}
	if rst.calls != 0 {
		t.Fatalf("expected no reset on auth failure, got %d calls", rst.calls)
	}
	if h.claimFirstTime() != true {
		t.Fatalf("expected first-time state untouched by the failed auth attempt")
	}
}

func TestResetFailurePropagatesAsErrorResponse(t *testing.T) {
	rst := &fakeResetter{err: errors.New("boom")}
	h := New("secret", rst, 0)

	doRequest(t, h, request{Message: "INIT_STREAM", Auth: "secret"}) // consume first_time
	rec := doRequest(t, h, request{Message: "INIT_STREAM", Auth: "secret"})
	resp := decode(t, rec)

	if !resp.Error {
		t.Fatalf("expected error response when reset fails, got %+v", resp)
	}
}
