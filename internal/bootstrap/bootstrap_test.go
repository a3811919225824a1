package bootstrap_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/internal/bootstrap"
)

func TestFetchToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		want      string
		wantErr   error
		errSubstr string
	}{
		{name: "ok", status: http.StatusOK, body: `{"token":"abc123","expires_in":60}`, want: "abc123"},
		{name: "missing token", status: http.StatusOK, body: `{}`, wantErr: bootstrap.ErrNoToken},
		{name: "empty token", status: http.StatusOK, body: `{"token":""}`, wantErr: bootstrap.ErrNoToken},
		{name: "malformed", status: http.StatusOK, body: `not json`, errSubstr: "decode"},
		{name: "server error", status: http.StatusInternalServerError, body: "boom", errSubstr: "status 500: boom"},
		{name: "forbidden", status: http.StatusForbidden, body: `{"token":"x"}`, errSubstr: "status 403"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet {
					t.Errorf("method = %s, want GET", r.Method)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			got, err := bootstrap.FetchToken(context.Background(), srv.Client(), srv.URL, time.Second)
			switch {
			case tc.wantErr != nil:
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
			case tc.errSubstr != "":
				if err == nil || !strings.Contains(err.Error(), tc.errSubstr) {
					t.Fatalf("err = %v, want containing %q", err, tc.errSubstr)
				}
			default:
				if err != nil {
					t.Fatalf("FetchToken: %v", err)
				}
				if got != tc.want {
					t.Errorf("token = %q, want %q", got, tc.want)
				}
			}
		})
	}
}

func TestFetchToken_TimeoutAbortsRequest(t *testing.T) {
	t.Parallel()

	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			close(aborted)
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	_, err := bootstrap.FetchToken(context.Background(), srv.Client(), srv.URL, 50*time.Millisecond)
	if !errors.Is(err, bootstrap.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("took %v, timeout not enforced", elapsed)
	}
	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Error("server never saw the request aborted")
	}
}

func TestFetchToken_CallerCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := bootstrap.FetchToken(ctx, nil, "http://127.0.0.1:1/token", time.Second)
	if err == nil || errors.Is(err, bootstrap.ErrTimeout) {
		t.Fatalf("err = %v, want a cancellation error", err)
	}
}

func TestFetchToken_BadURL(t *testing.T) {
	t.Parallel()

	if _, err := bootstrap.FetchToken(context.Background(), nil, "://bad", time.Second); err == nil {
		t.Fatal("expected error for malformed URL")
	}
}

func TestAuthHeader(t *testing.T) {
	t.Parallel()

	if got := bootstrap.AuthHeader("abc").Get("Authorization"); got != "Bearer abc" {
		t.Errorf("Authorization = %q", got)
	}
	if got := bootstrap.AuthHeader("").Get("Authorization"); got != "" {
		t.Errorf("empty token produced %q", got)
	}
}
