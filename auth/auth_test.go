package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "header wins over query", header: "Bearer from-header", query: "from-query", want: "from-header"},
		{name: "query only", header: "", query: "from-query", want: "from-query"},
		{name: "neither", header: "", query: "", want: ""},
		{name: "non-bearer header falls back to query", header: "Basic xyz", query: "from-query", want: "from-query"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/relay/topic?token="+tt.query, nil)
			if tt.query == "" {
				req = httptest.NewRequest(http.MethodGet, "/relay/topic", nil)
			}
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			if got := ExtractToken(req); got != tt.want {
				t.Errorf("ExtractToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStaticValidator(t *testing.T) {
	v := StaticValidator{Token: "secret", UserID: "u1"}

	auth, err := v.Validate(nil, "secret", nil)
	if err != nil {
		t.Fatalf("Validate() err = %v", err)
	}
	if auth == nil || auth.UserID != "u1" {
		t.Errorf("got %+v", auth)
	}

	auth, err = v.Validate(nil, "wrong", nil)
	if err != nil {
		t.Fatalf("Validate() err = %v", err)
	}
	if auth != nil {
		t.Errorf("expected rejection, got %+v", auth)
	}
}
