package realtime

import (
	"net/http/httptest"
	"testing"
)

func TestUpgraderOriginCheck(t *testing.T) {
	open := NewUpgrader(nil)
	strict := NewUpgrader([]string{"https://shop.example/", "admin.example"})

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://shop.example", true},
		{"https://admin.example", true},
		{"https://evil.example", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/ws/updates/1/", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if !open.CheckOrigin(r) {
			t.Fatalf("open upgrader rejected %q", tc.origin)
		}
		if got := strict.CheckOrigin(r); got != tc.want {
			t.Fatalf("origin %q: got %v, want %v", tc.origin, got, tc.want)
		}
	}
}
