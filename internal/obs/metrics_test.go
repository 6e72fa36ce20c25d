package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/jobs":                      "/v1/jobs",
		"/v1/jobs/stream":               "/v1/jobs/stream",
		"/v1/jobs/01J5QZG2N3":           "/v1/jobs/:id",
		"/v1/jobs/01J5QZG2N3/requeue":   "/v1/jobs/:id/requeue",
		"/v1/integrations":              "/v1/integrations",
		"/v1/integrations/fortnox":      "/v1/integrations/:type",
		"/v1/integrations/tink/connect": "/v1/integrations/:type/connect",
		"/v1/jobs?limit=10":             "/v1/jobs",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
