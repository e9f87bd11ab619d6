package authz

import "testing"

func TestPrincipalPolicy(t *testing.T) {
	tests := []struct {
		name string
		req  ForwardRequest
		want bool
	}{
		{"with principal", ForwardRequest{Host: "localhost", Port: 2223, Principal: "alice"}, true},
		{"without principal", ForwardRequest{Host: "localhost", Port: 2223}, false},
		{"empty request", ForwardRequest{}, false},
		{"principal only", ForwardRequest{Principal: "bob"}, true},
	}

	var policy PrincipalPolicy
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.Authorize(tt.req); got != tt.want {
				t.Errorf("Authorize(%+v) = %v, want %v", tt.req, got, tt.want)
			}
		})
	}
}

func TestPrincipalPolicy_Deterministic(t *testing.T) {
	var policy PrincipalPolicy
	req := ForwardRequest{Host: "localhost", Port: 8080, Principal: "alice"}

	first := policy.Authorize(req)
	for i := 0; i < 100; i++ {
		if policy.Authorize(req) != first {
			t.Fatal("repeated calls with the same input returned different results")
		}
	}
}

func TestDenyAllPolicy(t *testing.T) {
	var policy DenyAllPolicy
	if policy.Authorize(ForwardRequest{Principal: "alice"}) {
		t.Error("DenyAllPolicy authorized a request")
	}
}
