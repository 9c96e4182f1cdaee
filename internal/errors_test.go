package internal

import (
	"fmt"
	"testing"
)

func TestIsUnauthorized(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{NewPollError(PollUnauthorized, fmt.Errorf("HTTP 401")), true},
		{NewAuthError(AuthInvalidCredential, fmt.Errorf("rejected")), true},
		{NewPollError(PollTimeout, fmt.Errorf("deadline")), false},
		{NewPollError(PollServerError, fmt.Errorf("HTTP 500")), false},
		{NewAuthError(AuthNetworkUnavailable, fmt.Errorf("refused")), false},
		{fmt.Errorf("wrapped: %w", NewPollError(PollUnauthorized, fmt.Errorf("HTTP 401"))), true},
		{fmt.Errorf("plain"), false},
	}
	for _, c := range cases {
		if got := IsUnauthorized(c.err); got != c.want {
			t.Errorf("IsUnauthorized(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestIsInvalidCredential(t *testing.T) {
	if !IsInvalidCredential(NewAuthError(AuthInvalidCredential, fmt.Errorf("no"))) {
		t.Errorf("expected invalid credential to be detected")
	}
	if IsInvalidCredential(NewAuthError(AuthServerError, fmt.Errorf("boom"))) {
		t.Errorf("server error misclassified as invalid credential")
	}
}
