package augment

import (
	"context"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestNewClientRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewClient("", "", nil); !errors.Is(err, errAPIKeyRequired) {
		t.Errorf("NewClient() error = %v, want errAPIKeyRequired", err)
	}
}

func TestNewClientDefaultsModel(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	c, err := NewClient("", "", nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.ModelName() != defaultModelName {
		t.Errorf("ModelName() = %q, want %q", c.ModelName(), defaultModelName)
	}

	c, err = NewClient("", "custom-model", nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.ModelName() != "custom-model" {
		t.Errorf("ModelName() = %q", c.ModelName())
	}
}

func TestNewClientAcceptsExplicitKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewClient("explicit-key", "", nil); err != nil {
		t.Errorf("NewClient() error = %v", err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"rate limited", &anthropic.Error{StatusCode: 429}, true},
		{"server error", &anthropic.Error{StatusCode: 503}, true},
		{"bad request", &anthropic.Error{StatusCode: 400}, false},
		{"auth failure", &anthropic.Error{StatusCode: 401}, false},
		{"network timeout", timeoutErr{}, true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
