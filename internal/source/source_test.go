package source

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/johndauphine/obs-harvest/internal/config"
)

func TestThrottled(t *testing.T) {
	base := errors.New("HTTP 429")
	err := fmt.Errorf("provider inat: %w", Throttled(base))

	if !IsThrottled(err) {
		t.Error("IsThrottled() = false for wrapped throttle")
	}
	if !errors.Is(err, base) {
		t.Error("wrapped cause lost")
	}
	if IsThrottled(base) {
		t.Error("IsThrottled() = true for plain error")
	}
	if Throttled(nil) != nil {
		t.Error("Throttled(nil) should be nil")
	}
}

func TestCursorString(t *testing.T) {
	tests := []struct {
		cursor Cursor
		want   string
	}{
		{Cursor{}, "start"},
		{Cursor{AfterID: 42}, "id>42"},
		{Cursor{Since: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}, "updated>2024-05-01T12:00:00Z"},
		{Cursor{AfterID: 7, Token: "abc"}, "id>7,token=abc"},
	}
	for _, tt := range tests {
		if got := tt.cursor.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestOpenUnknownType(t *testing.T) {
	_, err := Open(config.ProviderConfig{Name: "x", Source: config.SourceConfig{Type: "ftp"}})
	if err == nil {
		t.Fatal("Open() should fail for unknown type")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("test-dup", func(config.ProviderConfig) (Client, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Error("duplicate Register() should panic")
		}
	}()
	Register("test-dup", func(config.ProviderConfig) (Client, error) { return nil, nil })
}
