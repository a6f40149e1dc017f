package migrate

import (
	"errors"
	"os"
	"testing"
)

func TestRun_EmptyDSN(t *testing.T) {
	err := Run("", "up")
	if !errors.Is(err, errNoDSN) {
		t.Fatalf("Run with empty DSN = %v, want errNoDSN", err)
	}
	if _, _, err := Version(""); !errors.Is(err, errNoDSN) {
		t.Fatalf("Version with empty DSN = %v, want errNoDSN", err)
	}
}

func TestRun_InvalidDirection(t *testing.T) {
	for _, direction := range []string{"", "sideways", "UP", "Down"} {
		t.Run(direction, func(t *testing.T) {
			if err := Run("postgres://localhost/pairing", direction); err == nil {
				t.Errorf("Run with direction %q should return error", direction)
			}
		})
	}
}

func TestRun_DirectionCheckedBeforeDSN(t *testing.T) {
	err := Run("", "sideways")
	if err == nil || errors.Is(err, errNoDSN) {
		t.Fatalf("Run = %v, want direction error", err)
	}
}

func TestRun_InvalidDSN(t *testing.T) {
	testCases := []struct {
		name string
		dsn  string
	}{
		{"invalid format", "invalid-dsn"},
		{"missing scheme", "://localhost/test"},
		{"spaces", "postgres://localhost with spaces/test"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Run(tc.dsn, "up")
			if err == nil {
				t.Fatalf("Run with invalid DSN %q should return error", tc.dsn)
			}
			if errors.Is(err, ErrNoChange) {
				t.Error("Run should never surface ErrNoChange")
			}
		})
	}
}

func TestRun_UpThenVersion(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	if err := Run(dsn, "up"); err != nil {
		t.Skipf("migrate up failed (expected without a writable database): %v", err)
	}
	if err := Run(dsn, "up"); err != nil {
		t.Fatalf("second up should be a no-op: %v", err)
	}
	version, dirty, err := Version(dsn)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if version < 1 || dirty {
		t.Errorf("Version = %d dirty=%v, want >= 1 and clean", version, dirty)
	}
}
