package config

import (
	"os"
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		expected     string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY_1",
			defaultValue: "default",
			envValue:     "env_value",
			expected:     "env_value",
		},
		{
			name:         "returns default when environment variable is not set",
			key:          "TEST_KEY_2",
			defaultValue: "default",
			envValue:     "",
			expected:     "default",
		},
		{
			name:         "handles empty default value",
			key:          "TEST_KEY_3",
			defaultValue: "",
			envValue:     "env_value",
			expected:     "env_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			result := getenv(tt.key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, result, tt.expected)
			}
		})
	}
}

func TestGetenvTyped(t *testing.T) {
	os.Setenv("TEST_INT", "42")
	os.Setenv("TEST_BAD_INT", "forty")
	os.Setenv("TEST_BOOL", "false")
	os.Setenv("TEST_DURATION", "250ms")
	os.Setenv("TEST_BAD_DURATION", "soon")
	defer func() {
		for _, k := range []string{"TEST_INT", "TEST_BAD_INT", "TEST_BOOL", "TEST_DURATION", "TEST_BAD_DURATION"} {
			os.Unsetenv(k)
		}
	}()

	if got := getenvInt("TEST_INT", 1); got != 42 {
		t.Errorf("getenvInt() = %d, want 42", got)
	}
	if got := getenvInt("TEST_BAD_INT", 1); got != 1 {
		t.Errorf("getenvInt() with invalid value = %d, want default 1", got)
	}
	if got := getenvBool("TEST_BOOL", true); got {
		t.Error("getenvBool() = true, want false")
	}
	if got := getenvDuration("TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Errorf("getenvDuration() = %v, want 250ms", got)
	}
	if got := getenvDuration("TEST_BAD_DURATION", time.Second); got != time.Second {
		t.Errorf("getenvDuration() with invalid value = %v, want default 1s", got)
	}
}

func TestEnsurePort(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{in: "8080", want: ":8080"},
		{in: ":8080", want: ":8080"},
		{in: "0.0.0.0:9090", want: "0.0.0.0:9090"},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		if got := ensurePort(tt.in); got != tt.want {
			t.Errorf("ensurePort(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := FromEnv()

		if cfg.AppName != "logharbor" {
			t.Errorf("AppName = %q, want logharbor", cfg.AppName)
		}
		if cfg.Scheduler.Threads != 8 {
			t.Errorf("Scheduler.Threads = %d, want 8", cfg.Scheduler.Threads)
		}
		if cfg.Tracker.BatchSize != 32 {
			t.Errorf("Tracker.BatchSize = %d, want 32", cfg.Tracker.BatchSize)
		}
		if cfg.Tracker.FailureOverlap != time.Minute {
			t.Errorf("Tracker.FailureOverlap = %v, want 1m", cfg.Tracker.FailureOverlap)
		}
		if cfg.Tracker.FinalPassTimeout != 30*time.Second {
			t.Errorf("Tracker.FinalPassTimeout = %v, want 30s", cfg.Tracker.FinalPassTimeout)
		}
		if cfg.NSQ.SuccessTopic != "ingestion_successes" || cfg.NSQ.FailureTopic != "ingestion_failures" {
			t.Errorf("NSQ topics = %q/%q", cfg.NSQ.SuccessTopic, cfg.NSQ.FailureTopic)
		}
		if !cfg.Destination.RetainBlobOnSuccess {
			t.Error("Destination.RetainBlobOnSuccess = false, want true")
		}
		if cfg.Monitor.HTTPPort != ":8084" || cfg.Monitor.PollInterval != 15*time.Second {
			t.Errorf("Monitor = %+v", cfg.Monitor)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		env := map[string]string{
			"THREADS":                    "3",
			"TRACKER_RECONCILE_INTERVAL": "10s",
			"DEST_DATABASE":              "kdb",
			"DEST_TABLE":                 "events",
			"HTTP_PORT":                  "9000",
			"FAIL_FIRST_N":               "2",
			"MONITOR_HTTP_PORT":          "9100",
			"MONITOR_POLL_INTERVAL":      "2s",
			"TRACKER_FINAL_PASS_TIMEOUT": "5s",
		}
		for k, v := range env {
			os.Setenv(k, v)
		}
		defer func() {
			for k := range env {
				os.Unsetenv(k)
			}
		}()

		cfg := FromEnv()
		if cfg.Scheduler.Threads != 3 {
			t.Errorf("Scheduler.Threads = %d, want 3", cfg.Scheduler.Threads)
		}
		if cfg.Tracker.ReconcileInterval != 10*time.Second {
			t.Errorf("Tracker.ReconcileInterval = %v, want 10s", cfg.Tracker.ReconcileInterval)
		}
		if cfg.Tracker.FinalPassTimeout != 5*time.Second {
			t.Errorf("Tracker.FinalPassTimeout = %v, want 5s", cfg.Tracker.FinalPassTimeout)
		}
		if cfg.Destination.Database != "kdb" || cfg.Destination.Table != "events" {
			t.Errorf("Destination = %+v", cfg.Destination)
		}
		if cfg.HTTPPort != ":9000" {
			t.Errorf("HTTPPort = %q, want :9000", cfg.HTTPPort)
		}
		if cfg.FakeIngester.FailFirstN != 2 {
			t.Errorf("FakeIngester.FailFirstN = %d, want 2", cfg.FakeIngester.FailFirstN)
		}
		if cfg.Monitor.HTTPPort != ":9100" || cfg.Monitor.PollInterval != 2*time.Second {
			t.Errorf("Monitor = %+v", cfg.Monitor)
		}
	})
}

func TestConfig_DSN(t *testing.T) {
	cfg := Config{DB: DB{User: "u", Pass: "p", Host: "h", Port: "5433", Name: "n"}}
	want := "postgres://u:p@h:5433/n?sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
