package chatapi

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg := LoadConfigFromEnv()
	if cfg.MaxBodyBytes != 64<<10 || cfg.TrustProxy || cfg.LoginIPMax != 30 || cfg.LoginIPWindow != time.Minute {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("COURIER_API_MAX_BODY_BYTES", "2048")
	t.Setenv("COURIER_API_TRUST_PROXY", "true")
	t.Setenv("COURIER_API_LOGIN_IP_MAX", "-1")
	t.Setenv("COURIER_API_LOGIN_IP_WINDOW", "90s")

	cfg := LoadConfigFromEnv()
	if cfg.MaxBodyBytes != 2048 {
		t.Fatalf("max body=%d want=2048", cfg.MaxBodyBytes)
	}
	if !cfg.TrustProxy {
		t.Fatalf("trust proxy not applied")
	}
	if cfg.LoginIPMax != 30 {
		t.Fatalf("login ip max=%d want default 30", cfg.LoginIPMax)
	}
	if cfg.LoginIPWindow != 90*time.Second {
		t.Fatalf("window=%s want=90s", cfg.LoginIPWindow)
	}
}
