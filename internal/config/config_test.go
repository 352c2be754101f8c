package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestServerDefaults(t *testing.T) {
	c, err := LoadServer(nil)
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if c.ListenAddr != ":7777" || c.TickInterval != 50*time.Millisecond || c.InitPolicy != "reuse" {
		t.Fatalf("defaults = %+v", c)
	}
}

func TestServerEnvThenFlags(t *testing.T) {
	t.Setenv("TICK_INTERVAL_MS", "25")
	t.Setenv("LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("DURATION", "30")
	t.Setenv("ETCD_ENDPOINTS", "http://a:2379, http://b:2379")

	c, err := LoadServer([]string{"-listen", "0.0.0.0:9100"})
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if c.TickInterval != 25*time.Millisecond {
		t.Fatalf("TickInterval = %v, want 25ms from env", c.TickInterval)
	}
	if c.ListenAddr != "0.0.0.0:9100" {
		t.Fatalf("ListenAddr = %q, want flag value", c.ListenAddr)
	}
	if c.Duration != 30*time.Second {
		t.Fatalf("Duration = %v, want 30s", c.Duration)
	}
	if len(c.EtcdEndpoints) != 2 || c.EtcdEndpoints[1] != "http://b:2379" {
		t.Fatalf("EtcdEndpoints = %q", c.EtcdEndpoints)
	}

	c, err = LoadServer([]string{"-etcd", "http://c:2379"})
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if len(c.EtcdEndpoints) != 1 || c.EtcdEndpoints[0] != "http://c:2379" {
		t.Fatalf("flag did not replace env endpoints: %q", c.EtcdEndpoints)
	}
}

func TestServerRejectsBadValues(t *testing.T) {
	t.Setenv("TICK_INTERVAL_MS", "fast")
	if _, err := LoadServer(nil); err == nil {
		t.Fatalf("malformed TICK_INTERVAL_MS accepted")
	}
	t.Setenv("TICK_INTERVAL_MS", "0")
	if _, err := LoadServer(nil); err == nil {
		t.Fatalf("zero tick accepted")
	}
	t.Setenv("TICK_INTERVAL_MS", "50")
	if _, err := LoadServer([]string{"-init-policy", "random"}); err == nil {
		t.Fatalf("unknown init policy accepted")
	}
}

func TestClientEnv(t *testing.T) {
	t.Setenv("SERVER_ADDR", "127.0.0.1:7777")
	t.Setenv("EVENT_RTO_MS", "200")
	t.Setenv("MAX_EVENT_RETRIES", "6")
	t.Setenv("INIT_RETRY_COUNT", "2")
	t.Setenv("INIT_TIMEOUT_MS", "250")

	c, err := LoadClient([]string{"-event-policy", "drop"})
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if c.EventRTO != 200*time.Millisecond || c.MaxEventRetries != 6 {
		t.Fatalf("event settings = %v, %d", c.EventRTO, c.MaxEventRetries)
	}
	if c.InitRetries != 2 || c.InitTimeout != 250*time.Millisecond {
		t.Fatalf("init settings = %d, %v", c.InitRetries, c.InitTimeout)
	}
	if c.EventPolicy != "drop" || c.Smoothing != 0.35 || c.Duration != 10*time.Second {
		t.Fatalf("config = %+v", c)
	}
}

func TestClientNeedsAServer(t *testing.T) {
	t.Setenv("SERVER_ADDR", "")
	t.Setenv("ETCD_ENDPOINTS", "")
	if _, err := LoadClient(nil); err == nil {
		t.Fatalf("client config without server or etcd accepted")
	}
	if _, err := LoadClient([]string{"-etcd", "http://etcd:2379"}); err != nil {
		t.Fatalf("etcd-only config rejected: %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}

	p := filepath.Join(dir, "test.env")
	if err := os.WriteFile(p, []byte("TICKCAST_TEST_A=from-file\nTICKCAST_TEST_B=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TICKCAST_TEST_B", "from-env")
	t.Setenv("TICKCAST_TEST_A", "")
	os.Unsetenv("TICKCAST_TEST_A")

	if err := LoadDotEnv(p); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("TICKCAST_TEST_A"); got != "from-file" {
		t.Fatalf("A = %q, want from-file", got)
	}
	if got := os.Getenv("TICKCAST_TEST_B"); got != "from-env" {
		t.Fatalf("B = %q, want the existing value", got)
	}
}
