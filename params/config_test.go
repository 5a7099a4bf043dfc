package params

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	for _, m := range cfg.Markets {
		if err := m.Validate(); err != nil {
			t.Errorf("default market %s: %v", m.Symbol, err)
		}
	}
}

func writeEnvFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv writes into the process environment
	t.Cleanup(func() {
		for _, l := range lines {
			os.Unsetenv(strings.SplitN(l, "=", 2)[0])
		}
	})
	return path
}

func TestLoadFromEnv(t *testing.T) {
	path := writeEnvFile(t,
		"MARKETS=SOL-USDC:SOL:USDC:0.001:0.1",
		"SETTLEMENT_LEASE_MS=90000",
		"SETTLEMENT_CHAIN_TIMEOUT_MS=15000",
		"KAFKA_BROKERS=k1:9092, k2:9092",
		"API_ADDR=:7000",
	)
	// the process environment wins over the file
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("ENGINE_OVERLOAD_POLICY", "block")
	t.Setenv("TAKER_FEE_BPS", "7")
	t.Setenv("CHAIN_CONFIRMATIONS", "12")
	t.Setenv("CHAIN_NATIVE_ASSET", "MATIC")

	cfg, err := LoadFromEnv(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.Addr != ":9000" {
		t.Errorf("API.Addr = %s, want env override :9000", cfg.API.Addr)
	}
	if cfg.Engine.OverloadPolicy != "block" {
		t.Errorf("overload policy = %s", cfg.Engine.OverloadPolicy)
	}
	if cfg.Settlement.Lease != 90*time.Second || cfg.Settlement.ChainTimeout != 15*time.Second {
		t.Errorf("settlement timing = %s/%s", cfg.Settlement.Lease, cfg.Settlement.ChainTimeout)
	}
	if len(cfg.Broadcast.KafkaBrokers) != 2 || cfg.Broadcast.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("kafka brokers = %v", cfg.Broadcast.KafkaBrokers)
	}
	if cfg.Chain.Confirmations != 12 {
		t.Errorf("confirmations = %d", cfg.Chain.Confirmations)
	}
	if cfg.Chain.NativeAsset != "MATIC" {
		t.Errorf("native asset = %s", cfg.Chain.NativeAsset)
	}
	if len(cfg.Markets) != 1 {
		t.Fatalf("markets = %d, want 1", len(cfg.Markets))
	}
	m := cfg.Markets[0]
	if m.Symbol != "SOL-USDC" || !m.TickSize.Equal(decimal.RequireFromString("0.001")) || m.TakerFeeBps != 7 || m.MakerFeeBps != 2 {
		t.Errorf("market = %+v", m)
	}
}

func TestLoadFromEnvRejects(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric capacity", "ENGINE_MAILBOX_CAPACITY", "lots"},
		{"lease shorter than chain timeout", "SETTLEMENT_LEASE_MS", "1000"},
		{"unknown ledger driver", "LEDGER_DRIVER", "sqlite"},
		{"postgres without dsn", "LEDGER_DRIVER", "postgres"},
		{"evm without rpc", "CHAIN_MODE", "evm"},
		{"bad chain id", "CHAIN_ID", "mainnet"},
		{"bad market", "MARKETS", "BTC-USDT:BTC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env")); err == nil {
				t.Errorf("%s=%s accepted", tt.key, tt.value)
			}
		})
	}
}

func TestEVMNeedsNativeAsset(t *testing.T) {
	cfg := Default()
	cfg.Chain.Mode = "evm"
	cfg.Chain.RPCURL = "http://localhost:8545"
	cfg.Chain.CustodyKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("evm config with native asset: %v", err)
	}
	cfg.Chain.NativeAsset = ""
	if err := cfg.Validate(); err == nil {
		t.Error("evm config without native asset accepted")
	}
}

func TestParseMarkets(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []string
		wantErr bool
	}{
		{"two markets", "BTC-USDT:BTC:USDT:0.01:0.0001, ETH-USDT:ETH:USDT:0.01:0.001", []string{"BTC-USDT", "ETH-USDT"}, false},
		{"trailing comma", "BTC-USDT:BTC:USDT:1:1,", []string{"BTC-USDT"}, false},
		{"same assets", "X:BTC:BTC:1:1", nil, true},
		{"zero tick", "X:A:B:0:1", nil, true},
		{"bad lot", "X:A:B:1:abc", nil, true},
		{"empty", " , ", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMarkets(tt.in, 0, 0)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("markets = %d, want %d", len(got), len(tt.want))
			}
			for i, m := range got {
				if m.Symbol != tt.want[i] {
					t.Errorf("market[%d] = %s, want %s", i, m.Symbol, tt.want[i])
				}
			}
		})
	}
}
