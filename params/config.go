package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/custodex/pkg/app/core/market"
)

type Log struct {
	Level string
	File  string // empty logs to stdout only
}

type Engine struct {
	MailboxCapacity  int
	OverloadPolicy   string // "block" or "reject"
	VerifyInvariants bool
	DepthLevels      int
}

type Settlement struct {
	WorkerID     string
	PollInterval time.Duration
	ChainTimeout time.Duration
	Lease        time.Duration
	MaxRetries   int
	BatchSize    int
	Concurrency  int
}

type Storage struct {
	DataDir      string
	LedgerDriver string // "pebble" or "postgres"
	PostgresDSN  string
}

type Chain struct {
	// Mode "simulated" runs an in-memory chain for devnets; "evm" dials RPCURL.
	Mode          string
	RPCURL        string
	ChainID       int64
	CustodyKey    string
	DepositKeys   []string
	Confirmations uint64
	PollInterval  time.Duration
	// NativeAsset is the only asset the evm client can move.
	NativeAsset   string
}

type Broadcast struct {
	Buffer       int
	KafkaBrokers []string
	KafkaTopic   string
	RedisAddr    string
	DepthTTL     time.Duration
	P2PListen    string
	P2PBootstrap []string
	P2PTopic     string
}

type API struct {
	Addr           string
	AllowedOrigins []string
	AdminToken     string
	RequestTimeout time.Duration
}

type Config struct {
	Log        Log
	Engine     Engine
	Settlement Settlement
	Storage    Storage
	Chain      Chain
	Broadcast  Broadcast
	API        API

	Markets    []market.Market
	FeeAccount string
}

func Default() Config {
	return Config{
		Log: Log{Level: "info"},
		Engine: Engine{
			MailboxCapacity: 10000,
			OverloadPolicy:  "reject",
			DepthLevels:     20,
		},
		Settlement: Settlement{
			WorkerID:     "settlement-0",
			PollInterval: 2 * time.Second,
			ChainTimeout: 30 * time.Second,
			Lease:        2 * time.Minute,
			MaxRetries:   3,
			BatchSize:    100,
			Concurrency:  8,
		},
		Storage: Storage{
			DataDir:      "data",
			LedgerDriver: "pebble",
		},
		Chain: Chain{
			Mode:          "simulated",
			Confirmations: 1,
			PollInterval:  time.Second,
			NativeAsset:   "ETH",
		},
		Broadcast: Broadcast{
			Buffer:   4096,
			DepthTTL: time.Minute,
			P2PTopic: "custodex/events/1",
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
			RequestTimeout: 5 * time.Second,
		},
		Markets: []market.Market{
			defaultMarket("BTC-USDT", "BTC", "USDT", "0.01", "0.0001"),
			defaultMarket("ETH-USDT", "ETH", "USDT", "0.01", "0.001"),
		},
		FeeAccount: "fees",
	}
}

func defaultMarket(symbol, base, quote, tick, lot string) market.Market {
	return market.Market{
		Symbol:       symbol,
		BaseAsset:    base,
		QuoteAsset:   quote,
		Status:       market.Active,
		TickSize:     decimal.RequireFromString(tick),
		LotSize:      decimal.RequireFromString(lot),
		MinOrderSize: 1,
		MaxOrderSize: 1_000_000_000,
		MakerFeeBps:  2,
		TakerFeeBps:  5,
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	var err error
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" && err == nil {
			var n int
			if n, err = strconv.Atoi(v); err != nil {
				err = fmt.Errorf("%s: %w", key, err)
				return
			}
			*dst = n
		}
	}
	setMillis := func(key string, dst *time.Duration) {
		var ms int
		setInt(key, &ms)
		if ms > 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}

	setInt("ENGINE_MAILBOX_CAPACITY", &cfg.Engine.MailboxCapacity)
	cfg.Engine.OverloadPolicy = getEnv("ENGINE_OVERLOAD_POLICY", cfg.Engine.OverloadPolicy)
	cfg.Engine.VerifyInvariants = getEnv("ENGINE_VERIFY_INVARIANTS", strconv.FormatBool(cfg.Engine.VerifyInvariants)) == "true"
	setInt("ENGINE_DEPTH_LEVELS", &cfg.Engine.DepthLevels)

	cfg.Settlement.WorkerID = getEnv("SETTLEMENT_WORKER_ID", cfg.Settlement.WorkerID)
	setMillis("SETTLEMENT_POLL_MS", &cfg.Settlement.PollInterval)
	setMillis("SETTLEMENT_CHAIN_TIMEOUT_MS", &cfg.Settlement.ChainTimeout)
	setMillis("SETTLEMENT_LEASE_MS", &cfg.Settlement.Lease)
	setInt("SETTLEMENT_MAX_RETRIES", &cfg.Settlement.MaxRetries)
	setInt("SETTLEMENT_BATCH_SIZE", &cfg.Settlement.BatchSize)
	setInt("SETTLEMENT_CONCURRENCY", &cfg.Settlement.Concurrency)

	cfg.Storage.DataDir = getEnv("DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.LedgerDriver = getEnv("LEDGER_DRIVER", cfg.Storage.LedgerDriver)
	cfg.Storage.PostgresDSN = getEnv("POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Chain.Mode = getEnv("CHAIN_MODE", cfg.Chain.Mode)
	cfg.Chain.RPCURL = getEnv("CHAIN_RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.CustodyKey = getEnv("CHAIN_CUSTODY_KEY", cfg.Chain.CustodyKey)
	cfg.Chain.DepositKeys = getList("CHAIN_DEPOSIT_KEYS", cfg.Chain.DepositKeys)
	cfg.Chain.NativeAsset = getEnv("CHAIN_NATIVE_ASSET", cfg.Chain.NativeAsset)
	setMillis("CHAIN_POLL_MS", &cfg.Chain.PollInterval)
	if v := os.Getenv("CHAIN_ID"); v != "" && err == nil {
		if cfg.Chain.ChainID, err = strconv.ParseInt(v, 10, 64); err != nil {
			err = fmt.Errorf("CHAIN_ID: %w", err)
		}
	}
	if v := os.Getenv("CHAIN_CONFIRMATIONS"); v != "" && err == nil {
		if cfg.Chain.Confirmations, err = strconv.ParseUint(v, 10, 64); err != nil {
			err = fmt.Errorf("CHAIN_CONFIRMATIONS: %w", err)
		}
	}

	setInt("BROADCAST_BUFFER", &cfg.Broadcast.Buffer)
	cfg.Broadcast.KafkaBrokers = getList("KAFKA_BROKERS", cfg.Broadcast.KafkaBrokers)
	cfg.Broadcast.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Broadcast.KafkaTopic)
	cfg.Broadcast.RedisAddr = getEnv("REDIS_ADDR", cfg.Broadcast.RedisAddr)
	setMillis("REDIS_DEPTH_TTL_MS", &cfg.Broadcast.DepthTTL)
	cfg.Broadcast.P2PListen = getEnv("P2P_LISTEN", cfg.Broadcast.P2PListen)
	cfg.Broadcast.P2PBootstrap = getList("P2P_BOOTSTRAP", cfg.Broadcast.P2PBootstrap)
	cfg.Broadcast.P2PTopic = getEnv("P2P_TOPIC", cfg.Broadcast.P2PTopic)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.API.AllowedOrigins = getList("API_ALLOWED_ORIGINS", cfg.API.AllowedOrigins)
	cfg.API.AdminToken = getEnv("API_ADMIN_TOKEN", cfg.API.AdminToken)
	setMillis("API_REQUEST_TIMEOUT_MS", &cfg.API.RequestTimeout)

	cfg.FeeAccount = getEnv("FEE_ACCOUNT", cfg.FeeAccount)
	if err != nil {
		return cfg, err
	}

	if v := os.Getenv("MARKETS"); v != "" {
		maker, taker := int64(2), int64(5)
		if s := os.Getenv("MAKER_FEE_BPS"); s != "" {
			if maker, err = strconv.ParseInt(s, 10, 64); err != nil {
				return cfg, fmt.Errorf("MAKER_FEE_BPS: %w", err)
			}
		}
		if s := os.Getenv("TAKER_FEE_BPS"); s != "" {
			if taker, err = strconv.ParseInt(s, 10, 64); err != nil {
				return cfg, fmt.Errorf("TAKER_FEE_BPS: %w", err)
			}
		}
		if cfg.Markets, err = ParseMarkets(v, maker, taker); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

// ParseMarkets reads "SYMBOL:BASE:QUOTE:TICK:LOT" entries separated by
// commas, e.g. "BTC-USDT:BTC:USDT:0.01:0.0001".
func ParseMarkets(v string, makerBps, takerBps int64) ([]market.Market, error) {
	var out []market.Market
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 5 {
			return nil, fmt.Errorf("market %q: want SYMBOL:BASE:QUOTE:TICK:LOT", entry)
		}
		tick, err := decimal.NewFromString(parts[3])
		if err != nil {
			return nil, fmt.Errorf("market %s tick: %w", parts[0], err)
		}
		lot, err := decimal.NewFromString(parts[4])
		if err != nil {
			return nil, fmt.Errorf("market %s lot: %w", parts[0], err)
		}
		m := defaultMarket(parts[0], parts[1], parts[2], "1", "1")
		m.TickSize, m.LotSize = tick, lot
		m.MakerFeeBps, m.TakerFeeBps = makerBps, takerBps
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("market %s: %w", m.Symbol, err)
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no markets configured")
	}
	return out, nil
}

// Validate checks cross-field constraints that individual parsers cannot.
func (c Config) Validate() error {
	if c.Settlement.Lease <= c.Settlement.ChainTimeout {
		return fmt.Errorf("settlement lease %s must exceed chain timeout %s", c.Settlement.Lease, c.Settlement.ChainTimeout)
	}
	switch c.Storage.LedgerDriver {
	case "pebble":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN required for the postgres ledger")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Storage.LedgerDriver)
	}
	switch c.Chain.Mode {
	case "simulated":
	case "evm":
		if c.Chain.RPCURL == "" || c.Chain.CustodyKey == "" {
			return fmt.Errorf("evm chain mode needs CHAIN_RPC_URL and CHAIN_CUSTODY_KEY")
		}
		if c.Chain.NativeAsset == "" {
			return fmt.Errorf("evm chain mode needs CHAIN_NATIVE_ASSET")
		}
	default:
		return fmt.Errorf("unknown chain mode %q", c.Chain.Mode)
	}
	if c.FeeAccount == "" {
		return fmt.Errorf("fee account cannot be empty")
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getList splits a comma-separated variable, dropping empty items.
func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
