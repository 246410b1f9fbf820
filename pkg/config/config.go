// Package config assembles process configuration from an optional .env file
// and CUSTODIAN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"custodian-mesh/pkg/db"
	"custodian-mesh/pkg/mesh"
	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/trust"
)

const prefix = "CUSTODIAN_"

type Config struct {
	LogLevel string

	DataDir    string
	PolicyPath string
	SecretPath string
	SeedsPath  string

	GatewayAddr string
	AdminAddr   string
	AdminToken  string
	JWTSecret   string

	// Store is one of memory, sqlite, mysql or consul.
	Store         string
	SQLitePath    string
	MySQL         db.Options
	ConsulAddr    string
	ConsulService string

	// Knowledge is http or static.
	Knowledge        string
	KnowledgeURL     string
	KnowledgeFile    string
	KnowledgeTimeout time.Duration

	Manifest    model.Manifest
	Specialties []string

	GatewayCert     string
	GatewayKey      string
	GatewayClientCA string
	PeerCA          string
	PeerCert        string
	PeerKey         string

	DiscoveryInterval time.Duration
	ProbeTimeout      time.Duration

	Mesh  mesh.Config
	Trust trust.Config
}

// Load reads envFile when it exists (empty means ".env") and then the
// environment. Variables already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var (
		c    Config
		errs []error
	)
	c.LogLevel = getenv("LOG_LEVEL", "info")
	c.DataDir = getenv("DATA_DIR", "custodian")
	c.PolicyPath = getenv("POLICY", filepath.Join(c.DataDir, "policy.yaml"))
	c.SecretPath = getenv("SECRET", filepath.Join(c.DataDir, "secret.key"))
	c.SeedsPath = getenv("SEEDS", filepath.Join(c.DataDir, "peers.json"))

	c.GatewayAddr = getenv("GATEWAY_ADDR", ":8765")
	c.AdminAddr = getenv("ADMIN_ADDR", "127.0.0.1:8766")
	c.AdminToken = getenv("ADMIN_TOKEN", "")
	c.JWTSecret = getenv("JWT_SECRET", "")

	c.Store = getenv("STORE", "sqlite")
	c.SQLitePath = getenv("SQLITE_PATH", filepath.Join(c.DataDir, "peers.db"))
	c.MySQL = db.Options{
		DSN:      getenv("MYSQL_DSN", ""),
		Host:     getenv("MYSQL_HOST", ""),
		Port:     getenv("MYSQL_PORT", ""),
		User:     getenv("MYSQL_USER", ""),
		Password: getenv("MYSQL_PASS", ""),
		Database: getenv("MYSQL_DB", ""),
	}
	c.ConsulAddr = getenv("CONSUL_ADDR", "")
	c.ConsulService = getenv("CONSUL_SERVICE", "")

	c.Knowledge = getenv("KNOWLEDGE", "http")
	c.KnowledgeURL = getenv("KNOWLEDGE_URL", "http://127.0.0.1:11434")
	c.KnowledgeFile = getenv("KNOWLEDGE_FILE", "")
	c.KnowledgeTimeout = getDuration("KNOWLEDGE_TIMEOUT", 120*time.Second, &errs)

	c.Manifest = model.Manifest{
		ID:      getenv("ID", hostname()),
		Name:    getenv("NAME", ""),
		Owner:   getenv("OWNER", ""),
		Version: getenv("VERSION", ""),
	}
	c.Specialties = getList("SPECIALTIES")

	c.GatewayCert = getenv("GATEWAY_CERT", "")
	c.GatewayKey = getenv("GATEWAY_KEY", "")
	c.GatewayClientCA = getenv("GATEWAY_CLIENT_CA", "")
	c.PeerCA = getenv("PEER_CA", "")
	c.PeerCert = getenv("PEER_CERT", "")
	c.PeerKey = getenv("PEER_KEY", "")

	c.DiscoveryInterval = getDuration("DISCOVERY_INTERVAL", time.Minute, &errs)
	c.ProbeTimeout = getDuration("PROBE_TIMEOUT", 5*time.Second, &errs)

	def := mesh.DefaultConfig()
	c.Mesh = mesh.Config{
		MaxFanout:      getInt("MAX_FANOUT", def.MaxFanout, &errs),
		PerPeerTimeout: getDuration("PER_PEER_TIMEOUT", def.PerPeerTimeout, &errs),
		GlobalTimeout:  getDuration("GLOBAL_TIMEOUT", def.GlobalTimeout, &errs),
		MergeTop:       getInt("MERGE_TOP", def.MergeTop, &errs),
		K:              getInt("K", def.K, &errs),
	}

	td := trust.Default()
	c.Trust = trust.Config{
		Initial:     getFloat("TRUST_INITIAL", td.Initial, &errs),
		Min:         getFloat("TRUST_MIN", td.Min, &errs),
		Max:         getFloat("TRUST_MAX", td.Max, &errs),
		SuccessRate: getFloat("TRUST_SUCCESS_RATE", td.SuccessRate, &errs),
		FailureRate: getFloat("TRUST_FAILURE_RATE", td.FailureRate, &errs),
		BlockAfter:  getInt("TRUST_BLOCK_AFTER", td.BlockAfter, &errs),
	}
	if err := errors.Join(errs...); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Store {
	case "memory", "sqlite", "mysql", "consul":
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	switch c.Knowledge {
	case "http", "static":
	default:
		return fmt.Errorf("unknown knowledge backend %q", c.Knowledge)
	}
	if c.Knowledge == "static" && c.KnowledgeFile == "" {
		return errors.New("static knowledge backend needs a passages file")
	}
	if (c.GatewayCert == "") != (c.GatewayKey == "") {
		return errors.New("gateway cert and key must be set together")
	}
	if c.Mesh.MaxFanout <= 0 {
		return errors.New("max fanout must be positive")
	}
	return c.Trust.Validate()
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(prefix + key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int, errs *[]error) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return def
	}
	return n
}

func getFloat(key string, def float64, errs *[]error) float64 {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return def
	}
	return f
}

func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return def
	}
	return d
}

func getList(key string) []string {
	var out []string
	for _, s := range strings.Split(getenv(key, ""), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "custodian"
	}
	return h
}
