package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains runtime configuration required by the service.
type Config struct {
	DBURL     string
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	APIKeys   map[string]string // apiKey -> HubSpot portal id

	HubSpot HubSpot
	Webhook Webhook

	// AssociationTables are extra tables, beyond payment_methods and invoices,
	// whose rows reference contacts and must follow merges.
	AssociationTables []string
	MergeMaxAttempts  int
}

type HubSpot struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scope        string
	APIBaseURL   string
	AppURL       string
	Timeout      time.Duration
}

type Webhook struct {
	// Signature is "none" or "v3".
	Signature string
	// PublicURL is the absolute URL HubSpot posts to; v3 signatures cover it.
	PublicURL    string
	MaxSkew      time.Duration
	MaxBodyBytes int64
}

func defaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("hubspot_scope", "crm.objects.contacts.read")
	v.SetDefault("hubspot_api_base_url", "https://api.hubapi.com")
	v.SetDefault("hubspot_app_url", "https://app.hubspot.com")
	v.SetDefault("hubspot_timeout", "10s")
	v.SetDefault("webhook_signature", "none")
	v.SetDefault("webhook_max_skew", "5m")
	v.SetDefault("webhook_max_body_bytes", 1<<20)
	v.SetDefault("merge_max_attempts", 3)
}

// Load reads configuration from environment variables, optionally layered over
// the YAML file named by CONFIG_FILE. Keys in the file are the lower-case
// environment names (db_url, api_keys, ...).
// API_KEYS format: "tenant1:key1,tenant2:key2"
func Load() (Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if file := strings.TrimSpace(v.GetString("config_file")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	dbURL := strings.TrimSpace(v.GetString("db_url"))
	if dbURL == "" {
		return Config{}, errors.New("DB_URL required")
	}

	apiKeys, err := parseAPIKeys(v.GetString("api_keys"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBURL:     dbURL,
		HTTPAddr:  v.GetString("http_addr"),
		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),
		APIKeys:   apiKeys,
		HubSpot: HubSpot{
			ClientID:     v.GetString("hubspot_client_id"),
			ClientSecret: v.GetString("hubspot_client_secret"),
			RedirectURI:  v.GetString("hubspot_redirect_uri"),
			Scope:        v.GetString("hubspot_scope"),
			APIBaseURL:   v.GetString("hubspot_api_base_url"),
			AppURL:       v.GetString("hubspot_app_url"),
			Timeout:      v.GetDuration("hubspot_timeout"),
		},
		Webhook: Webhook{
			Signature:    strings.ToLower(strings.TrimSpace(v.GetString("webhook_signature"))),
			PublicURL:    strings.TrimRight(v.GetString("webhook_public_url"), "/"),
			MaxSkew:      v.GetDuration("webhook_max_skew"),
			MaxBodyBytes: v.GetInt64("webhook_max_body_bytes"),
		},
		AssociationTables: splitList(v.GetString("association_tables")),
		MergeMaxAttempts:  v.GetInt("merge_max_attempts"),
	}

	switch cfg.Webhook.Signature {
	case "none", "v3":
	default:
		return Config{}, fmt.Errorf("WEBHOOK_SIGNATURE must be none or v3, got %q", cfg.Webhook.Signature)
	}
	if cfg.Webhook.Signature == "v3" && cfg.HubSpot.ClientSecret == "" {
		return Config{}, errors.New("WEBHOOK_SIGNATURE=v3 requires HUBSPOT_CLIENT_SECRET")
	}
	if cfg.Webhook.MaxBodyBytes <= 0 {
		return Config{}, errors.New("WEBHOOK_MAX_BODY_BYTES must be positive")
	}
	if cfg.MergeMaxAttempts < 1 {
		return Config{}, errors.New("MERGE_MAX_ATTEMPTS must be at least 1")
	}
	return cfg, nil
}

func parseAPIKeys(raw string) (map[string]string, error) {
	apiKeys := map[string]string{}
	raw = strings.TrimSpace(raw)

	if raw != "" {
		pairs := strings.Split(raw, ",")
		for _, p := range pairs {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			parts := strings.SplitN(p, ":", 2)
			if len(parts) != 2 {
				return nil, errors.New(`API_KEYS must be "tenant:key,tenant:key"`)
			}
			tenant := strings.TrimSpace(parts[0])
			key := strings.TrimSpace(parts[1])
			if tenant == "" || key == "" {
				return nil, errors.New(`API_KEYS must be "tenant:key,tenant:key"`)
			}
			apiKeys[key] = tenant
		}
	}
	return apiKeys, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
