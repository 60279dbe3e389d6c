package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// overlayDoc mirrors Config's tunables for YAML decoding; every field is
// a pointer so an absent key in the file leaves the corresponding Config
// field untouched rather than zeroing it.
type overlayDoc struct {
	Port        *string `yaml:"port"`
	LogLevel    *string `yaml:"log_level"`
	DatabaseURL *string `yaml:"database_url"`
	RedisAddr   *string `yaml:"redis_addr"`
	HSMKeyDir   *string `yaml:"hsm_key_dir"`

	DayPassMaxRedemptions *int    `yaml:"day_pass_max_redemptions"`
	DayPassWindow         *string `yaml:"day_pass_window"`
	SingleTicketClockSkew *string `yaml:"single_ticket_clock_skew"`

	BloomTargetFPR      *float64 `yaml:"bloom_target_fpr"`
	BloomCoverageWindow *string  `yaml:"bloom_coverage_window"`
	PublishInterval     *string  `yaml:"publish_interval"`

	SignerRateSustained *float64 `yaml:"signer_rate_sustained"`
	SignerRateBurst     *int     `yaml:"signer_rate_burst"`

	ReconcileBatchMax *int    `yaml:"reconcile_batch_max"`
	KeyMinLeadTime    *string `yaml:"key_min_lead_time"`
}

func applyYAMLOverlay(cfg *Config, data []byte) error {
	var doc overlayDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}

	if doc.Port != nil {
		cfg.Port = *doc.Port
	}
	if doc.LogLevel != nil {
		cfg.LogLevel = *doc.LogLevel
	}
	if doc.DatabaseURL != nil {
		cfg.DatabaseURL = *doc.DatabaseURL
	}
	if doc.RedisAddr != nil {
		cfg.RedisAddr = *doc.RedisAddr
	}
	if doc.HSMKeyDir != nil {
		cfg.HSMKeyDir = *doc.HSMKeyDir
	}
	if doc.DayPassMaxRedemptions != nil {
		cfg.DayPassMaxRedemptions = *doc.DayPassMaxRedemptions
	}
	if d, err := parseOptionalDuration(doc.DayPassWindow); err != nil {
		return err
	} else if d != nil {
		cfg.DayPassWindow = *d
	}
	if d, err := parseOptionalDuration(doc.SingleTicketClockSkew); err != nil {
		return err
	} else if d != nil {
		cfg.SingleTicketClockSkew = *d
	}
	if doc.BloomTargetFPR != nil {
		cfg.BloomTargetFPR = *doc.BloomTargetFPR
	}
	if d, err := parseOptionalDuration(doc.BloomCoverageWindow); err != nil {
		return err
	} else if d != nil {
		cfg.BloomCoverageWindow = *d
	}
	if d, err := parseOptionalDuration(doc.PublishInterval); err != nil {
		return err
	} else if d != nil {
		cfg.PublishInterval = *d
	}
	if doc.SignerRateSustained != nil {
		cfg.SignerRateSustained = *doc.SignerRateSustained
	}
	if doc.SignerRateBurst != nil {
		cfg.SignerRateBurst = *doc.SignerRateBurst
	}
	if doc.ReconcileBatchMax != nil {
		cfg.ReconcileBatchMax = *doc.ReconcileBatchMax
	}
	if d, err := parseOptionalDuration(doc.KeyMinLeadTime); err != nil {
		return err
	} else if d != nil {
		cfg.KeyMinLeadTime = *d
	}

	return nil
}

func parseOptionalDuration(raw *string) (*time.Duration, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
