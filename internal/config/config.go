package config

import (
	"time"

	"github.com/spf13/viper"
)

// Limits are the business ceilings and the transfer floor. The ledger service
// receives them by value at construction and treats them as immutable for its
// lifetime.
type Limits struct {
	MaxDepositAmount  int64
	MaxRequestAmount  int64
	MaxTransferAmount int64
	MinBalance        int64
}

// AuditConfig controls the audit front-end surface.
type AuditConfig struct {
	MaxOutput int // page size for pending-transaction listings
}

// BackupConfig controls the periodic CSV export collaborator.
type BackupConfig struct {
	Enabled  bool
	Dir      string
	Interval time.Duration
}

// GetLimits returns the configured business limits with defaults.
// The request ceiling is markedly smaller than the deposit ceiling because a
// request draws from the organization pool rather than the member's own funds.
func GetLimits() Limits {
	viper.SetDefault("limits.max_deposit_amount", int64(1_000_000_000_000))
	viper.SetDefault("limits.max_request_amount", int64(100_000_000_000))
	viper.SetDefault("limits.max_transfer_amount", int64(1_000_000_000_000))
	viper.SetDefault("limits.min_balance", int64(-1_000_000_000))

	return Limits{
		MaxDepositAmount:  viper.GetInt64("limits.max_deposit_amount"),
		MaxRequestAmount:  viper.GetInt64("limits.max_request_amount"),
		MaxTransferAmount: viper.GetInt64("limits.max_transfer_amount"),
		MinBalance:        viper.GetInt64("limits.min_balance"),
	}
}

// GetAuditConfig returns audit settings with defaults.
func GetAuditConfig() AuditConfig {
	viper.SetDefault("audit.max_output", 20)

	return AuditConfig{
		MaxOutput: viper.GetInt("audit.max_output"),
	}
}

// GetBackupConfig returns backup settings with defaults.
func GetBackupConfig() BackupConfig {
	viper.SetDefault("backup.enabled", true)
	viper.SetDefault("backup.dir", "./backups")
	viper.SetDefault("backup.interval", 24*time.Hour)

	return BackupConfig{
		Enabled:  viper.GetBool("backup.enabled"),
		Dir:      viper.GetString("backup.dir"),
		Interval: viper.GetDuration("backup.interval"),
	}
}
