package config

import "time"

// Duration accessors. The YAML/env surface uses integer fields; everything
// inside the daemon works in time.Duration.

func (c *Config) ProcessingTimeout() time.Duration {
	return time.Duration(c.ProcessingTimeoutSeconds) * time.Second
}

func (c *Config) SpawningTimeout() time.Duration {
	return time.Duration(c.SpawningTimeoutSeconds) * time.Second
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

func (d DeliveryConfig) Base() time.Duration {
	return time.Duration(d.BaseMs) * time.Millisecond
}

func (d DeliveryConfig) TTL() time.Duration {
	return time.Duration(d.TTLSeconds) * time.Second
}

func (w WatchdogConfig) Settle() time.Duration {
	return time.Duration(w.SettleMs) * time.Millisecond
}

func (w WatchdogConfig) StabilityProbe() time.Duration {
	return time.Duration(w.StabilityProbeMs) * time.Millisecond
}

func (w WatchdogConfig) ReconcileInterval() time.Duration {
	return time.Duration(w.ReconcileSeconds) * time.Second
}

func (w WatchdogConfig) CleanupInterval() time.Duration {
	return time.Duration(w.CleanupSeconds) * time.Second
}

func (w WatchdogConfig) StaleAge() time.Duration {
	return time.Duration(w.StaleSeconds) * time.Second
}

func (w WatchdogConfig) OrphanedPendingAge() time.Duration {
	return time.Duration(w.OrphanedPendingSecs) * time.Second
}

func (w WatchdogConfig) ArchiveRetention() time.Duration {
	return time.Duration(w.ArchiveRetentionDays) * 24 * time.Hour
}
