package config

import "slices"

// ConfigDiff describes what changed between two server configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VocabularyChanged bool
	NewVocabulary     []string

	// RestartRequired lists top-level keys whose change is ignored until the
	// server restarts.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *ServerConfig) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Correction.Vocabulary, new.Correction.Vocabulary) {
		d.VocabularyChanged = true
		d.NewVocabulary = slices.Clone(new.Correction.Vocabulary)
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.DumpWAVDir != new.Server.DumpWAVDir ||
		!equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Limits != new.Limits {
		d.RestartRequired = append(d.RestartRequired, "limits")
	}
	if !equalProvider(old.ASR.Local, new.ASR.Local) || !equalProvider(old.ASR.Cloud, new.ASR.Cloud) ||
		old.ASR.CircuitBreaker != new.ASR.CircuitBreaker {
		d.RestartRequired = append(d.RestartRequired, "asr")
	}
	if old.Correction.IsEnabled() != new.Correction.IsEnabled() ||
		old.Correction.Timeout != new.Correction.Timeout ||
		old.Correction.MinDelay != new.Correction.MinDelay ||
		old.Correction.SystemPrompt != new.Correction.SystemPrompt ||
		!equalProvider(old.Correction.LLM, new.Correction.LLM) ||
		!slices.EqualFunc(old.Correction.Fallbacks, new.Correction.Fallbacks, equalProvider) {
		d.RestartRequired = append(d.RestartRequired, "correction")
	}

	return d
}

// equalProvider compares the scalar fields of two entries. Options maps are
// not compared.
func equalProvider(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && a.Language == b.Language
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
