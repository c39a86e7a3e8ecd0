package config

// ResolveCredential resolves an endpoint's credential reference to a
// plaintext secret. The env-var override always wins over the value
// stored in the config file or database, so rotating a secret never
// requires touching persisted task definitions (spec §6, A5).
//
// This is a passthrough, not a vault: a production secret store is an
// explicit non-goal. ref is typically the literal password/passphrase or
// a short name; when the override env var is set it replaces ref entirely.
func ResolveCredential(ref string, env EnvOverrides) string {
	if env.SecretKey != "" {
		return env.SecretKey
	}

	return ref
}

// ResolveAPIToken resolves the bearer token the control plane expects on
// incoming requests, env override taking precedence over the config file.
func ResolveAPIToken(cfg *ServerConfig, env EnvOverrides) string {
	if env.APIToken != "" {
		return env.APIToken
	}

	return cfg.BearerToken
}
