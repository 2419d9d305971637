/*
Package config loads pipeline Settings and provides type-safe access to
per-provider config maps.

# Settings

Settings can be built in code or loaded from a file. The format is chosen by
extension (.yaml, .yml, .json, .toml). Omitted fields keep the values in
DefaultSettings:

	s, err := config.LoadSettings("eventpipe.yaml")
	if err != nil {
	    log.Fatal(err)
	}

A minimal YAML file:

	platform: ios
	appVersion: 4.2.0
	batchSize: 50
	providers:
	  - name: collector
	    type: http
	    config:
	      endpoint: https://collect.example.com/v1/batch
	      gzip: true

# Provider Config

Each provider carries an arbitrary map. Config wraps it with accessors that
return a default on a missing key or a type mismatch:

	opts := provider.Options()
	endpoint := opts.String("endpoint", "")
	timeout := opts.Duration("timeoutMs", 10*time.Second) // numbers are ms
	headers := opts.StringMap("headers")

Numeric accessors accept the number types produced by every supported
decoder, so the same provider block behaves identically in YAML, JSON, and
TOML.

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
