/*
Package eventpipe is a client-embedded telemetry pipeline.

# Overview

Application code emits named events with structured properties. The
pipeline checks consent, validates, enriches with session context and fans
each event out to every configured sink. Sinks batch, persist on failure
and retry, so events survive process restarts and network outages.

# Basic Usage

	store, err := storage.NewSQLiteStore("analytics.db")
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	settings, err := config.LoadSettings("analytics.yaml")
	if err != nil {
	    log.Fatal(err)
	}

	d := eventpipe.New(eventpipe.WithStore(store))
	if err := d.Initialize(ctx, settings); err != nil {
	    log.Fatal(err)
	}
	defer d.Shutdown(ctx)

	d.SetConsent(ctx, true)
	d.TrackScreen(ctx, "home", nil)
	d.TrackEvent(ctx, "search", event.Properties{"query": event.String("shoes")})

# Consent

The default is opt-out. Until analytics consent is granted every tracking
call is a no-op, except TrackError. Revoking consent deletes queued and
buffered events and funnel counters.

# Sinks

Providers in the settings are resolved by type against a sink.Registry.
The default registry knows "http" (batched posts to a collector),
"nats" (one message per event) and "passthrough" (a logging stand-in for
an unconfigured SDK). With offlineQueueEnabled each sink is wrapped with a
durable queue that retries synchronous failures.

# Errors

Tracking methods never return errors; sink failures and panics are logged
and isolated per sink. Initialize, Flush, SetConsent and Shutdown return
errors for operator code.
*/
package eventpipe
