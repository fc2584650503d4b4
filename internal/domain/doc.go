// Package domain models disaster observation signals and the incidents
// promoted from them.
//
// # Data Sources
//
// Signals originate from four source categories with very different
// reliability characteristics:
//
//	official      — agency feeds (BMKG earthquake/tsunami bulletins, BNPB
//	                situation reports, Basarnas SAR dispatches). Authoritative;
//	                a single official signal is treated as an alert trigger.
//	user_report   — in-app reports from end users, optionally with media.
//	social_media  — scraped posts (Twitter/X, TikTok, Instagram). High volume,
//	                low individual trust, valuable in aggregate.
//	news          — RSS/news articles from catalogued outlets.
//
// Upstream collectors fetch each feed on its own schedule, normalize rows
// into flat JSON, and publish one message per observation to the Kafka
// source topic. The collectors are external; this service treats every
// inbound signal as untrusted until corroborated.
//
// # Trust Weights
//
// Per-source trust weights live in a YAML table (see package trust) so they
// can be retuned without a redeploy. Unknown source identifiers fall back to
// a conservative default weight below every catalogued category, so a spoofed
// source name can never outweigh a known one.
//
// # Signal → Cluster → Incident
//
// Signals are immutable once ingested. The clusterer groups them into
// spatiotemporal clusters (same city, overlapping time window, compatible
// event type). When a cluster's trust-weighted confidence crosses the
// promotion threshold it becomes an Incident, the user-facing entity with a
// status lifecycle:
//
//	monitor — corroborated enough to track
//	alert   — confidence above the alert threshold, or an official source present
//	suppress — false-positive determination; hidden from feeds, history kept
//	resolved — event over, by verification volume or admin action
//
// Every status change appends exactly one LifecycleEvent; replaying an
// incident's events in created_at order always yields a valid walk of the
// transition table.
//
// # ID Generation
//
// Signal IDs are deterministic SHA-256 hashes of source|lat|lng|created_at|text.
// This makes re-ingestion of the same upstream row idempotent (ON CONFLICT DO
// NOTHING downstream) without distributed coordination. Cluster, incident, and
// outbox IDs are random UUIDs since they are minted exactly once, locally.
package domain
