// Package monitor provides domain.Monitor implementations that turn the
// geo-fix stage's lifecycle signals into logs, metrics, trace spans, and NATS
// events, plus Multi to fan one stream of signals out to several of them.
//
// Monitors never return errors. Anything that goes wrong while reporting is
// logged and dropped so the profile stream is unaffected.
package monitor
