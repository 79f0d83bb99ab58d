// Package domain models the crowd profiles that flow through the geo-fix stage
// and the capabilities the stage depends on.
//
// # Profiles
//
// Profiles arrive as JSON documents produced by the upstream crawling stages.
// Only a handful of attributes matter here:
//
//	id         opaque identifier, used for progress reporting only
//	location   free-text place the user typed in their social profile,
//	           e.g. "Bari, Italy" or "NYC"
//	latitude   optional WGS-84 latitude
//	longitude  optional WGS-84 longitude
//
// Every other field is carried through untouched: [Profile] keeps unknown JSON
// members and re-emits them on encode, so the sink topic sees the same document
// the source topic held, plus coordinates when a fix was found.
//
// # Coordinates
//
// A resolver answers with [Coordinates], a slice in (latitude, longitude) order.
// A nil slice means "no fix". Anything that is not exactly two finite numbers is
// malformed and is treated the same as no fix; it is never an error. The merge
// rule lives in [ApplyFix]: either both coordinates are written or neither is.
//
// # Capabilities
//
// [Resolver] turns a profile into coordinates and may fail; a failure ends the
// stream. [Monitor] receives per-element and per-stream lifecycle signals and
// never fails from the caller's point of view.
package domain
