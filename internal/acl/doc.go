// Package acl implements the stateful ACL dataplane node of a software
// packet forwarder.
//
// For each packet on a configured interface the node decides permit or
// deny. Accepted flows are cached in a direction-agnostic session table
// so that return traffic and subsequent packets bypass full rule
// evaluation. The package contains the per-packet pipeline
// (fingerprint extraction, session key canonicalization, session
// lookup, rule matching, session tracking), the concurrent session
// table with per-worker ownership, the policy-epoch reclassification
// scheme, and the worker pool that drives frames through the eight
// node entry points.
package acl
