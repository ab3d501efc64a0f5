// Package protocol owns the hsp wire contract.
//
// Ownership boundary:
// - envelope shape and construction
// - typed payloads (fact, capability advertisement, task request/result, ack)
// - json codec with schema and ttl checks on decode
// - topic scheme hsp/{namespace}/{message_type}/{peer_id} and wildcard matching
//
// Payload schemas live in the schema subpackage so they can be versioned
// independently of the envelope.
package protocol
