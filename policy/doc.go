// Package policy builds and signs MigTD trust policies.
//
// A policy payload is produced by Merge from a template and collateral
// documents, reduced to its canonical byte form and signed with an ECDSA
// key. Only the curves listed in Supported may sign or verify a policy.
package policy
