// Package identity owns this device's long-term X25519 identity key pairs,
// one per local account, persisted encrypted at rest. Each stored pair
// carries a publish marker; a pair whose directory publish did not complete
// is republished the next time it is loaded, so the directory eventually
// holds every key the store holds.
package identity
