// Package message defines the encrypted wire envelope, its tagged payload
// variants, control frames, and the composite de-duplication identifier.
//
// The wire format is one JSON object per frame. Historically the same
// object was reused for every payload shape with optional fields; here each
// kind is a distinct payload variant so the cipher and renderer cannot
// mistake one kind for another.
package message
