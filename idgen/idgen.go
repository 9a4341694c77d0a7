// Package idgen generates opaque, URL-safe identifiers for jobs and
// checkpoints. Ids are minted here rather than by the administration
// API so that every checkpoint row has an opaque, collision-resistant
// primary key even when a checkpoint starts without an admin call.
package idgen

import "github.com/google/uuid"

// Kind distinguishes the entity an id was generated for, purely for
// logging and for the string prefix — it carries no semantic weight.
type Kind string

const (
	Job        Kind = "job"
	Checkpoint Kind = "checkpoint"
)

// New returns a new opaque id of the given kind, e.g. "checkpoint_6b2b...".
func New(kind Kind) string {
	return string(kind) + "_" + uuid.NewString()
}
