// Package featstore defines the keyed feature-store interface consumed by
// the dataset assemblers.
//
// A store holds named arrays per utterance file. Each array is addressed by
// the pair (file, key), where file is the utterance's path
// (".../<speaker>/<utterance>") and key is a slash-prefixed name such as
// "/feat_mceplf0cap" or "/spcidx_range". Per-speaker statistics live in the
// same namespace under the speaker's statistics file.
//
// Implementations:
//   - [github.com/MrWong99/cyclevc/pkg/featstore/postgres]: PostgreSQL with
//     pgvector rows.
//   - [github.com/MrWong99/cyclevc/pkg/featstore/mock]: in-memory test double.
package featstore

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by read operations when the requested file or key
// does not exist.
var ErrNotFound = errors.New("featstore: not found")

// Well-known keys.
const (
	// KeyMceplf0cap holds the combined [u/v, log-F0, codeap..., mcep...]
	// matrix. It doubles as the legacy fallback for the primary feature key.
	KeyMceplf0cap = "/feat_mceplf0cap"

	// KeyOrgLf0 is the feature layout that carries a separate U/V
	// side-channel column in [KeyMceplf0cap].
	KeyOrgLf0 = "/feat_org_lf0"

	// KeySpeechRange holds the frame indices of the speech region.
	KeySpeechRange = "/spcidx_range"
)

// Reader is the read side of a feature store. All methods must be safe for
// concurrent use.
type Reader interface {
	// Exists reports whether file holds an array under key.
	Exists(ctx context.Context, file, key string) (bool, error)

	// HasFile reports whether the store knows file at all, regardless of key.
	HasFile(ctx context.Context, file string) (bool, error)

	// ReadMatrix returns the 2-D array stored under (file, key), frame-major.
	ReadMatrix(ctx context.Context, file, key string) ([][]float32, error)

	// ReadVector returns the 1-D array stored under (file, key).
	ReadVector(ctx context.Context, file, key string) ([]float32, error)
}

// Writer is the write side of a feature store.
type Writer interface {
	WriteMatrix(ctx context.Context, file, key string, m [][]float32) error
	WriteVector(ctx context.Context, file, key string, v []float32) error
}

// Store combines [Reader] with a liveness probe.
type Store interface {
	Reader

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

// MeanKey returns the per-speaker mean statistics key for a feature key,
// e.g. "/feat_org_lf0" → "/mean_feat_org_lf0".
func MeanKey(featureKey string) string {
	return "/mean_" + strings.ReplaceAll(featureKey, "/", "")
}

// ScaleKey returns the per-speaker scale statistics key for a feature key.
func ScaleKey(featureKey string) string {
	return "/scale_" + strings.ReplaceAll(featureKey, "/", "")
}
