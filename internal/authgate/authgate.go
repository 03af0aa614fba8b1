// Package authgate validates the pre-shared API key carried on every
// FileMirrorSync request against dataset- and client-scoped key maps.
package authgate

import "crypto/subtle"

// Config maps dataset and client identifiers to their expected API key.
type Config struct {
	DatasetKeys map[string]string
	ClientKeys  map[string]string
}

// Gate authorizes requests against a Config.
type Gate struct {
	cfg Config
}

func New(cfg Config) *Gate {
	if cfg.DatasetKeys == nil {
		cfg.DatasetKeys = map[string]string{}
	}
	if cfg.ClientKeys == nil {
		cfg.ClientKeys = map[string]string{}
	}
	return &Gate{cfg: cfg}
}

// Authorize reports whether presentedKey matches the mapping for
// datasetID, falling back to clientID's mapping when no dataset mapping
// exists. A missing datasetID, clientID, or key is always unauthorized.
func (g *Gate) Authorize(datasetID, clientID, presentedKey string) bool {
	if datasetID == "" || clientID == "" || presentedKey == "" {
		return false
	}

	if expected, ok := g.cfg.DatasetKeys[datasetID]; ok {
		return constantTimeEqual(expected, presentedKey)
	}
	if expected, ok := g.cfg.ClientKeys[clientID]; ok {
		return constantTimeEqual(expected, presentedKey)
	}
	return false
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
