// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hybrid

import (
	"fmt"
	"sync/atomic"

	"github.com/AleutianAI/AleutianIntent/services/intent/config"
)

// Weights are the blend weights for keyword and embedding scores.
// They are always non-negative and sum to 1.
type Weights struct {
	Keyword   float64 `json:"keyword"`
	Embedding float64 `json:"embedding"`
}

// WeightStore holds the current blend weights and lets a config reload swap
// them without locking the search path.
//
// Thread Safety: safe for concurrent use.
type WeightStore struct {
	v atomic.Pointer[Weights]
}

// NewWeightStore creates a store holding the normalized form of kw/emb.
func NewWeightStore(kw, emb float64) (*WeightStore, error) {
	ws := &WeightStore{}
	if err := ws.Store(kw, emb); err != nil {
		return nil, fmt.Errorf("NewWeightStore: %w", err)
	}
	return ws, nil
}

// Load returns the current weights.
func (ws *WeightStore) Load() Weights {
	return *ws.v.Load()
}

// Store normalizes and installs new weights. Invalid weights leave the
// current ones in place.
func (ws *WeightStore) Store(kw, emb float64) error {
	nkw, nemb, _, err := config.NormalizeWeights(kw, emb)
	if err != nil {
		return err
	}
	ws.v.Store(&Weights{Keyword: nkw, Embedding: nemb})
	return nil
}
