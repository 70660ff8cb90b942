package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/chronicleworks/chronicle/projection"
)

// ErrVerificationFailed indicates live and shadow targets diverged beyond
// the configured tolerance. The rebuild aborts; the live path is
// untouched.
var ErrVerificationFailed = errors.New("chronicle/replay: verification divergence")

// Countable is the consistency signal built-in verification relies on:
// row counts per logical partition
type Countable interface {
	Counts(ctx context.Context) (map[string]int64, error)
}

// VerificationResult compares a live and shadow target
type VerificationResult struct {
	Live       map[string]int64 `json:"live"`
	Shadow     map[string]int64 `json:"shadow"`
	Divergence float64          `json:"divergence"`
	Passed     bool             `json:"passed"`
}

// Verifier decides whether a rebuilt shadow may replace the live target
type Verifier interface {
	Verify(ctx context.Context, live, shadow projection.Target) (VerificationResult, error)
}

// CountVerifier compares per-partition counts. Divergence is the largest
// relative difference across partitions; the divergence threshold is
// policy, defaulting to exact agreement.
type CountVerifier struct {
	// Tolerance is the maximum allowed relative divergence per partition
	Tolerance float64
}

func (v CountVerifier) Verify(ctx context.Context, live, shadow projection.Target) (VerificationResult, error) {
	liveCounts, err := counts(ctx, live)
	if err != nil {
		return VerificationResult{}, err
	}
	shadowCounts, err := counts(ctx, shadow)
	if err != nil {
		return VerificationResult{}, err
	}

	var worst float64
	for _, partition := range partitions(liveCounts, shadowCounts) {
		l, s := liveCounts[partition], shadowCounts[partition]
		diff := float64(l - s)
		if diff < 0 {
			diff = -diff
		}
		base := float64(l)
		if base < 1 {
			base = 1
		}
		if d := diff / base; d > worst {
			worst = d
		}
	}

	return VerificationResult{
		Live:       liveCounts,
		Shadow:     shadowCounts,
		Divergence: worst,
		Passed:     worst <= v.Tolerance,
	}, nil
}

func counts(ctx context.Context, target projection.Target) (map[string]int64, error) {
	countable, ok := target.(Countable)
	if !ok {
		return nil, fmt.Errorf("chronicle/replay: target %T is not countable, provide a custom verifier", target)
	}
	return countable.Counts(ctx)
}

func partitions(a, b map[string]int64) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for k := range a {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
