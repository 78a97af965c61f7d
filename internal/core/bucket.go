package core

import "github.com/cespare/xxhash/v2"

// Bucket maps (namespace, key) to a deterministic value in [0,1).
//
// The same pair always produces the same bucket, across processes and
// restarts, because admission control and experiment splitting both depend on
// users landing in the same bucket every time. The top 53 bits of the xxhash
// are used so the full float64 mantissa carries hash entropy.
func Bucket(namespace, key string) float64 {
	sum := xxhash.Sum64String(namespace + ":" + key)
	return float64(sum>>11) / float64(uint64(1)<<53)
}

// FlagNamespace is the bucketing namespace used for rollout admission of the
// given flag.
func FlagNamespace(flagKey string) string {
	return "flag:" + flagKey
}

// ExperimentNamespace is the bucketing namespace used for variant assignment
// of the given flag's experiment. It is distinct from FlagNamespace so that
// rollout admission and variant splits are independent.
func ExperimentNamespace(flagKey string) string {
	return "exp:" + flagKey
}
