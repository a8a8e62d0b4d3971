package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompute_DeterministicWithinBucket(t *testing.T) {
	base := int64(1_700_000_000_000) // multiple of 5000
	a := Compute("m1", "Purchase", "u1", "o1", base, 49.99, []string{"sku-1"})
	b := Compute("m1", "Purchase", "u1", "o1", base+4_999, 49.99, []string{"sku-1"})
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestCompute_DiffersAcrossBuckets(t *testing.T) {
	base := int64(1_700_000_000_000)
	a := Compute("m1", "Purchase", "u1", "o1", base, 49.99, nil)
	b := Compute("m1", "Purchase", "u1", "o1", base+5_000, 49.99, nil)
	require.NotEqual(t, a, b)
}

func TestCompute_ContentIDsOrderIndependent(t *testing.T) {
	base := int64(1_700_000_000_000)
	a := Compute("m1", "ViewContent", "u1", "", base, 0, []string{"b", "a"})
	b := Compute("m1", "ViewContent", "u1", "", base, 0, []string{"a", "b"})
	require.Equal(t, a, b)
}

func TestCompute_DiffersBySemanticFields(t *testing.T) {
	base := int64(1_700_000_000_000)
	ref := Compute("m1", "Purchase", "u1", "o1", base, 10, []string{"x"})
	require.NotEqual(t, ref, Compute("m2", "Purchase", "u1", "o1", base, 10, []string{"x"}))
	require.NotEqual(t, ref, Compute("m1", "AddToCart", "u1", "o1", base, 10, []string{"x"}))
	require.NotEqual(t, ref, Compute("m1", "Purchase", "u2", "o1", base, 10, []string{"x"}))
	require.NotEqual(t, ref, Compute("m1", "Purchase", "u1", "o2", base, 10, []string{"x"}))
	require.NotEqual(t, ref, Compute("m1", "Purchase", "u1", "o1", base, 11, []string{"x"}))
	require.NotEqual(t, ref, Compute("m1", "Purchase", "u1", "o1", base, 10, []string{"y"}))
}

func TestCompute_DoesNotMutateInput(t *testing.T) {
	ids := []string{"b", "a"}
	_ = Compute("m1", "Purchase", "", "", 0, 0, ids)
	require.Equal(t, []string{"b", "a"}, ids)
}
