package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := New()
	r.Register("greeting", func() (any, error) { return "hello", nil })

	v, err := r.Resolve("greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestRegistry_FactoryInvokedOnce(t *testing.T) {
	r := New()
	calls := 0
	r.Register("counter", func() (any, error) {
		calls++
		return calls, nil
	})

	first, err := r.Resolve("counter")
	require.NoError(t, err)
	second, err := r.Resolve("counter")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestRegistry_ChildShadowsParentWithoutMutatingIt(t *testing.T) {
	parent := New()
	parent.Register("name", func() (any, error) { return "parent", nil })

	child := parent.Child()
	child.Register("name", func() (any, error) { return "child", nil })

	childVal, err := child.Resolve("name")
	require.NoError(t, err)
	assert.Equal(t, "child", childVal)

	parentVal, err := parent.Resolve("name")
	require.NoError(t, err)
	assert.Equal(t, "parent", parentVal)
}

func TestRegistry_ChildFallsThroughToParent(t *testing.T) {
	parent := New()
	parent.Register("shared", func() (any, error) { return "from-parent", nil })

	child := parent.Child()
	v, err := child.Resolve("shared")
	require.NoError(t, err)
	assert.Equal(t, "from-parent", v)
}

func TestRegistry_ResolveUnknownErrors(t *testing.T) {
	r := New()
	_, err := r.Resolve("missing")
	assert.Error(t, err)
}

func TestRegistry_FactoryErrorPropagates(t *testing.T) {
	r := New()
	r.Register("broken", func() (any, error) { return nil, errors.New("boom") })

	_, err := r.Resolve("broken")
	assert.Error(t, err)
}

func TestRegistry_FormatNamespaceIsIsolated(t *testing.T) {
	r := New()
	r.RegisterFormat("email", func() (any, error) { return "email-validator", nil })
	r.Register("email", func() (any, error) { return "plain-email", nil })

	fv, err := r.ResolveFormat("email")
	require.NoError(t, err)
	assert.Equal(t, "email-validator", fv)

	pv, err := r.Resolve("email")
	require.NoError(t, err)
	assert.Equal(t, "plain-email", pv)
}

func TestRegistry_Has(t *testing.T) {
	parent := New()
	parent.RegisterInstance("svc", 42)
	child := parent.Child()

	assert.True(t, child.Has("svc"))
	assert.False(t, child.Has("nope"))
}
