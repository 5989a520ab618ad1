package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/cafsd/internal/model"
)

func TestStaticACL(t *testing.T) {
	acl := NewStaticACL(map[string]Grant{
		"ci-token": {Principal: "ci", Namespaces: map[string][]Action{
			"builds": {ActionRead, ActionWrite},
			"*":      {ActionRead},
		}},
		"root-token": {Principal: "root", Namespaces: map[string][]Action{"*": {"*"}}},
	})

	p, err := acl.Authenticate("ci-token")
	require.NoError(t, err)
	assert.Equal(t, Principal("ci"), p)

	_, err = acl.Authenticate("stolen")
	assert.ErrorIs(t, err, model.ErrForbidden)

	assert.NoError(t, acl.Check("ci", "builds", ActionRead, ActionWrite))
	assert.NoError(t, acl.Check("ci", "other", ActionRead))
	assert.ErrorIs(t, acl.Check("ci", "other", ActionWrite), model.ErrForbidden)
	assert.ErrorIs(t, acl.Check("ci", "builds", ActionDelete), model.ErrForbidden)
	assert.NoError(t, acl.Check("root", "anything", ActionAdmin, ActionDelete))

	anon, err := acl.Authenticate("")
	require.NoError(t, err)
	assert.ErrorIs(t, acl.Check(anon, "builds", ActionRead), model.ErrForbidden)
}

func TestAllowAll(t *testing.T) {
	p, err := AllowAll{}.Authenticate("whatever")
	require.NoError(t, err)
	assert.NoError(t, AllowAll{}.Check(p, "ns", ActionAdmin))
}

func TestPrincipalContext(t *testing.T) {
	assert.Equal(t, Anonymous, PrincipalFrom(context.Background()))
	ctx := WithPrincipal(context.Background(), "ci")
	assert.Equal(t, Principal("ci"), PrincipalFrom(ctx))
}
