package authgate_test

import (
	"testing"

	"github.com/openmined/filemirrorsync/internal/authgate"
	"github.com/stretchr/testify/require"
)

func TestAuthorize_DatasetKeyTakesPrecedence(t *testing.T) {
	g := authgate.New(authgate.Config{
		DatasetKeys: map[string]string{"ds1": "dataset-key"},
		ClientKeys:  map[string]string{"c1": "client-key"},
	})

	require.True(t, g.Authorize("ds1", "c1", "dataset-key"))
	require.False(t, g.Authorize("ds1", "c1", "client-key"))
}

func TestAuthorize_FallsBackToClientKey(t *testing.T) {
	g := authgate.New(authgate.Config{
		ClientKeys: map[string]string{"c1": "client-key"},
	})

	require.True(t, g.Authorize("unknown-dataset", "c1", "client-key"))
}

func TestAuthorize_MissingFieldsAlwaysFail(t *testing.T) {
	g := authgate.New(authgate.Config{DatasetKeys: map[string]string{"ds1": "k"}})

	require.False(t, g.Authorize("", "c1", "k"))
	require.False(t, g.Authorize("ds1", "", "k"))
	require.False(t, g.Authorize("ds1", "c1", ""))
}

func TestAuthorize_NoMappingFails(t *testing.T) {
	g := authgate.New(authgate.Config{})
	require.False(t, g.Authorize("ds1", "c1", "anything"))
}
