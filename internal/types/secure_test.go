package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "app-secret-4f1c9e"

func TestSecretString_FormattingRedacts(t *testing.T) {
	s := SecretString(testSecret)

	for _, verb := range []string{"%s", "%v", "%+v", "%#v"} {
		out := fmt.Sprintf(verb, s)
		assert.NotContains(t, out, testSecret, "verb %s leaked the secret", verb)
	}
	assert.Equal(t, redactedPlaceholder, s.String())
}

func TestSecretString_MarshalJSONRedacts(t *testing.T) {
	cfg := struct {
		Secret SecretString `json:"secret"`
		Name   string       `json:"name"`
	}{Secret: testSecret, Name: "pagehook"}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), testSecret))
	assert.JSONEq(t, `{"secret":"***REDACTED***","name":"pagehook"}`, string(data))
}

func TestSecretString_Unmask(t *testing.T) {
	s := SecretString(testSecret)
	assert.Equal(t, testSecret, s.Unmask())
	assert.False(t, s.IsEmpty())
	assert.True(t, SecretString("").IsEmpty())
}
