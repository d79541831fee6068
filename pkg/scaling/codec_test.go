package scaling

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_SmallPayloadUncompressed(t *testing.T) {
	data, err := Encode(Envelope{Kind: KindAll, Origin: "a"}, map[string]string{"type": "ping"}, 1024)
	require.NoError(t, err)

	env, payload, err := Decode(data)
	require.NoError(t, err)
	assert.Empty(t, env.Encoding)
	assert.Equal(t, "a", env.Origin)
	assert.JSONEq(t, `{"type":"ping"}`, string(payload))
}

func TestCodec_LargePayloadCompressed(t *testing.T) {
	msg := map[string]string{"type": "agent_update", "body": strings.Repeat("abc", 2000)}
	data, err := Encode(Envelope{Kind: KindUser, Origin: "a", Target: "b", UserID: "u1"}, msg, 1024)
	require.NoError(t, err)

	var raw Envelope
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, encodingSnappy, raw.Encoding)
	assert.Less(t, len(raw.Payload), 6000)

	env, payload, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "b", env.Target)

	var got map[string]string
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, msg, got)
}

func TestCodec_RejectsGarbage(t *testing.T) {
	_, _, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, _, err = Decode([]byte(`{"kind":"all","encoding":"zstd","payload":"e30="}`))
	assert.Error(t, err)
}
