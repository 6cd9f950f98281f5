package jsoncodec

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPayload struct {
	OrderID string          `json:"orderId"`
	Lines   int             `json:"lines"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

func TestMarshalKeepsRawMessageVerbatim(t *testing.T) {
	in := orderPayload{OrderID: "o-1", Lines: 2, Raw: json.RawMessage(`{"sku":"A-1"}`)}
	data, err := Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"raw":{"sku":"A-1"}`)

	var out orderPayload
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in.OrderID, out.OrderID)
	assert.JSONEq(t, string(in.Raw), string(out.Raw))
}

func TestMarshalMatchesEncodingJSON(t *testing.T) {
	v := map[string]any{"tenant": "acme", "note": "<b>&</b>", "attempt": 3}
	ours, err := Marshal(v)
	require.NoError(t, err)
	std, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, string(std), string(ours))
}

func TestMarshalIndent(t *testing.T) {
	indented, err := MarshalIndent(orderPayload{OrderID: "o-1"}, "", "  ")
	require.NoError(t, err)
	assert.Contains(t, string(indented), "\n  \"orderId\"")
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{"type":"order.created"}`)))
	assert.False(t, Valid([]byte(`{"type":`)))
}

func TestEncodeAppendsNewline(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, Encode(buf, orderPayload{OrderID: "o-7", Lines: 1}))
	assert.Equal(t, "{\"orderId\":\"o-7\",\"lines\":1}\n", buf.String())
}
