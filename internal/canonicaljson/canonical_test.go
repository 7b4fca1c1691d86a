package canonicaljson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysAndStripsWhitespace(t *testing.T) {
	in := []byte(`{"b": 2, "a": 1, "c": {"y": 2, "x": 1}}`)
	out, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":{"x":1,"y":2}}`, string(out))
}

func TestMarshalKeyOrderAndWhitespaceInsensitive(t *testing.T) {
	a, err := Marshal([]byte(`{"one":1,"two":2}`))
	require.NoError(t, err)
	b, err := Marshal([]byte(`  {  "two" : 2 ,   "one" :1 }  `))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestMarshalControlCharacterEscaping(t *testing.T) {
	out, err := Marshal([]byte(`{"a":"x\ny \"z\\ "}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x\u000ay \"z\\ "}`, string(out))
}

func TestMarshalIntegerStaysBare(t *testing.T) {
	out, err := Marshal([]byte(`{"depth":12345}`))
	require.NoError(t, err)
	assert.Equal(t, `{"depth":12345}`, string(out))
}

func TestMarshalRejectsInvalidJSON(t *testing.T) {
	_, err := Marshal([]byte(`{not json`))
	assert.Error(t, err)
}
