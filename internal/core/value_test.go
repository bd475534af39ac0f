package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestValue_Equal(t *testing.T) {
	assert.True(t, Bool(true).Equal(Bool(true)))
	assert.False(t, Bool(true).Equal(Bool(false)))
	assert.False(t, Int(1).Equal(Long(1)), "kinds differ")
	assert.True(t, StringSet("b", "a", "a").Equal(StringSet("a", "b")))
	assert.False(t, StringSet("a").Equal(StringSet("a", "b")))
	assert.True(t, Float(1.5).Equal(Float(1.5)))
}

func TestValue_AccessorsRejectOtherKinds(t *testing.T) {
	_, ok := String("x").AsBool()
	assert.False(t, ok)

	n, ok := Int(42).AsInt()
	require.True(t, ok)
	assert.Equal(t, int32(42), n)

	set, ok := StringSet("z", "a").AsStringSet()
	require.True(t, ok)
	assert.Equal(t, []string{"a", "z"}, set)

	set[0] = "mutated"
	again, _ := StringSet("z", "a").AsStringSet()
	assert.Equal(t, "a", again[0])
}

func TestValue_JSONEncoding(t *testing.T) {
	values := map[string]Value{
		"b":   Bool(true),
		"i":   Int(-7),
		"l":   Long(1 << 40),
		"f":   Float(0.25),
		"s":   String("hello"),
		"set": StringSet("x", "y"),
	}
	data, err := json.Marshal(values)
	require.NoError(t, err)

	var decoded map[string]Value
	require.NoError(t, json.Unmarshal(data, &decoded))
	for k, v := range values {
		assert.Truef(t, v.Equal(decoded[k]), "key %s: got %v want %v", k, decoded[k], v)
	}
}

func TestValue_YAMLEncoding(t *testing.T) {
	snap := NewSnapshot(map[string]Value{
		"run_on_wifi":    Bool(false),
		"web_gui_port":   Int(9090),
		"wifi_whitelist": StringSet("home", "office"),
	})
	data, err := yaml.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), "type: int")

	var decoded Snapshot
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.True(t, snap.Equal(decoded))
}

func TestSnapshot_YAMLDecodeErrors(t *testing.T) {
	doc := `preferences:
  run_on_wifi:
    type: bool
    value: true
  web_gui_port:
    type: port
    value: 8384
`
	var file struct {
		Preferences Snapshot `yaml:"preferences"`
	}
	err := yaml.Unmarshal([]byte(doc), &file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 6")

	err = yaml.Unmarshal([]byte("preferences: [a, b]\n"), &file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a mapping")

	require.NoError(t, yaml.Unmarshal([]byte("preferences:\n"), &file))
	assert.Equal(t, 0, file.Preferences.Len())
}

func TestParseAs(t *testing.T) {
	v, err := ParseAs(KindInt, float64(8080))
	require.NoError(t, err)
	assert.True(t, v.Equal(Int(8080)))

	_, err = ParseAs(KindInt, float64(1.5))
	assert.Error(t, err)

	_, err = ParseAs(KindInt, int64(1)<<40)
	assert.Error(t, err, "out of int32 range")

	v, err = ParseAs(KindBool, "true")
	require.NoError(t, err)
	assert.True(t, v.Equal(Bool(true)))

	_, err = ParseAs(KindString, 12)
	assert.Error(t, err)

	_, err = ParseAs(KindStringSet, []any{"a", 1})
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("string_set")
	require.NoError(t, err)
	assert.Equal(t, KindStringSet, k)

	_, err = ParseKind("invalid")
	assert.Error(t, err)
}
