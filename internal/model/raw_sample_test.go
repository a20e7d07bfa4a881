package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRaw_ObjectTags(t *testing.T) {
	s, err := DecodeRaw([]byte(`{"metric":"app.requests","type":"COUNT","value":3,"timestamp":1600000009.75,"tags":{"env":"prod","zone":1}}`))
	require.NoError(t, err)

	assert.Equal(t, "app.requests", s.Name)
	assert.Equal(t, KindCount, s.Kind)
	assert.Equal(t, 3.0, s.Value)
	assert.Equal(t, int64(1600000009), s.Timestamp)
	assert.Equal(t, []string{"env:prod", "zone:1"}, s.Tags)
}

func TestDecodeRaw_ListTagsAreSortedAndDeduplicated(t *testing.T) {
	s, err := DecodeRaw([]byte(`{"metric":"m","type":"gauge","value":1,"timestamp":10,"tags":["b:2","a:1","b:2"],"host":"dev-1"}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"a:1", "b:2"}, s.Tags)
	assert.Equal(t, "dev-1", s.Host)
}

func TestDecodeRaw_Garbage(t *testing.T) {
	for _, payload := range []string{
		``,
		`not json`,
		`{"type":"count","value":1,"timestamp":1}`,
		`{"metric":"m","type":"set","value":["a","b"],"timestamp":1}`,
	} {
		_, err := DecodeRaw([]byte(payload))
		assert.ErrorIs(t, err, ErrInvalidSample, payload)
	}
}

func TestEncodeRaw_DecodesBack(t *testing.T) {
	in := RawSample{Name: "chouette.queued.metrics", Kind: KindGauge, Value: 42, Timestamp: 100, Tags: []string{"x:y"}}
	b, err := EncodeRaw(in)
	require.NoError(t, err)

	out, err := DecodeRaw(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseKind_KeepsUnknown(t *testing.T) {
	assert.Equal(t, KindTimer, ParseKind(" Timer "))
	assert.Equal(t, Kind("distribution"), ParseKind("distribution"))
}
