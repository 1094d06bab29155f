package jobs

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobcluster/internal/errs"
)

func TestIsJobForms(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		in     any
		groups [][]string
	}{
		{name: "bare string", in: "mod.run", groups: [][]string{{"mod.run"}}},
		{name: "job string", in: map[string]any{"job": "mod.run"}, groups: [][]string{{"mod.run"}}},
		{name: "group", in: `{"job":{"b.two":{},"a.one":{"x":1}}}`, groups: [][]string{{"a.one", "b.two"}}},
		{name: "sequence", in: `{"job":["a.b","c.d"]}`, groups: [][]string{{"a.b"}, {"c.d"}}},
		{name: "mixed sequence", in: []byte(`{"job":["a.b",{"c.d":{},"e.f":null}]}`), groups: [][]string{{"a.b"}, {"c.d", "e.f"}}},
		{name: "json string", in: json.RawMessage(`"x_1.y_2"`), groups: [][]string{{"x_1.y_2"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := IsJob(tt.in)
			require.NoError(t, err)
			var got [][]string
			for _, g := range spec.Job {
				got = append(got, g.Names())
			}
			assert.Equal(t, tt.groups, got)
		})
	}
}

func TestIsJobCanonicalShape(t *testing.T) {
	t.Parallel()
	spec, err := IsJob("mod.run")
	require.NoError(t, err)
	b, err := json.Marshal(spec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"job":{"mod.run":{}}}`, string(b))

	seq, err := IsJob(`{"job":["a.b","c.d"],"noerrors":true,"single_task":true,"single_timeout":5000}`)
	require.NoError(t, err)
	b, err = json.Marshal(seq)
	require.NoError(t, err)
	assert.JSONEq(t, `{"job":[{"a.b":{}},{"c.d":{}}],"noerrors":true,"single_task":true,"single_timeout":5000}`, string(b))

	again, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, seq, again)
}

func TestIsJobRejects(t *testing.T) {
	t.Parallel()
	for _, in := range []any{
		"nodot",
		"Mod.Run",
		"a.b.c",
		"a-b.c",
		`{"job":"bad"}`,
		`{"job":{"a.b":{},"bad":{}}}`,
		`{"job":["a.b","bad"]}`,
		`{"job":[]}`,
		`{"job":{}}`,
		`{"job":42}`,
		`{"noerrors":true}`,
		`[1,2]`,
		`{not json`,
		nil,
	} {
		_, err := IsJob(in)
		require.Error(t, err, "%v", in)
		assert.True(t, errors.Is(err, ErrInvalidJob), "%v", in)
		assert.Equal(t, errs.StatusBadRequest, errs.Status(err))
		assert.False(t, errs.Retryable(err))
	}
}

func TestSingleKey(t *testing.T) {
	t.Parallel()
	spec, err := IsJob(`{"job":[{"a.b":{}},"c.d"],"single_task":true}`)
	require.NoError(t, err)
	assert.Equal(t, "a.b", spec.SingleKey())

	spec, err = IsJob(`{"job":"a.b","single_task":"other.task"}`)
	require.NoError(t, err)
	assert.Equal(t, "other.task", spec.SingleKey())

	spec, err = IsJob(`{"job":"a.b"}`)
	require.NoError(t, err)
	assert.Empty(t, spec.SingleKey())
}

func TestOptionsAccessors(t *testing.T) {
	t.Parallel()
	spec, err := IsJob(`{"job":{"a.b":{"ms":250,"name":"x","on":true,"wait":"2s","list":["p","q"]}}}`)
	require.NoError(t, err)
	o := spec.Job[0][0].Options
	assert.Equal(t, 250, o.Int("ms", 0))
	assert.Equal(t, "x", o.String("name"))
	assert.True(t, o.Bool("on"))
	assert.Equal(t, 2e9, float64(o.Duration("wait", 0)))
	assert.Equal(t, 250e6, float64(o.Duration("ms", 0)))
	assert.Equal(t, []string{"p", "q"}, o.Strings("list"))
	assert.Equal(t, 7, o.Int("missing", 7))

	var dst struct {
		Name string `json:"name"`
		MS   int    `json:"ms"`
	}
	require.NoError(t, o.Decode(&dst))
	assert.Equal(t, "x", dst.Name)
	assert.Equal(t, 250, dst.MS)
}
