package etl_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"usermetrics/internal/etl"
)

func TestEmailRule(t *testing.T) {
	cases := []struct {
		in   any
		want any
	}{
		{"alice@gmail.com", "****@gmail.com"},
		{"bob@Example.ORG", "****@Example.ORG"},
		{"a@b@c", "****@b@c"},
		{"no-at-sign", etl.Unknown},
		{nil, etl.Unknown},
		{42.0, etl.Unknown},
	}
	for _, tc := range cases {
		got, err := etl.EmailRule(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "input %v", tc.in)
	}
}

func TestEmailRule_AgreesWithEmailDomain(t *testing.T) {
	for _, in := range []string{"a@b@c", "x@Mail.Example.com", "@solo"} {
		masked, err := etl.EmailRule(in)
		require.NoError(t, err)
		require.Equal(t, etl.EmailDomain(in), etl.EmailDomain(masked), "input %s", in)
	}
}

func TestMaskRule_Idempotent(t *testing.T) {
	once, err := etl.MaskRule("Alice")
	require.NoError(t, err)
	twice, err := etl.MaskRule(once)
	require.NoError(t, err)
	require.Equal(t, etl.Mask, once)
	require.Equal(t, once, twice)
}

func TestApplyRule_ErrorAndPanic(t *testing.T) {
	res := etl.ApplyRule(func(any) (any, error) { return nil, errors.New("boom") }, "x")
	require.True(t, res.Failed)
	require.Nil(t, res.Value)
	require.Error(t, res.Err)

	res = etl.ApplyRule(func(any) (any, error) { panic("kaboom") }, "x")
	require.True(t, res.Failed)
	require.Nil(t, res.Value)

	res = etl.ApplyRule(func(any) (any, error) { return nil, nil }, "x")
	require.False(t, res.Failed)
	require.Nil(t, res.Value)
}

func TestAnonymize_FlattensAndRedacts(t *testing.T) {
	a := etl.NewAnonymizer(zaptest.NewLogger(t), etl.DefaultAnonymization())

	table := a.Anonymize([]etl.Record{{Data: map[string]any{
		"id":        1.0,
		"firstname": "Alice",
		"email":     "alice@gmail.com",
		"birthday":  "1957-05-01",
		"gender":    "female",
		"address": map[string]any{
			"street":       "Main 1",
			"city":         "Berlin",
			"country":      "Germany",
			"country_code": "DE",
			"latitude":     52.5,
			"id":           99.0,
		},
	}}})

	require.Equal(t, 1, table.Len())
	row := table.Rows[0].Data
	require.NotContains(t, row, "address")
	require.Equal(t, etl.Mask, row["firstname"])
	require.Equal(t, etl.Mask, row["street"])
	require.Equal(t, etl.Mask, row["latitude"])
	require.Equal(t, "****@gmail.com", row["email"])
	require.Equal(t, "Berlin", row["city"])
	require.Equal(t, "DE", row["country_code"])
	require.Equal(t, "1957-05-01", row["birthday"])
	// outer key wins over the nested one
	require.Equal(t, 1.0, row["id"])

	for k, v := range row {
		_, nested := v.(map[string]any)
		require.False(t, nested, "field %s is still nested", k)
	}
}

func TestAnonymize_RaggedUnion(t *testing.T) {
	a := etl.NewAnonymizer(zaptest.NewLogger(t), etl.DefaultAnonymization())
	table := a.Anonymize([]etl.Record{
		{Data: map[string]any{"email": "a@x.io", "city": "Rome"}},
		{Data: map[string]any{"email": "b@y.io", "phone": "123"}},
	})
	require.ElementsMatch(t, []string{"city", "email", "phone"}, table.Columns)
	require.Nil(t, table.Value(0, "phone"))
	require.Equal(t, etl.Mask, table.Value(1, "phone"))
}

func TestAnonymize_FailingRuleNullsOneField(t *testing.T) {
	config := etl.AnonymizationConfig{
		Rules: map[string]etl.Rule{
			"secret": func(any) (any, error) { return nil, errors.New("cannot redact") },
			"name":   etl.MaskRule,
		},
	}
	a := etl.NewAnonymizer(zaptest.NewLogger(t), config)
	table := a.Anonymize([]etl.Record{{Data: map[string]any{
		"secret": "s3cr3t",
		"name":   "Bob",
		"city":   "Oslo",
	}}})

	row := table.Rows[0].Data
	require.Contains(t, row, "secret")
	require.Nil(t, row["secret"])
	require.Equal(t, etl.Mask, row["name"])
	require.Equal(t, "Oslo", row["city"])
}

func TestFlatten_NonMappingNestedFieldDropped(t *testing.T) {
	a := etl.NewAnonymizer(zaptest.NewLogger(t), etl.DefaultAnonymization())
	flat := a.Flatten(etl.Record{Data: map[string]any{
		"address": "not a mapping",
		"tags":    []any{"a", "b"},
	}})
	require.NotContains(t, flat.Data, "address")
	require.Equal(t, `["a","b"]`, flat.Data["tags"])
}

func TestAnonymize_Deterministic(t *testing.T) {
	a := etl.NewAnonymizer(zaptest.NewLogger(t), etl.DefaultAnonymization())
	in := []etl.Record{{Data: map[string]any{"email": "c@d.com", "phone": "1"}}}
	first := a.Anonymize(in)
	second := a.Anonymize(in)
	require.Equal(t, first.Rows, second.Rows)
	// input left untouched
	require.Equal(t, "c@d.com", in[0].Data["email"])
}

func TestTable_Schema(t *testing.T) {
	table := etl.NewTable([]etl.Record{
		{Data: map[string]any{"id": 1.0, "lat": 52.5, "vip": true, "name": "a", "mixed": 3.0}},
		{Data: map[string]any{"id": int64(2), "lat": 1.0, "vip": false, "mixed": "x", "none": nil}},
	})
	types := map[string]string{}
	for _, f := range table.Schema().Fields {
		types[f.Name] = f.Type
	}
	require.Equal(t, map[string]string{
		"id":    etl.TypeInteger,
		"lat":   etl.TypeNumber,
		"vip":   etl.TypeBoolean,
		"name":  etl.TypeText,
		"mixed": etl.TypeText,
		"none":  etl.TypeText,
	}, types)
	require.Equal(t, table.Columns, table.Schema().FieldNames())
}
