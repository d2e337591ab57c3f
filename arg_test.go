package grantry_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/grantry"
)

func TestArg_Matches(t *testing.T) {
	tests := []struct {
		name      string
		requested grantry.Arg
		stored    grantry.Arg
		want      bool
	}{
		{"any request matches any grant", grantry.ArgAny(), grantry.ArgAny(), true},
		{"any request matches all grant", grantry.ArgAny(), grantry.ArgAll(), true},
		{"any request matches scoped grant", grantry.ArgAny(), grantry.ArgID(42), true},
		{"scoped request matches all grant", grantry.ArgID(42), grantry.ArgAll(), true},
		{"scoped request matches same id", grantry.ArgID(42), grantry.ArgID(42), true},
		{"scoped request rejects other id", grantry.ArgID(42), grantry.ArgID(7), false},
		{"scoped request rejects unscoped grant", grantry.ArgID(42), grantry.ArgAny(), false},
		{"all request matches all grant", grantry.ArgAll(), grantry.ArgAll(), true},
		{"all request rejects scoped grant", grantry.ArgAll(), grantry.ArgID(42), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.requested.Matches(tt.stored))
		})
	}
}

func TestArg_Validate(t *testing.T) {
	assert.NoError(t, grantry.ArgAny().Validate())
	assert.NoError(t, grantry.ArgAll().Validate())
	assert.NoError(t, grantry.ArgID(1).Validate())

	for _, id := range []int64{0, -5} {
		err := grantry.ArgID(id).Validate()
		assert.True(t, grantry.IsInvalidArgErr(err), "id %d", id)
	}
}

func TestParseArg(t *testing.T) {
	tests := []struct {
		in      string
		want    grantry.Arg
		wantErr bool
	}{
		{in: "", want: grantry.ArgAny()},
		{in: "any", want: grantry.ArgAny()},
		{in: "ALL", want: grantry.ArgAll()},
		{in: " 17 ", want: grantry.ArgID(17)},
		{in: "0", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := grantry.ParseArg(tt.in)
			if tt.wantErr {
				assert.True(t, grantry.IsInvalidArgErr(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArg_StorageForm(t *testing.T) {
	assert.Equal(t, int64(0), grantry.ArgAny().Int64())
	assert.Equal(t, int64(-1), grantry.ArgAll().Int64())
	assert.Equal(t, int64(9), grantry.ArgID(9).Int64())

	a, err := grantry.ArgFromInt64(-1)
	require.NoError(t, err)
	assert.True(t, a.IsAll())

	_, err = grantry.ArgFromInt64(-2)
	assert.True(t, grantry.IsInvalidArgErr(err))
}

func TestArg_JSON(t *testing.T) {
	type row struct {
		Arg grantry.Arg `json:"arg"`
	}

	out, err := json.Marshal(row{Arg: grantry.ArgID(5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"arg":5}`, string(out))

	out, err = json.Marshal(row{Arg: grantry.ArgAll()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"arg":"all"}`, string(out))

	var r row
	require.NoError(t, json.Unmarshal([]byte(`{"arg":"any"}`), &r))
	assert.True(t, r.Arg.IsAny())
	require.NoError(t, json.Unmarshal([]byte(`{"arg":-1}`), &r))
	assert.True(t, r.Arg.IsAll())

	err = json.Unmarshal([]byte(`{"arg":"bogus"}`), &r)
	assert.True(t, grantry.IsInvalidArgErr(err))
}
