package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfile_PreservesUnknownFields(t *testing.T) {
	data := []byte(`{"id":"p-1","username":"frapontillo","location":"Bari, Italy","followers":120,"source":"twitter","extra":{"bio":"hi"}}`)

	var p Profile
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, "p-1", p.ID)
	assert.Equal(t, "Bari, Italy", p.Location)
	assert.Nil(t, p.Latitude)

	ApplyFix(&p, Coordinates{41.1171, 16.8719})

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id":"p-1",
		"username":"frapontillo",
		"location":"Bari, Italy",
		"source":"twitter",
		"followers":120,
		"extra":{"bio":"hi"},
		"latitude":41.1171,
		"longitude":16.8719
	}`, string(out))
}

func TestProfile_MarshalWithoutExtras(t *testing.T) {
	p := Profile{ID: "p-2", Tags: []string{"a"}}

	out, err := json.Marshal(&p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"p-2","tags":["a"]}`, string(out))
}

func TestProfile_ModelledFieldsWin(t *testing.T) {
	var p Profile
	require.NoError(t, json.Unmarshal([]byte(`{"id":"p-3","latitude":null,"longitude":null,"note":"x"}`), &p))
	ApplyFix(&p, Coordinates{1, 2})

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"p-3","note":"x","latitude":1,"longitude":2}`, string(out))
}

func TestProfile_KnownKeysMatchedCaseInsensitively(t *testing.T) {
	var p Profile
	require.NoError(t, json.Unmarshal([]byte(`{"id":"p-4","Latitude":1.5,"LONGITUDE":2.5,"Location":"Bari","Note":"x"}`), &p))
	assert.Equal(t, Coordinates{1.5, 2.5}, p.Coordinates())
	assert.Equal(t, "Bari", p.Location)

	ApplyFix(&p, Coordinates{10, 20})

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"p-4","location":"Bari","Note":"x","latitude":10,"longitude":20}`, string(out))
}

func TestProfile_UnmarshalInvalid(t *testing.T) {
	var p Profile
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &p))
}

func TestProfile_Coordinates(t *testing.T) {
	assert.Nil(t, (*Profile)(nil).Coordinates())
	assert.Nil(t, (&Profile{Latitude: ptr(1)}).Coordinates())
	assert.Equal(t, Coordinates{1, 2}, (&Profile{Latitude: ptr(1), Longitude: ptr(2)}).Coordinates())
}

func TestCoordinates_Valid(t *testing.T) {
	assert.True(t, Coordinates{0, 0}.Valid())
	assert.True(t, Coordinates{-33.86, 151.2}.Valid())
	assert.False(t, Coordinates(nil).Valid())
	assert.False(t, Coordinates{1}.Valid())
	assert.False(t, Coordinates{1, 2, 3}.Valid())
}
