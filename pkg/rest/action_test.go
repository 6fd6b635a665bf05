package rest

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveAction(t *testing.T) {
	tests := []struct {
		method     string
		singleton  bool
		want       Action
		wantErr    bool
		wantOption bool
	}{
		{http.MethodGet, false, FindAll, false, false},
		{http.MethodGet, true, Find, false, false},
		{http.MethodPut, false, ReplaceAll, false, false},
		{http.MethodPut, true, Update, false, false},
		{http.MethodPost, false, Create, false, false},
		{http.MethodPost, true, "", true, false},
		{http.MethodDelete, false, DeleteAll, false, false},
		{http.MethodDelete, true, Delete, false, false},
		{http.MethodOptions, false, "", false, true},
		{http.MethodOptions, true, "", false, true},
		{http.MethodPatch, true, "", true, false},
		{http.MethodHead, false, "", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got, enumerate, err := ResolveAction(tt.method, tt.singleton)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAction)
				assert.EqualError(t, err, "method and request do not form a valid action")
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOption, enumerate)
		})
	}
}

func TestParseAction(t *testing.T) {
	for _, a := range Actions {
		got, ok := ParseAction(string(a))
		assert.True(t, ok)
		assert.Equal(t, a, got)
	}

	// configuration keys arrive lower-cased
	got, ok := ParseAction("findall")
	assert.True(t, ok)
	assert.Equal(t, FindAll, got)

	_, ok = ParseAction("upsert")
	assert.False(t, ok)
}

func TestIsMutation(t *testing.T) {
	assert.False(t, Find.IsMutation())
	assert.False(t, FindAll.IsMutation())
	for _, a := range []Action{Create, Update, Delete, DeleteAll, ReplaceAll} {
		assert.True(t, a.IsMutation(), a)
	}
}
