package cache

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStorable(t *testing.T) {
	tests := map[string]struct {
		values []string
		want   bool
	}{
		"no header":       {want: true},
		"public max-age":  {values: []string{"public, max-age=31536000"}, want: true},
		"no-cache":        {values: []string{"no-cache"}, want: true},
		"private":         {values: []string{"private, max-age=0"}, want: true},
		"unknown":         {values: []string{"immutable, stale-while-revalidate=30"}, want: true},
		"no-store":        {values: []string{"no-store"}, want: false},
		"padded no-store": {values: []string{" public , no-store "}, want: false},
		"split no-store":  {values: []string{"max-age=0", "no-store"}, want: false},
		"mixed-case flag": {values: []string{"NO-STORE"}, want: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			header := http.Header{}
			for _, v := range tc.values {
				header.Add("Cache-Control", v)
			}
			require.Equal(t, tc.want, Storable(header))
		})
	}
	require.True(t, Storable(nil))
}
