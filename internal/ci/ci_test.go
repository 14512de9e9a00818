package ci

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMappedStatus(t *testing.T) {
	cases := map[string]string{
		"created":              "pending",
		"waiting_for_resource": "pending",
		"preparing":            "pending",
		"pending":              "pending",
		"running":              "running",
		"success":              "success",
		"failed":               "failed",
		"canceled":             "canceled",
		"skipped":              "canceled",
		"manual":               "canceled",
		"unknown_future_state": "pending",
	}
	for raw, want := range cases {
		p := &Pipeline{Status: raw}
		require.Equal(t, want, p.MappedStatus(), raw)
	}
}
